// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conclave/platform/shared/logger"
)

// Sentinel errors surfaced to the route layer.
var (
	// ErrTurnNotFound means the referenced assistant turn does not exist.
	ErrTurnNotFound = errors.New("assistant turn not found")

	// ErrNoStageData means the turn lacks the stage data an operation needs,
	// e.g. a stage-2 rerun on a turn that never ran stage 1.
	ErrNoStageData = errors.New("turn has no data for the requested stage")
)

// Engine sequences the three deliberation stages and owns the
// pause/resume/rerun state machine. It is the single entry point used by the
// route layer; everything between the network calls is synchronous pure
// computation over already-collected data.
type Engine struct {
	gw    Gateway
	store TurnStore
	log   *logger.Logger
}

// NewEngine creates an engine over the given gateway and turn store.
func NewEngine(gw Gateway, store TurnStore) *Engine {
	return &Engine{
		gw:    gw,
		store: store,
		log:   logger.New("deliberation"),
	}
}

// CollectAnswers runs stage 1: every council model answers the query
// independently and concurrently. The result always has exactly one entry
// per configured model; individual failures are data, not errors.
func (e *Engine) CollectAnswers(ctx context.Context, query string, models []string) []Stage1Result {
	calls := RunParallel(ctx, e.gw, models, func(string) []Message {
		return Stage1Messages(query)
	})

	results := make([]Stage1Result, 0, len(models))
	for _, model := range models {
		call := calls[model]
		if call.Err != nil {
			e.log.Warn("", "", "stage1 model call failed", map[string]interface{}{
				"model": model, "error": call.Err.Error(),
			})
			results = append(results, Stage1Result{Model: model, Failed: true})
			continue
		}
		results = append(results, Stage1Result{
			Model:            model,
			Content:          call.Reply.Content,
			ReasoningDetails: call.Reply.ReasoningDetails,
		})
	}
	return results
}

// CollectRankings runs stage 2: the stage-1 answers are anonymized and every
// council model ranks them. Returns the rankings plus the label-to-model
// mapping, which must be persisted with them so labels stay resolvable.
func (e *Engine) CollectRankings(ctx context.Context, query string, stage1 []Stage1Result, models []string) ([]Stage2Result, map[string]string) {
	answers, labelToModel := Anonymize(stage1)

	calls := RunParallel(ctx, e.gw, models, func(string) []Message {
		return Stage2Messages(query, answers)
	})

	results := make([]Stage2Result, 0, len(models))
	for _, model := range models {
		results = append(results, e.rankingResult(model, calls[model]))
	}
	return results, labelToModel
}

// rankingResult converts one ranking call into a Stage2Result. A reply that
// yields no parseable labels is marked failed but keeps its raw text.
func (e *Engine) rankingResult(model string, call CallResult) Stage2Result {
	if call.Err != nil {
		e.log.Warn("", "", "stage2 model call failed", map[string]interface{}{
			"model": model, "error": call.Err.Error(),
		})
		return Stage2Result{Model: model, Failed: true}
	}
	labels := ParseRanking(call.Reply.Content)
	if len(labels) == 0 {
		e.log.Warn("", "", "stage2 ranking unparseable", map[string]interface{}{"model": model})
		return Stage2Result{Model: model, RawText: call.Reply.Content, Failed: true}
	}
	return Stage2Result{Model: model, Ranking: labels, RawText: call.Reply.Content}
}

// Synthesize runs stage 3: a single chairman call over the query, the
// de-anonymized answers, and the raw rankings.
func (e *Engine) Synthesize(ctx context.Context, query string, stage1 []Stage1Result, stage2 []Stage2Result, chairman string) (*Stage3Result, error) {
	reply, err := e.gw.Invoke(ctx, chairman, Stage3Messages(query, stage1, stage2))
	if err != nil {
		return nil, fmt.Errorf("chairman synthesis failed: %w", err)
	}
	return &Stage3Result{Model: chairman, Content: reply.Content}, nil
}

// GenerateTitle asks the chairman model for a short conversation title.
func (e *Engine) GenerateTitle(ctx context.Context, query, chairman string) (string, error) {
	reply, err := e.gw.Invoke(ctx, chairman, TitleMessages(query))
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(reply.Content), `"'`)
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	if len(title) > 50 {
		title = title[:50]
	}
	return title, nil
}

// SyncResult bundles everything one full pipeline pass produces.
type SyncResult struct {
	Stage1   []Stage1Result `json:"stage1"`
	Stage2   []Stage2Result `json:"stage2"`
	Stage3   *Stage3Result  `json:"stage3"`
	Metadata *Metadata      `json:"metadata"`
}

// RunSync executes stage1 -> stage2 -> stage3 in one call and returns all
// three results plus metadata atomically once complete. Persistence is the
// caller's concern; this is the synchronous request/response surface.
func (e *Engine) RunSync(ctx context.Context, query string, cfg Config) (*SyncResult, error) {
	stage1 := e.CollectAnswers(ctx, query, cfg.CouncilModels)
	stage2, labelToModel := e.CollectRankings(ctx, query, stage1, cfg.CouncilModels)
	metadata := &Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: Aggregate(stage2, labelToModel, cfg.CouncilModels),
	}
	stage3, err := e.Synthesize(ctx, query, stage1, stage2, cfg.ChairmanModel)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Stage1: stage1, Stage2: stage2, Stage3: stage3, Metadata: metadata}, nil
}

// RunOptions configures a streamed run.
type RunOptions struct {
	// StepMode pauses the run after stage 1 completes, before stage 2 begins.
	StepMode bool

	// GenerateTitle starts title generation as a concurrent sibling task,
	// joined only before the terminal event. Set for a conversation's first
	// message.
	GenerateTitle bool

	// Sink receives progress events in order. Nil discards them.
	Sink EventSink
}

// titleTask is the detached handle for concurrent title generation.
type titleTask struct {
	ch chan string // closed after one send; empty string means no title
}

func (e *Engine) startTitleTask(ctx context.Context, conversationID, query, chairman string) *titleTask {
	t := &titleTask{ch: make(chan string, 1)}
	go func() {
		defer close(t.ch)
		title, err := e.GenerateTitle(ctx, query, chairman)
		if err != nil {
			// Title failure never aborts a run; the conversation simply
			// keeps its default title.
			e.log.Warn(conversationID, "", "title generation failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		t.ch <- title
	}()
	return t
}

// join waits for the title and reports/persists it. Completion ordering
// relative to stage 3 is unspecified, but the title is always reported before
// the run's terminal event.
func (e *Engine) joinTitleTask(ctx context.Context, t *titleTask, conversationID string, sink EventSink) {
	if t == nil {
		return
	}
	title, ok := <-t.ch
	if !ok || title == "" {
		return
	}
	if err := e.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		e.log.Warn(conversationID, "", "failed to persist title", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	sink.emit(Event{Type: EventTitleComplete, Data: map[string]string{"title": title}})
}

// Run executes the staged pipeline for the assistant turn at index, emitting
// progress events and persisting results as stages complete. It always ends
// the event sequence with exactly one terminal event (complete, paused, or
// error) and returns only unexpected run-level errors, which have already
// been reported through the sink by the time Run returns.
func (e *Engine) Run(ctx context.Context, conversationID string, index int, query string, cfg Config, opts RunOptions) error {
	sink := opts.Sink
	start := time.Now()

	var title *titleTask
	if opts.GenerateTitle {
		title = e.startTitleTask(ctx, conversationID, query, cfg.ChairmanModel)
	}

	// Stage 1: independent answers.
	sink.emit(Event{Type: EventStage1Start})
	stage1 := e.CollectAnswers(ctx, query, cfg.CouncilModels)
	sink.emit(Event{Type: EventStage1Complete, Data: stage1})

	if opts.StepMode {
		e.joinTitleTask(ctx, title, conversationID, sink)
		paused := true
		stage := PausedStage1
		if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
			Stage1:      stage1,
			Paused:      &paused,
			PausedStage: &stage,
		}); err != nil {
			return e.fail(conversationID, sink, fmt.Errorf("persisting paused turn: %w", err))
		}
		sink.emit(Event{Type: EventPaused, Stage: PausedStage1})
		return nil
	}

	// Stage 2: anonymized peer ranking plus aggregation.
	sink.emit(Event{Type: EventStage2Start})
	stage2, labelToModel := e.CollectRankings(ctx, query, stage1, cfg.CouncilModels)
	metadata := &Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: Aggregate(stage2, labelToModel, cfg.CouncilModels),
	}
	sink.emit(Event{Type: EventStage2Complete, Data: stage2, Metadata: metadata})

	// Stage 3: chairman synthesis.
	sink.emit(Event{Type: EventStage3Start})
	stage3, err := e.Synthesize(ctx, query, stage1, stage2, cfg.ChairmanModel)
	if err != nil {
		// Persist the completed stages with a pause marker before yielding
		// the error so Continue can pick the run up at stage 3.
		paused := true
		stage := PausedStage2
		if perr := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
			Stage1:      stage1,
			Stage2:      stage2,
			Metadata:    metadata,
			Paused:      &paused,
			PausedStage: &stage,
		}); perr != nil {
			e.log.Error(conversationID, "", "failed to persist turn after chairman failure", map[string]interface{}{
				"error": perr.Error(),
			})
		}
		return e.fail(conversationID, sink, err)
	}
	sink.emit(Event{Type: EventStage3Complete, Data: stage3})

	e.joinTitleTask(ctx, title, conversationID, sink)

	paused := false
	stage := PausedNone
	if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
		Stage1:      stage1,
		Stage2:      stage2,
		Stage3:      stage3,
		Metadata:    metadata,
		Paused:      &paused,
		PausedStage: &stage,
	}); err != nil {
		return e.fail(conversationID, sink, fmt.Errorf("persisting completed turn: %w", err))
	}

	e.log.InfoWithDuration(conversationID, "", "deliberation complete",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"council_size": len(cfg.CouncilModels),
			"chairman":     cfg.ChairmanModel,
		})
	sink.emit(Event{Type: EventComplete})
	return nil
}

// fail reports a run-level error as the terminal event and returns it.
func (e *Engine) fail(conversationID string, sink EventSink, err error) error {
	e.log.Error(conversationID, "", "deliberation run failed", map[string]interface{}{
		"error": err.Error(),
	})
	sink.emit(Event{Type: EventError, Message: err.Error()})
	return err
}

// ContinueResult reports which stage a Continue call ran and its output.
// Stage is "complete" when there was nothing left to do.
type ContinueResult struct {
	Stage    string         `json:"stage"`
	Stage2   []Stage2Result `json:"data,omitempty"`
	Metadata *Metadata      `json:"metadata,omitempty"`
	Stage3   *Stage3Result  `json:"stage3,omitempty"`
}

// Continue advances a paused turn by one stage. A turn holding only stage 1
// runs stage 2 and re-pauses; a turn holding stage 2 runs stage 3 and clears
// the pause. A turn that is already complete, or that never ran stage 1, is
// a deliberate no-op reporting "complete" rather than an error.
func (e *Engine) Continue(ctx context.Context, conversationID string, index int, cfg Config) (*ContinueResult, error) {
	turn, err := e.store.GetTurn(ctx, conversationID, index)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, ErrTurnNotFound
	}

	query, err := e.store.PrecedingUserMessage(ctx, conversationID, index)
	if err != nil {
		return nil, err
	}

	switch turn.State() {
	case StateStage1:
		stage2, labelToModel := e.CollectRankings(ctx, query, turn.Stage1, cfg.CouncilModels)
		metadata := &Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: Aggregate(stage2, labelToModel, cfg.CouncilModels),
		}
		paused := true
		stage := PausedStage2
		if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
			Stage2:      stage2,
			Metadata:    metadata,
			Paused:      &paused,
			PausedStage: &stage,
		}); err != nil {
			return nil, err
		}
		return &ContinueResult{Stage: "stage2", Stage2: stage2, Metadata: metadata}, nil

	case StateStage2:
		stage3, err := e.Synthesize(ctx, query, turn.Stage1, turn.Stage2, cfg.ChairmanModel)
		if err != nil {
			return nil, err
		}
		paused := false
		stage := PausedNone
		if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
			Stage3:      stage3,
			Paused:      &paused,
			PausedStage: &stage,
		}); err != nil {
			return nil, err
		}
		return &ContinueResult{Stage: "stage3", Stage3: stage3}, nil

	default:
		return &ContinueResult{Stage: "complete"}, nil
	}
}

// RerunFull re-executes all three stages for an existing turn, overwriting
// every stage result and the metadata, regardless of the turn's current
// state. The caller supplies the (possibly replaced) user query.
func (e *Engine) RerunFull(ctx context.Context, conversationID string, index int, query string, cfg Config) (*SyncResult, error) {
	result, err := e.RunSync(ctx, query, cfg)
	if err != nil {
		return nil, err
	}
	paused := false
	stage := PausedNone
	if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
		Stage1:      result.Stage1,
		Stage2:      result.Stage2,
		Stage3:      result.Stage3,
		Metadata:    result.Metadata,
		Paused:      &paused,
		PausedStage: &stage,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// RerunStage1Model re-invokes exactly one model's stage-1 answer. The new
// result replaces the existing entry for that model, or is appended if none
// exists. Stage 2 and stage 3 data are untouched.
func (e *Engine) RerunStage1Model(ctx context.Context, conversationID string, index int, model string) ([]Stage1Result, error) {
	turn, err := e.store.GetTurn(ctx, conversationID, index)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, ErrTurnNotFound
	}
	query, err := e.store.PrecedingUserMessage(ctx, conversationID, index)
	if err != nil {
		return nil, err
	}

	entry := e.CollectAnswers(ctx, query, []string{model})[0]
	stage1 := replaceStage1(turn.Stage1, entry)

	if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{Stage1: stage1}); err != nil {
		return nil, err
	}
	return stage1, nil
}

// RerunStage2Model re-invokes exactly one model's ranking. The anonymization
// mapping is recomputed fresh from the current stage-1 results, since those
// may have changed upstream, and the aggregate leaderboard is recomputed over
// the updated stage-2 set with the new mapping.
func (e *Engine) RerunStage2Model(ctx context.Context, conversationID string, index int, model string, cfg Config) ([]Stage2Result, *Metadata, error) {
	turn, err := e.store.GetTurn(ctx, conversationID, index)
	if err != nil {
		return nil, nil, err
	}
	if turn == nil {
		return nil, nil, ErrTurnNotFound
	}
	if turn.Stage1 == nil {
		return nil, nil, ErrNoStageData
	}
	query, err := e.store.PrecedingUserMessage(ctx, conversationID, index)
	if err != nil {
		return nil, nil, err
	}

	answers, labelToModel := Anonymize(turn.Stage1)
	calls := RunParallel(ctx, e.gw, []string{model}, func(string) []Message {
		return Stage2Messages(query, answers)
	})
	entry := e.rankingResult(model, calls[model])

	stage2 := replaceStage2(turn.Stage2, entry)
	metadata := &Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: Aggregate(stage2, labelToModel, cfg.CouncilModels),
	}

	if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{
		Stage2:   stage2,
		Metadata: metadata,
	}); err != nil {
		return nil, nil, err
	}
	return stage2, metadata, nil
}

// RerunStage3 re-invokes the chairman over the currently stored stage-1 and
// stage-2 data, overwriting only the stage-3 result.
func (e *Engine) RerunStage3(ctx context.Context, conversationID string, index int, cfg Config) (*Stage3Result, error) {
	turn, err := e.store.GetTurn(ctx, conversationID, index)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, ErrTurnNotFound
	}
	if turn.Stage1 == nil || turn.Stage2 == nil {
		return nil, ErrNoStageData
	}
	query, err := e.store.PrecedingUserMessage(ctx, conversationID, index)
	if err != nil {
		return nil, err
	}

	stage3, err := e.Synthesize(ctx, query, turn.Stage1, turn.Stage2, cfg.ChairmanModel)
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendOrUpdateTurn(ctx, conversationID, index, TurnUpdate{Stage3: stage3}); err != nil {
		return nil, err
	}
	return stage3, nil
}

func replaceStage1(results []Stage1Result, entry Stage1Result) []Stage1Result {
	for i, r := range results {
		if r.Model == entry.Model {
			out := make([]Stage1Result, len(results))
			copy(out, results)
			out[i] = entry
			return out
		}
	}
	return append(append([]Stage1Result{}, results...), entry)
}

func replaceStage2(results []Stage2Result, entry Stage2Result) []Stage2Result {
	for i, r := range results {
		if r.Model == entry.Model {
			out := make([]Stage2Result, len(results))
			copy(out, results)
			out[i] = entry
			return out
		}
	}
	return append(append([]Stage2Result{}, results...), entry)
}
