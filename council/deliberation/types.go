// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

// Package deliberation implements the three-stage council protocol: every
// council model answers a query independently, every council model ranks the
// anonymized answers of its peers, and a chairman model synthesizes the final
// response from the answers and the aggregate ranking.
package deliberation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one chat-completion message sent to a model backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelReply is the parsed reply from a single model call.
type ModelReply struct {
	Content          string          `json:"content"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
}

// Stage1Result holds one council model's independent answer. Exactly one
// entry exists per requested model; a model that failed gets Failed=true and
// empty content, never a missing entry.
type Stage1Result struct {
	Model            string          `json:"model"`
	Content          string          `json:"content,omitempty"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
	Failed           bool            `json:"failed,omitempty"`
}

// Stage2Result holds one council model's ranking of the anonymized stage-1
// answers. Ranking is the parsed label sequence, best first. RawText keeps
// the model's verbatim output for display and reparsing.
type Stage2Result struct {
	Model   string   `json:"model"`
	Ranking []string `json:"parsed_ranking,omitempty"`
	RawText string   `json:"raw_text,omitempty"`
	Failed  bool     `json:"failed,omitempty"`
}

// Stage3Result is the chairman's synthesized final answer.
type Stage3Result struct {
	Model   string `json:"model"`
	Content string `json:"content"`
}

// AggregateRanking is one leaderboard row. Rank is 1-based, best first.
type AggregateRanking struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Metadata is the per-run bookkeeping persisted alongside stage-2 results so
// labels can be resolved later (single-model reruns, UI display).
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// Config names the council members and the chairman for one conversation.
// The deliberation core treats it as immutable input; validation against the
// model catalog happens at the route layer.
type Config struct {
	CouncilModels []string `json:"council_models"`
	ChairmanModel string   `json:"chairman_model"`
}

// PausedStage marks where a step-mode run stopped.
type PausedStage string

const (
	PausedNone   PausedStage = ""
	PausedStage1 PausedStage = "stage1"
	PausedStage2 PausedStage = "stage2"
)

// State is the position of a turn in the stage pipeline.
type State string

const (
	StateEmpty  State = "empty"
	StateStage1 State = "stage1"
	StateStage2 State = "stage2"
	StateStage3 State = "stage3"
)

// Turn is one assistant turn: the (possibly partial) three-stage response to
// a single user query, plus the pause marker.
type Turn struct {
	Stage1      []Stage1Result `json:"stage1,omitempty"`
	Stage2      []Stage2Result `json:"stage2,omitempty"`
	Stage3      *Stage3Result  `json:"stage3,omitempty"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
	Paused      bool           `json:"paused,omitempty"`
	PausedStage PausedStage    `json:"paused_stage,omitempty"`
}

// State derives the pipeline state from which stages are present. Stage
// results can legitimately be all-failed, so presence is tracked explicitly
// rather than inferred from emptiness of content.
func (t *Turn) State() State {
	switch {
	case t == nil || t.Stage1 == nil:
		return StateEmpty
	case t.Stage3 != nil:
		return StateStage3
	case t.Stage2 != nil:
		return StateStage2
	default:
		return StateStage1
	}
}

// TurnUpdate is a partial write to a persisted turn. Nil fields are left
// unchanged by the store.
type TurnUpdate struct {
	Stage1      []Stage1Result
	Stage2      []Stage2Result
	Stage3      *Stage3Result
	Metadata    *Metadata
	Paused      *bool
	PausedStage *PausedStage
}

// TurnStore is the persistence collaborator. Calls are independent reads and
// writes; the core never assumes transactionality across them.
type TurnStore interface {
	// GetTurn returns the assistant turn at index, or nil if absent.
	GetTurn(ctx context.Context, conversationID string, index int) (*Turn, error)

	// PrecedingUserMessage returns the user query that produced the turn at
	// index (conventionally the message at index-1).
	PrecedingUserMessage(ctx context.Context, conversationID string, index int) (string, error)

	// AppendOrUpdateTurn writes the non-nil fields of update to the turn at
	// index, creating the turn if it does not exist.
	AppendOrUpdateTurn(ctx context.Context, conversationID string, index int, update TurnUpdate) error

	// UpdateConversationTitle sets the conversation title.
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error
}

// Failure codes attached to GatewayError.
const (
	FailureNetwork   = "network"
	FailureStatus    = "status"
	FailureMalformed = "malformed"
	FailureTimeout   = "timeout"
)

// GatewayError describes a single model call failure. It is data, not a
// run-level error: the fan-out executor records it as a failed slot and the
// run continues.
type GatewayError struct {
	Model      string
	Code       string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model %s: %s (status %d)", e.Model, e.Code, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("model %s: %s: %v", e.Model, e.Code, e.Cause)
	}
	return fmt.Sprintf("model %s: %s", e.Model, e.Code)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}
