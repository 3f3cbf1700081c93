package deliberation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// stubGateway returns scripted replies per model, keyed by the kind of
// request it receives. Deterministic so rerun tests can compare leaderboards.
type stubGateway struct {
	mu sync.Mutex

	answers  map[string]string // stage-1 answer per model
	rankings map[string]string // raw stage-2 output per model
	synth    string            // chairman stage-3 output
	title    string            // title output

	failModels map[string]bool // models whose calls always fail
	delays     map[string]time.Duration

	calls []string // "<kind>:<model>" in invocation order
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		answers:    map[string]string{},
		rankings:   map[string]string{},
		failModels: map[string]bool{},
		delays:     map[string]time.Duration{},
		synth:      "synthesized answer",
		title:      "Test Conversation",
	}
}

func (g *stubGateway) Invoke(ctx context.Context, model string, messages []Message) (*ModelReply, error) {
	if d := g.delays[model]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, &GatewayError{Model: model, Code: FailureTimeout, Cause: ctx.Err()}
		}
	}

	prompt := messages[len(messages)-1].Content
	kind := "stage1"
	switch {
	case strings.Contains(prompt, "Rank the responses"):
		kind = "stage2"
	case strings.Contains(prompt, "chairman of a council"):
		kind = "stage3"
	case strings.Contains(prompt, "Generate a short title"):
		kind = "title"
	}

	g.mu.Lock()
	g.calls = append(g.calls, kind+":"+model)
	g.mu.Unlock()

	if g.failModels[model] {
		return nil, &GatewayError{Model: model, Code: FailureNetwork, Cause: fmt.Errorf("stubbed failure")}
	}

	switch kind {
	case "stage1":
		return &ModelReply{Content: g.answers[model]}, nil
	case "stage2":
		return &ModelReply{Content: g.rankings[model]}, nil
	case "stage3":
		return &ModelReply{Content: g.synth}, nil
	default:
		return &ModelReply{Content: g.title}, nil
	}
}

// memStore is an in-memory TurnStore for engine tests.
type memStore struct {
	mu     sync.Mutex
	turns  map[string]*Turn // key: convID/index
	users  map[string]string
	titles map[string]string

	failWrites bool
}

func newMemStore() *memStore {
	return &memStore{
		turns:  map[string]*Turn{},
		users:  map[string]string{},
		titles: map[string]string{},
	}
}

func turnKey(conversationID string, index int) string {
	return fmt.Sprintf("%s/%d", conversationID, index)
}

func (s *memStore) setUserMessage(conversationID string, index int, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[turnKey(conversationID, index)] = content
}

func (s *memStore) GetTurn(_ context.Context, conversationID string, index int) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnKey(conversationID, index)]
	if !ok {
		return nil, nil
	}
	clone := *turn
	return &clone, nil
}

func (s *memStore) PrecedingUserMessage(_ context.Context, conversationID string, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.users[turnKey(conversationID, index)]
	if !ok {
		return "", fmt.Errorf("no preceding user message for %s/%d", conversationID, index)
	}
	return content, nil
}

func (s *memStore) AppendOrUpdateTurn(_ context.Context, conversationID string, index int, update TurnUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("stubbed write failure")
	}
	key := turnKey(conversationID, index)
	turn, ok := s.turns[key]
	if !ok {
		turn = &Turn{}
		s.turns[key] = turn
	}
	if update.Stage1 != nil {
		turn.Stage1 = update.Stage1
	}
	if update.Stage2 != nil {
		turn.Stage2 = update.Stage2
	}
	if update.Stage3 != nil {
		turn.Stage3 = update.Stage3
	}
	if update.Metadata != nil {
		turn.Metadata = update.Metadata
	}
	if update.Paused != nil {
		turn.Paused = *update.Paused
	}
	if update.PausedStage != nil {
		turn.PausedStage = *update.PausedStage
	}
	return nil
}

func (s *memStore) UpdateConversationTitle(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[conversationID] = title
	return nil
}
