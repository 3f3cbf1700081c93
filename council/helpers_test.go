package council

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/platform/council/catalog"
	"conclave/platform/council/deliberation"
	"conclave/platform/council/storage"
)

// fakeGateway mirrors the deliberation stub: scripted replies keyed by the
// shape of the prompt.
type fakeGateway struct {
	mu       sync.Mutex
	answers  map[string]string
	rankings map[string]string
	synth    string
	title    string
	fail     map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		answers: map[string]string{
			"m1": "4",
			"m2": "four",
		},
		rankings: map[string]string{
			"m1": "1. Response A\n2. Response B",
			"m2": "1. Response A\n2. Response B",
		},
		synth: "the council agrees: 4",
		title: "Arithmetic",
		fail:  map[string]bool{},
	}
}

func (g *fakeGateway) Invoke(_ context.Context, model string, messages []deliberation.Message) (*deliberation.ModelReply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail[model] {
		return nil, &deliberation.GatewayError{Model: model, Code: deliberation.FailureNetwork}
	}
	prompt := messages[len(messages)-1].Content
	switch {
	case strings.Contains(prompt, "Rank the responses"):
		return &deliberation.ModelReply{Content: g.rankings[model]}, nil
	case strings.Contains(prompt, "chairman of a council"):
		return &deliberation.ModelReply{Content: g.synth}, nil
	case strings.Contains(prompt, "Generate a short title"):
		return &deliberation.ModelReply{Content: g.title}, nil
	default:
		return &deliberation.ModelReply{Content: g.answers[model]}, nil
	}
}

// fakeStore is an in-memory conversationStore.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*storage.Conversation
	messages      map[string][]storage.MessageRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]*storage.Conversation{},
		messages:      map[string][]storage.MessageRecord{},
	}
}

func (s *fakeStore) CreateConversation(_ context.Context, cfg deliberation.Config) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := &storage.Conversation{
		ID:        uuid.New().String(),
		Title:     "New Conversation",
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*storage.Conversation, []storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return conv, append([]storage.MessageRecord{}, s.messages[id]...), nil
}

func (s *fakeStore) ListConversations(_ context.Context) ([]storage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summaries := []storage.Summary{}
	for _, conv := range s.conversations {
		summaries = append(summaries, storage.Summary{
			ID:           conv.ID,
			Title:        conv.Title,
			CreatedAt:    conv.CreatedAt,
			MessageCount: len(s.messages[conv.ID]),
		})
	}
	return summaries, nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *fakeStore) UpdateConversationTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	conv.Title = title
	return nil
}

func (s *fakeStore) UpdateConversationConfig(_ context.Context, id string, cfg deliberation.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	conv.Config = cfg
	return nil
}

func (s *fakeStore) AddUserMessage(_ context.Context, id, content string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return 0, storage.ErrNotFound
	}
	idx := len(s.messages[id])
	s.messages[id] = append(s.messages[id], storage.MessageRecord{
		Index:   idx,
		Role:    "user",
		Content: content,
	})
	return idx + 1, nil
}

func (s *fakeStore) UpdateUserMessage(_ context.Context, id string, index int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[id] {
		if m.Index == index && m.Role == "user" {
			s.messages[id][i].Content = content
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *fakeStore) GetTurn(_ context.Context, id string, index int) (*deliberation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[id] {
		if m.Index == index && m.Role == "assistant" {
			return m.Turn, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) PrecedingUserMessage(_ context.Context, id string, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[id] {
		if m.Index == index-1 && m.Role == "user" {
			return m.Content, nil
		}
	}
	return "", fmt.Errorf("no user message at %d: %w", index-1, storage.ErrNotFound)
}

func (s *fakeStore) AppendOrUpdateTurn(_ context.Context, id string, index int, update deliberation.TurnUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[id]
	var turn *deliberation.Turn
	for i, m := range msgs {
		if m.Index == index && m.Role == "assistant" {
			turn = msgs[i].Turn
		}
	}
	if turn == nil {
		turn = &deliberation.Turn{}
		s.messages[id] = append(msgs, storage.MessageRecord{Index: index, Role: "assistant", Turn: turn})
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

// fakeCatalog serves a fixed model list.
type fakeCatalog struct {
	models []catalog.Model
	err    error
}

func (c *fakeCatalog) List(context.Context, bool) ([]catalog.Model, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}
	return c.models, true, nil
}

// setupService swaps the package singletons for fakes and returns them.
func setupService() (*fakeGateway, *fakeStore) {
	gw := newFakeGateway()
	fs := newFakeStore()

	serviceConfig = &Config{
		Port:          "8080",
		CouncilModels: []string{"m1", "m2"},
		ChairmanModel: "chair",
	}
	store = fs
	engine = deliberation.NewEngine(gw, fs)
	modelCache = &fakeCatalog{models: []catalog.Model{
		{ID: "m1", Name: "Model One"},
		{ID: "m2", Name: "Model Two"},
		{ID: "chair", Name: "Chairman"},
	}}
	metrics = newServiceMetrics()
	return gw, fs
}
