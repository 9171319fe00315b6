package store

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// MemoryStore is an in-memory GroupTrackingStore and MessageLog for tests
// and single-shot runs where durability is not needed.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]*domain.GroupState
	messages map[string][]domain.LoggedMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]*domain.GroupState),
		messages: make(map[string][]domain.LoggedMessage),
	}
}

func (s *MemoryStore) GetState(_ context.Context, chatID string) (*domain.GroupState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[chatID]
	if !ok {
		return nil, nil
	}
	return cloneState(state), nil
}

func (s *MemoryStore) PutState(_ context.Context, state *domain.GroupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	s.states[state.ChatID] = cloneState(state)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.LoggedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	return nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, chatID string, limit int) ([]domain.LoggedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.LoggedMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func cloneState(in *domain.GroupState) *domain.GroupState {
	out := *in
	out.ExpectedIDs = cloneSet(in.ExpectedIDs)
	out.RespondedIDs = cloneSet(in.RespondedIDs)
	return &out
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
