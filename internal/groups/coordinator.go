// Package groups gates replies in multi-party chats: when the agent poses a
// question to the group, delivery of the next reply waits until every
// expected participant has answered.
package groups

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
)

// Coordinator tracks question rounds per chat on top of a
// GroupTrackingStore. Every read-modify-write on a chat's state runs under
// that chat's lock; chats never contend with each other.
type Coordinator struct {
	store  domain.GroupTrackingStore
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(store domain.GroupTrackingStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// chatLock returns the mutex for a chat, creating it on first use.
func (c *Coordinator) chatLock(chatID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[chatID] = l
	}
	return l
}

// DetectParticipants returns the distinct non-agent sender ids in history,
// excluding the agent's own id.
func (c *Coordinator) DetectParticipants(history []domain.HistoryMessage, excludeAgentID string) map[string]bool {
	participants := make(map[string]bool)
	for _, m := range history {
		if m.IsAgent || m.SenderID == "" || m.SenderID == excludeAgentID {
			continue
		}
		participants[m.SenderID] = true
	}
	return participants
}

// StartTracking opens a new question round for the chat: fresh question id,
// empty responded set, incremented question count. The expected set is
// frozen at this point; participants discovered later wait for the next
// round.
func (c *Coordinator) StartTracking(ctx context.Context, chatID string, expected map[string]bool) (questionID string, err error) {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.store.GetState(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("load tracking state: %w", err)
	}
	if state == nil {
		state = &domain.GroupState{ChatID: chatID}
	}

	state.QuestionID = uuid.NewString()
	state.ExpectedIDs = cloneSet(expected)
	state.RespondedIDs = make(map[string]bool)
	state.QuestionCount++
	state.UpdatedAt = time.Now()

	if err := c.store.PutState(ctx, state); err != nil {
		return "", fmt.Errorf("save tracking state: %w", err)
	}

	c.logger.Info("group tracking started",
		"chat_id", chatID,
		"question_id", state.QuestionID,
		"expected", len(state.ExpectedIDs),
		"question_count", state.QuestionCount,
	)
	return state.QuestionID, nil
}

// RecordResponse marks the user as having answered the current question and
// reports whether the round is now complete. Repeat responses from the same
// user do not inflate progress; users outside the expected set are ignored.
// With no active round this is a no-op.
func (c *Coordinator) RecordResponse(ctx context.Context, chatID, userID string) (allComplete bool, err error) {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.store.GetState(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("load tracking state: %w", err)
	}
	if !state.Active() {
		return false, nil
	}

	if state.ExpectedIDs[userID] && !state.RespondedIDs[userID] {
		state.RespondedIDs[userID] = true
		state.UpdatedAt = time.Now()
		if err := c.store.PutState(ctx, state); err != nil {
			return false, fmt.Errorf("save tracking state: %w", err)
		}
	}

	remaining := len(state.ExpectedIDs) - len(state.RespondedIDs)
	c.logger.Debug("group response recorded",
		"chat_id", chatID,
		"user_id", userID,
		"remaining", remaining,
	)
	return state.Complete(), nil
}

// IsWaiting reports whether a question round is active and not every
// expected participant has answered. An empty expected set never waits.
func (c *Coordinator) IsWaiting(ctx context.Context, chatID string) (bool, error) {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.store.GetState(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("load tracking state: %w", err)
	}
	return state.Active() && !state.Complete(), nil
}

// HasActiveRound reports whether a question round is in progress,
// regardless of completion.
func (c *Coordinator) HasActiveRound(ctx context.Context, chatID string) (bool, error) {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.store.GetState(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("load tracking state: %w", err)
	}
	return state.Active(), nil
}

// ClearTracking ends the current round once the gated reply has been sent.
// The question id and responded set reset; the question count persists.
func (c *Coordinator) ClearTracking(ctx context.Context, chatID string) error {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.store.GetState(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load tracking state: %w", err)
	}
	if state == nil {
		return nil
	}

	state.QuestionID = ""
	state.RespondedIDs = make(map[string]bool)
	state.UpdatedAt = time.Now()

	if err := c.store.PutState(ctx, state); err != nil {
		return fmt.Errorf("save tracking state: %w", err)
	}
	c.logger.Info("group tracking cleared", "chat_id", chatID, "question_count", state.QuestionCount)
	return nil
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		if v {
			out[k] = true
		}
	}
	return out
}
