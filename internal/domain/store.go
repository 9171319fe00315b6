package domain

import (
	"context"
	"time"
)

// DedupStore is the idempotency cache keyed by inbound message id.
// MarkProcessed is the atomic check-and-mark: it records the id and reports
// whether it was already present. Callers that only need to observe state
// without claiming it use IsDuplicate.
type DedupStore interface {
	MarkProcessed(id string) (alreadyProcessed bool)
	IsDuplicate(id string) bool
}

// GroupState is the per-chat tracking record for group response gating.
// QuestionCount survives resets; the rest is cleared between rounds.
type GroupState struct {
	ChatID        string
	QuestionID    string
	ExpectedIDs   map[string]bool
	RespondedIDs  map[string]bool
	QuestionCount int
	UpdatedAt     time.Time
}

// Active reports whether a question round is in progress.
func (s *GroupState) Active() bool {
	return s != nil && s.QuestionID != "" && len(s.ExpectedIDs) > 0
}

// Complete reports whether every expected participant has responded.
// An empty expected set is never complete (nor waiting): that is the
// individual-chat degenerate case.
func (s *GroupState) Complete() bool {
	if s == nil || len(s.ExpectedIDs) == 0 {
		return false
	}
	for id := range s.ExpectedIDs {
		if !s.RespondedIDs[id] {
			return false
		}
	}
	return true
}

// GroupTrackingStore persists GroupState keyed by chat id. Implementations
// need not serialize access; the coordinator holds a per-chat lock around
// every read-modify-write.
type GroupTrackingStore interface {
	GetState(ctx context.Context, chatID string) (*GroupState, error)
	PutState(ctx context.Context, state *GroupState) error
}

// LoggedMessage is one row of the local message log.
type LoggedMessage struct {
	ChatID    string
	SenderID  string
	IsAgent   bool
	Content   string
	MediaURL  string
	CreatedAt time.Time
}

// MessageLog records inbound messages and delivered replies. It backs
// history for platforms without a history API and the status command.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg LoggedMessage) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]LoggedMessage, error)
}
