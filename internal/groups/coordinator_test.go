package groups

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"chatrelay/internal/domain"
	"chatrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestCoordinator() *Coordinator {
	return NewCoordinator(store.NewMemoryStore(), testLogger())
}

func set(ids ...string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestDetectParticipants(t *testing.T) {
	c := newTestCoordinator()

	history := []domain.HistoryMessage{
		{SenderID: "alice", Content: "hi"},
		{SenderID: "bot-1", IsAgent: true, Content: "hello all"},
		{SenderID: "bob", Content: "hey"},
		{SenderID: "alice", Content: "again"},
		{SenderID: "", Content: "system"},
		{SenderID: "bot-1", Content: "not flagged but same id"},
	}

	got := c.DetectParticipants(history, "bot-1")
	if len(got) != 2 || !got["alice"] || !got["bob"] {
		t.Errorf("DetectParticipants = %v, want {alice, bob}", got)
	}
}

func TestGroupGating_TwoParticipants(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	if _, err := c.StartTracking(ctx, "chat1", set("A", "B")); err != nil {
		t.Fatal(err)
	}

	complete, err := c.RecordResponse(ctx, "chat1", "A")
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Error("round should not be complete after one of two responses")
	}
	waiting, _ := c.IsWaiting(ctx, "chat1")
	if !waiting {
		t.Error("should be waiting with one response outstanding")
	}

	complete, err = c.RecordResponse(ctx, "chat1", "B")
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Error("round should complete when the last participant answers")
	}
	waiting, _ = c.IsWaiting(ctx, "chat1")
	if waiting {
		t.Error("complete round should not be waiting")
	}
}

func TestRecordResponse_Idempotent(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	c.StartTracking(ctx, "chat1", set("A", "B"))

	for i := 0; i < 3; i++ {
		complete, err := c.RecordResponse(ctx, "chat1", "A")
		if err != nil {
			t.Fatal(err)
		}
		if complete {
			t.Errorf("repeat responses from A must not complete the round (iteration %d)", i)
		}
	}
}

func TestRecordResponse_UnexpectedUserIgnored(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	c.StartTracking(ctx, "chat1", set("A"))

	// A late joiner is not added to the in-progress round.
	complete, err := c.RecordResponse(ctx, "chat1", "C")
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Error("unexpected user must not complete the round")
	}
	waiting, _ := c.IsWaiting(ctx, "chat1")
	if !waiting {
		t.Error("round should still be waiting on A")
	}
}

func TestRecordResponse_NoActiveRound(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	complete, err := c.RecordResponse(ctx, "chat1", "A")
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Error("no active round: RecordResponse must be a no-op returning false")
	}
	waiting, _ := c.IsWaiting(ctx, "chat1")
	if waiting {
		t.Error("untracked chat should never wait")
	}
}

func TestQuestionCount_MonotonicAcrossClears(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, testLogger())
	ctx := context.Background()

	var lastQID string
	for round := 1; round <= 3; round++ {
		qid, err := c.StartTracking(ctx, "chat1", set("A"))
		if err != nil {
			t.Fatal(err)
		}
		if qid == lastQID {
			t.Error("question id must be fresh per round")
		}
		lastQID = qid

		state, _ := st.GetState(ctx, "chat1")
		if state.QuestionCount != round {
			t.Errorf("round %d: QuestionCount = %d", round, state.QuestionCount)
		}

		if _, err := c.RecordResponse(ctx, "chat1", "A"); err != nil {
			t.Fatal(err)
		}
		if err := c.ClearTracking(ctx, "chat1"); err != nil {
			t.Fatal(err)
		}

		state, _ = st.GetState(ctx, "chat1")
		if state.QuestionCount != round {
			t.Errorf("ClearTracking must preserve QuestionCount, got %d want %d", state.QuestionCount, round)
		}
		if state.QuestionID != "" || len(state.RespondedIDs) != 0 {
			t.Errorf("ClearTracking must reset question id and responded set: %+v", state)
		}
	}
}

func TestCompleteTransitionsOncePerQuestion(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	c.StartTracking(ctx, "chat1", set("A", "B"))
	c.RecordResponse(ctx, "chat1", "A")
	complete, _ := c.RecordResponse(ctx, "chat1", "B")
	if !complete {
		t.Fatal("round should complete")
	}
	c.ClearTracking(ctx, "chat1")

	// After clearing there is no active round, so completion cannot recur
	// without a new StartTracking.
	complete, _ = c.RecordResponse(ctx, "chat1", "B")
	if complete {
		t.Error("completion must not recur after ClearTracking without StartTracking")
	}
}

func TestEmptyExpectedSetNeverWaits(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	c.StartTracking(ctx, "chat1", nil)
	waiting, err := c.IsWaiting(ctx, "chat1")
	if err != nil {
		t.Fatal(err)
	}
	if waiting {
		t.Error("empty expected set degenerates to the individual-chat path")
	}
}
