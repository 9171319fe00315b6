package dedup

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestMarkProcessed_FirstTime(t *testing.T) {
	s := New(0, 0, testLogger())

	if s.IsDuplicate("m1") {
		t.Error("unseen id should not be a duplicate")
	}
	if s.MarkProcessed("m1") {
		t.Error("first mark should report not already processed")
	}
	if !s.IsDuplicate("m1") {
		t.Error("id should be a duplicate immediately after mark")
	}
	if !s.MarkProcessed("m1") {
		t.Error("second mark should report already processed")
	}
}

func TestMarkProcessed_TTLExpiry(t *testing.T) {
	s := New(5*time.Minute, time.Minute, testLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.MarkProcessed("m1")
	if !s.IsDuplicate("m1") {
		t.Fatal("m1 should be a duplicate at t=0s")
	}

	// After TTL + one sweep cycle the entry is gone and the id is new again.
	s.now = func() time.Time { return base.Add(301 * time.Second) }
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("sweep removed %d entries, want 1", removed)
	}
	if s.IsDuplicate("m1") {
		t.Error("m1 should not be a duplicate after TTL + sweep")
	}
	if s.MarkProcessed("m1") {
		t.Error("expired id should be treated as new")
	}
}

func TestIsDuplicate_ExpiredButUnswept(t *testing.T) {
	s := New(5*time.Minute, time.Minute, testLogger())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.MarkProcessed("m1")

	// Entry still present but past TTL: not a duplicate even before sweep.
	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	if s.IsDuplicate("m1") {
		t.Error("entry past TTL should not count as duplicate")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (sweep has not run)", s.Len())
	}
}

func TestMarkProcessed_ConcurrentSingleWinner(t *testing.T) {
	s := New(0, 0, testLogger())

	const workers = 32
	var wg sync.WaitGroup
	winners := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.MarkProcessed("m42") {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines won the mark race, want exactly 1", count)
	}
}

func TestSweep_KeepsFreshEntries(t *testing.T) {
	s := New(5*time.Minute, time.Minute, testLogger())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.MarkProcessed("old")

	s.now = func() time.Time { return base.Add(4 * time.Minute) }
	s.MarkProcessed("fresh")

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if !s.IsDuplicate("fresh") {
		t.Error("fresh entry should survive the sweep")
	}
}
