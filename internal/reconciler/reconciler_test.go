package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyDeltaCreatesAbsentRecord(t *testing.T) {
	st := memstore.New(10, testLogger())
	defer st.Close()
	r := New(st, testLogger())

	rec, err := r.ApplyDelta(context.Background(), "u1", 4, "alice")
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if rec.Smashes != 4 || rec.DisplayName != "alice" {
		t.Fatalf("record = %+v, want 4 smashes for alice", rec)
	}
}

func TestApplyDeltaIncrementsExistingRecord(t *testing.T) {
	st := memstore.New(10, testLogger())
	defer st.Close()
	r := New(st, testLogger())

	if _, err := r.ApplyDelta(context.Background(), "u1", 5, "alice"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, err := r.ApplyDelta(context.Background(), "u1", 3, "alice")
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if rec.Smashes != 8 {
		t.Fatalf("smashes = %d, want 8", rec.Smashes)
	}
}

func TestConcurrentDeltasAllLand(t *testing.T) {
	st := memstore.New(10, testLogger())
	defer st.Close()
	r := New(st, testLogger())

	if _, err := r.ApplyDelta(context.Background(), "u1", 5, "alice"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Two flushes racing on the same record: both increments must land.
	var wg sync.WaitGroup
	for _, amount := range []int64{3, 2} {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			if _, err := r.ApplyDelta(context.Background(), "u1", amount, "alice"); err != nil {
				t.Errorf("concurrent ApplyDelta(%d): %v", amount, err)
			}
		}(amount)
	}
	wg.Wait()

	rec, err := st.GetRecord(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Smashes != 10 {
		t.Fatalf("smashes = %d, want 10", rec.Smashes)
	}
}

func TestDisplayNameIsLastWriterWins(t *testing.T) {
	st := memstore.New(10, testLogger())
	defer st.Close()
	r := New(st, testLogger())

	r.ApplyDelta(context.Background(), "u1", 1, "alice")
	rec, err := r.ApplyDelta(context.Background(), "u1", 1, "Alice K")
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if rec.DisplayName != "Alice K" {
		t.Fatalf("display name = %q, want %q", rec.DisplayName, "Alice K")
	}

	// An empty name keeps the previous one.
	rec, err = r.ApplyDelta(context.Background(), "u1", 1, "")
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if rec.DisplayName != "Alice K" {
		t.Fatalf("display name = %q, want it preserved", rec.DisplayName)
	}
}

func TestApplyDeltaRejectsBadInput(t *testing.T) {
	st := memstore.New(10, testLogger())
	defer st.Close()
	r := New(st, testLogger())

	if _, err := r.ApplyDelta(context.Background(), "", 1, "x"); !errors.Is(err, domain.ErrNoActiveIdentity) {
		t.Fatalf("empty id err = %v, want ErrNoActiveIdentity", err)
	}
	if _, err := r.ApplyDelta(context.Background(), "u1", 0, "x"); !errors.Is(err, domain.ErrInvalidDelta) {
		t.Fatalf("zero amount err = %v, want ErrInvalidDelta", err)
	}
	if _, err := r.ApplyDelta(context.Background(), "u1", -3, "x"); !errors.Is(err, domain.ErrInvalidDelta) {
		t.Fatalf("negative amount err = %v, want ErrInvalidDelta", err)
	}
	if _, err := st.GetRecord(context.Background(), "u1"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("rejected deltas must not create records, err = %v", err)
	}
}
