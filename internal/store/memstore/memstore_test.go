package memstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bump(amount int64, name string) func(*domain.UserScoreRecord) (*domain.UserScoreRecord, error) {
	return func(current *domain.UserScoreRecord) (*domain.UserScoreRecord, error) {
		if current == nil {
			return &domain.UserScoreRecord{DisplayName: name, Smashes: amount}, nil
		}
		next := *current
		next.Smashes += amount
		return &next, nil
	}
}

func TestAtomicUpdateCreatesAndIncrements(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	rec, err := s.AtomicUpdate(ctx, "u1", bump(4, "alice"))
	if err != nil {
		t.Fatalf("AtomicUpdate: %v", err)
	}
	if rec.ID != "u1" || rec.Smashes != 4 {
		t.Fatalf("record = %+v, want u1 with 4", rec)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set on create")
	}

	rec, err = s.AtomicUpdate(ctx, "u1", bump(2, "alice"))
	if err != nil {
		t.Fatalf("AtomicUpdate: %v", err)
	}
	if rec.Smashes != 6 {
		t.Fatalf("smashes = %d, want 6", rec.Smashes)
	}
}

func TestAtomicUpdatePropagatesApplyError(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()

	boom := errors.New("boom")
	_, err := s.AtomicUpdate(context.Background(), "u1", func(*domain.UserScoreRecord) (*domain.UserScoreRecord, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := s.GetRecord(context.Background(), "u1"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("failed apply must not persist, err = %v", err)
	}
}

func TestTopNOrdersAndTruncates(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	s.AtomicUpdate(ctx, "u1", bump(7, "a"))
	s.AtomicUpdate(ctx, "u2", bump(3, "b"))
	s.AtomicUpdate(ctx, "u3", bump(9, "c"))
	s.AtomicUpdate(ctx, "u4", bump(1, "d"))

	snap, err := s.TopN(ctx, 2)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("len = %d, want 2", len(snap.Entries))
	}
	if snap.Entries[0].ID != "u3" || snap.Entries[1].ID != "u1" {
		t.Fatalf("order = %s,%s, want u3,u1", snap.Entries[0].ID, snap.Entries[1].ID)
	}
	if snap.Entries[0].Rank != 1 || snap.Entries[1].Rank != 2 {
		t.Fatalf("ranks = %d,%d, want 1,2", snap.Entries[0].Rank, snap.Entries[1].Rank)
	}
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	s.AtomicUpdate(ctx, "first", bump(5, "a"))
	s.AtomicUpdate(ctx, "second", bump(5, "b"))

	snap, _ := s.TopN(ctx, 10)
	if snap.Entries[0].ID != "first" || snap.Entries[1].ID != "second" {
		t.Fatalf("tied order = %s,%s, want first,second", snap.Entries[0].ID, snap.Entries[1].ID)
	}
}

func TestSubscribeTopNReceivesPushes(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	ch, unsub := s.SubscribeTopN(10)
	defer unsub()

	s.AtomicUpdate(ctx, "u1", bump(4, "alice"))

	select {
	case snap := <-ch:
		if len(snap.Entries) != 1 || snap.Entries[0].Smashes != 4 {
			t.Fatalf("snapshot = %+v, want single entry with 4", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed push")
	}
}

func TestLateSubscriberGetsCurrentSnapshot(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	s.AtomicUpdate(ctx, "u1", bump(42, "alice"))

	// Subscribing after the write must deliver the existing state, not
	// stay silent until the next write.
	ch, unsub := s.SubscribeTopN(10)
	defer unsub()

	select {
	case snap := <-ch:
		if len(snap.Entries) != 1 || snap.Entries[0].Smashes != 42 {
			t.Fatalf("snapshot = %+v, want u1 with 42", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber never received the current snapshot")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()

	ch, unsub := s.SubscribeTopN(10)
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSlowSubscriberGetsLatestSnapshot(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	ch, unsub := s.SubscribeTopN(10)
	defer unsub()

	// Never read between updates: the one-slot channel must end up
	// holding the newest state, not the oldest.
	for i := 0; i < 5; i++ {
		if _, err := s.AtomicUpdate(ctx, "u1", bump(1, "alice")); err != nil {
			t.Fatalf("AtomicUpdate: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Entries[0].Smashes == 5 {
				return
			}
		case <-deadline:
			t.Fatal("never observed the final snapshot")
		}
	}
}

func TestSubscriberCapIsEnforced(t *testing.T) {
	s := New(10, testLogger())
	defer s.Close()
	ctx := context.Background()

	ch, unsub := s.SubscribeTopN(1)
	defer unsub()

	s.AtomicUpdate(ctx, "u1", bump(4, "a"))
	s.AtomicUpdate(ctx, "u2", bump(9, "b"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap.Entries) > 1 {
				t.Fatalf("subscriber asked for 1 entry, got %d", len(snap.Entries))
			}
			if len(snap.Entries) == 1 && snap.Entries[0].ID == "u2" {
				return
			}
		case <-deadline:
			t.Fatal("never observed u2 leading")
		}
	}
}
