package view

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
)

// fakeFeed hands the test direct control of the push channel.
type fakeFeed struct {
	ch chan domain.Snapshot
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan domain.Snapshot, 1)}
}

func (f *fakeFeed) SubscribeTopN(n int) (<-chan domain.Snapshot, func()) {
	return f.ch, func() {}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshotOf(scores ...int64) domain.Snapshot {
	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	entries := make([]domain.Entry, len(scores))
	for i, s := range scores {
		entries[i] = domain.Entry{ID: ids[i], DisplayName: ids[i], Smashes: s}
	}
	snap := domain.Snapshot{Entries: entries}
	snap.Sort()
	return snap
}

// waitFor polls the view until cond holds or the deadline passes.
func waitFor(t *testing.T, v *LeaderboardView, cond func(domain.Snapshot) bool) domain.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := v.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never held; last snapshot: %+v", v.Snapshot())
	return domain.Snapshot{}
}

func TestPushReplacesSnapshot(t *testing.T) {
	feed := newFakeFeed()
	v := New(feed, "u2", 10, testLogger())
	v.Start(context.Background())
	defer v.Close()

	feed.ch <- snapshotOf(7, 3, 9, 1)

	snap := waitFor(t, v, func(s domain.Snapshot) bool { return len(s.Entries) == 4 })
	want := []int64{9, 7, 3, 1}
	for i, w := range want {
		if snap.Entries[i].Smashes != w {
			t.Fatalf("entry %d smashes = %d, want %d", i, snap.Entries[i].Smashes, w)
		}
		if snap.Entries[i].Rank != i+1 {
			t.Fatalf("entry %d rank = %d, want %d", i, snap.Entries[i].Rank, i+1)
		}
	}
}

func TestLocalIncrementsReorderTheBoard(t *testing.T) {
	feed := newFakeFeed()
	v := New(feed, "u1", 10, testLogger())
	v.Start(context.Background())
	defer v.Close()

	// u1 holds 7, u3 leads with 9.
	feed.ch <- snapshotOf(7, 3, 9, 1)
	waitFor(t, v, func(s domain.Snapshot) bool { return len(s.Entries) == 4 })

	for i := 0; i < 3; i++ {
		v.ApplyLocalIncrement()
	}

	snap := v.Snapshot()
	if snap.Entries[0].ID != "u1" || snap.Entries[0].Smashes != 10 {
		t.Fatalf("leader = %+v, want u1 at 10", snap.Entries[0])
	}
	self, ok := v.SelfEntry()
	if !ok || self.Rank != 1 {
		t.Fatalf("self = %+v ok=%v, want rank 1", self, ok)
	}
}

func TestUnrankedIncrementIsInvisible(t *testing.T) {
	feed := newFakeFeed()
	v := New(feed, "outsider", 10, testLogger())
	v.Start(context.Background())
	defer v.Close()

	feed.ch <- snapshotOf(7, 3)
	waitFor(t, v, func(s domain.Snapshot) bool { return len(s.Entries) == 2 })

	before := v.Snapshot()
	v.ApplyLocalIncrement()
	after := v.Snapshot()

	for i := range before.Entries {
		if before.Entries[i] != after.Entries[i] {
			t.Fatalf("snapshot changed for unranked self: %+v -> %+v", before.Entries[i], after.Entries[i])
		}
	}
	if _, ok := v.SelfEntry(); ok {
		t.Fatal("unranked self must not appear in the view")
	}
}

func TestStalePushCannotRegressSelf(t *testing.T) {
	feed := newFakeFeed()
	v := New(feed, "u1", 10, testLogger())
	v.Start(context.Background())
	defer v.Close()

	feed.ch <- snapshotOf(5, 3)
	waitFor(t, v, func(s domain.Snapshot) bool { return len(s.Entries) == 2 })

	v.ApplyLocalIncrement()
	v.ApplyLocalIncrement()
	if self, _ := v.SelfEntry(); self.Smashes != 7 {
		t.Fatalf("self after increments = %d, want 7", self.Smashes)
	}

	// A push that has not absorbed the in-flight delta must not drag the
	// displayed score back down.
	feed.ch <- snapshotOf(5, 4)
	waitFor(t, v, func(s domain.Snapshot) bool {
		e, ok := s.Find("u2")
		return ok && e.Smashes == 4
	})
	if self, _ := v.SelfEntry(); self.Smashes != 7 {
		t.Fatalf("self after stale push = %d, want floor 7", self.Smashes)
	}

	// Once the durable record catches up, optimism settles.
	feed.ch <- snapshotOf(7, 4)
	waitFor(t, v, func(s domain.Snapshot) bool {
		e, ok := s.Find("u1")
		return ok && e.Smashes == 7 && e.Rank == 1
	})

	// Settled: later pushes are authoritative again.
	feed.ch <- snapshotOf(6, 4)
	waitFor(t, v, func(s domain.Snapshot) bool {
		e, ok := s.Find("u1")
		return ok && e.Smashes == 6
	})
}

func TestReleaseFloorAcceptsAuthoritativeValue(t *testing.T) {
	feed := newFakeFeed()
	v := New(feed, "u1", 10, testLogger())
	v.Start(context.Background())
	defer v.Close()

	feed.ch <- snapshotOf(5, 3)
	waitFor(t, v, func(s domain.Snapshot) bool { return len(s.Entries) == 2 })

	v.ApplyLocalIncrement()
	v.ReleaseFloor()

	// The flush failed; the durable store never saw the delta, so the
	// next push is allowed to show the lower value.
	feed.ch <- snapshotOf(5, 4)
	waitFor(t, v, func(s domain.Snapshot) bool {
		e, ok := s.Find("u1")
		return ok && e.Smashes == 5
	})
}

func TestSnapshotIsACopy(t *testing.T) {
	feed := newFakeFeed()
	v := New(feed, "u1", 10, testLogger())
	v.Start(context.Background())
	defer v.Close()

	feed.ch <- snapshotOf(5, 3)
	waitFor(t, v, func(s domain.Snapshot) bool { return len(s.Entries) == 2 })

	snap := v.Snapshot()
	snap.Entries[0].Smashes = 999

	if e, _ := v.SelfEntry(); e.Smashes == 999 {
		t.Fatal("mutating a returned snapshot leaked into the view")
	}
}
