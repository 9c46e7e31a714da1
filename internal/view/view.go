// Package view maintains the rendered top-10 leaderboard for one
// session, combining the authoritative feed with local optimism.
package view

import (
	"context"
	"log/slog"
	"sync"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
)

// Feed is the subset of the ranked store the view consumes.
type Feed interface {
	SubscribeTopN(n int) (<-chan domain.Snapshot, func())
}

// LeaderboardView holds the current top-N snapshot for one identity
// session. Feed pushes replace the snapshot wholesale; local
// optimistic increments patch it in place and re-sort. While an
// optimistic delta is outstanding the session's own entry never drops
// below the optimistic value (the floor), so a stale push cannot make
// the displayed score regress mid-flush.
type LeaderboardView struct {
	feed   Feed
	selfID string
	size   int
	logger *slog.Logger

	mu    sync.Mutex
	snap  domain.Snapshot
	floor int64 // optimistic self score; 0 when nothing outstanding
	dirty bool  // true while an optimistic delta is unconfirmed

	unsub   func()
	done    chan struct{}
	started bool
	closed  bool
}

// New creates a view for the given identity. selfID may be empty for
// an anonymous (read-only) view.
func New(feed Feed, selfID string, size int, logger *slog.Logger) *LeaderboardView {
	if size <= 0 {
		size = 10
	}
	return &LeaderboardView{
		feed:   feed,
		selfID: selfID,
		size:   size,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the feed and pumps pushes until ctx is done or
// Close is called.
func (v *LeaderboardView) Start(ctx context.Context) {
	v.mu.Lock()
	if v.started || v.closed {
		v.mu.Unlock()
		return
	}
	v.started = true
	ch, unsub := v.feed.SubscribeTopN(v.size)
	v.unsub = unsub
	v.mu.Unlock()

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-v.done:
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				v.applyPush(snap)
			}
		}
	}()
}

// applyPush replaces the snapshot with the authoritative push, then
// reapplies the optimistic floor for the session's own entry.
func (v *LeaderboardView) applyPush(snap domain.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := snap.Clone()
	if v.dirty && v.selfID != "" {
		if e, ok := next.Find(v.selfID); ok {
			if e.Smashes >= v.floor {
				// The durable record caught up; optimism is settled.
				v.dirty = false
				v.floor = 0
			} else {
				for i := range next.Entries {
					if next.Entries[i].ID == v.selfID {
						next.Entries[i].Smashes = v.floor
					}
				}
				next.Sort()
			}
		}
	}
	v.snap = next
}

// ApplyLocalIncrement patches the snapshot for one optimistic smash.
// An unranked identity produces no visible change; it is promoted only
// by a feed push (the durable write still happens via the
// accumulator's flush).
func (v *LeaderboardView) ApplyLocalIncrement() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.selfID == "" {
		return
	}
	if !v.snap.Patch(v.selfID) {
		return
	}
	e, _ := v.snap.Find(v.selfID)
	v.floor = e.Smashes
	v.dirty = true
}

// ReleaseFloor abandons the optimistic floor. Wired to flush failure:
// the delta is gone from durable state, so the next authoritative push
// is allowed to overwrite the inflated local value.
func (v *LeaderboardView) ReleaseFloor() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirty = false
	v.floor = 0
}

// Snapshot returns a copy of the current rendered leaderboard.
func (v *LeaderboardView) Snapshot() domain.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap.Clone()
}

// SelfEntry returns the session's own entry, if ranked.
func (v *LeaderboardView) SelfEntry() (domain.Entry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap.Find(v.selfID)
}

// Close tears down the subscription. Idempotent.
func (v *LeaderboardView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsub := v.unsub
	v.mu.Unlock()

	close(v.done)
	if unsub != nil {
		unsub()
	}
}
