// Package memstore provides an in-memory RankedStore. It backs tests
// and infrastructure-free deployments; atomic apply is serialized on a
// single mutex, so conflicting writers are impossible by construction.
package memstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/metrics"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store"
)

// Store is an in-memory ranked store.
type Store struct {
	mu       sync.Mutex
	records  map[string]domain.UserScoreRecord
	order    []string // insertion order, preserved for ties
	feedSize int
	broker   *store.FeedBroker
	logger   *slog.Logger
	closed   bool
}

// New creates an empty in-memory store. feedSize bounds published
// snapshots; subscribers may request fewer entries but never more.
func New(feedSize int, logger *slog.Logger) *Store {
	if feedSize <= 0 {
		feedSize = 10
	}
	return &Store{
		records:  make(map[string]domain.UserScoreRecord),
		feedSize: feedSize,
		broker:   store.NewFeedBroker(),
		logger:   logger,
	}
}

// GetRecord returns the record for id, or domain.ErrRecordNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*domain.UserScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	out := rec
	return &out, nil
}

// AtomicUpdate applies fn under the store mutex and publishes the new
// top-N to all subscribers after commit.
func (s *Store) AtomicUpdate(ctx context.Context, id string, fn store.ApplyFunc) (*domain.UserScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var current *domain.UserScoreRecord
	if rec, ok := s.records[id]; ok {
		cp := rec
		current = &cp
	}

	next, err := fn(current)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	next.ID = id
	next.UpdatedAt = now
	if current == nil {
		next.CreatedAt = now
		s.order = append(s.order, id)
	} else {
		next.CreatedAt = current.CreatedAt
	}
	s.records[id] = *next
	snap := s.topNLocked(s.feedSize)
	s.mu.Unlock()

	metrics.FeedPushes.Inc()
	s.broker.Publish(snap)

	out := *next
	return &out, nil
}

// TopN returns the top n records ordered by smashes descending.
func (s *Store) TopN(ctx context.Context, n int) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topNLocked(n), nil
}

func (s *Store) topNLocked(n int) domain.Snapshot {
	entries := make([]domain.Entry, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		entries = append(entries, domain.Entry{
			ID:          rec.ID,
			DisplayName: rec.DisplayName,
			Smashes:     rec.Smashes,
		})
	}
	snap := domain.Snapshot{Entries: entries}
	snap.Sort()
	if n > 0 && len(snap.Entries) > n {
		snap.Entries = snap.Entries[:n]
	}
	return snap
}

// SubscribeTopN registers a feed subscriber.
func (s *Store) SubscribeTopN(n int) (<-chan domain.Snapshot, func()) {
	return s.broker.Subscribe(n)
}

// Close terminates the feed broker.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.Close()
	return nil
}
