// Package store defines the durable ranked store contract consumed by
// the reconciler and the leaderboard views.
package store

import (
	"context"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
)

// ApplyFunc transforms the current record into its replacement. It
// receives nil when no record exists for the identity and must return
// the full record to persist. It may be invoked more than once if the
// store retries a conflicting transaction, so it must be free of side
// effects.
type ApplyFunc func(current *domain.UserScoreRecord) (*domain.UserScoreRecord, error)

// RankedStore is the durable ranked store. Implementations guarantee
// that AtomicUpdate resolves concurrent writers to the same record with
// no lost updates, retrying internally before reporting failure.
type RankedStore interface {
	// GetRecord returns the record for id, or domain.ErrRecordNotFound.
	GetRecord(ctx context.Context, id string) (*domain.UserScoreRecord, error)

	// AtomicUpdate applies fn to the record for id as an atomic
	// read-modify-write and returns the committed record.
	AtomicUpdate(ctx context.Context, id string, fn ApplyFunc) (*domain.UserScoreRecord, error)

	// TopN returns the current top n records ordered by smashes
	// descending.
	TopN(ctx context.Context, n int) (domain.Snapshot, error)

	// SubscribeTopN returns a channel that receives the full top-n
	// snapshot on every change affecting membership or order, plus an
	// idempotent unsubscribe. A subscriber arriving after data exists
	// receives the current snapshot immediately. Delivery is
	// latest-wins: a slow consumer observes the most recent snapshot,
	// never a backlog.
	SubscribeTopN(n int) (<-chan domain.Snapshot, func())

	// Close releases the store and terminates all subscriptions.
	Close() error
}
