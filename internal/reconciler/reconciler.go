// Package reconciler folds buffered smash deltas into the durable
// per-identity record.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/metrics"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store"
)

// Reconciler applies buffered deltas atomically against the ranked
// store. It is safe for concurrent use; contention on a record is
// resolved entirely by the store's atomic update.
type Reconciler struct {
	store  store.RankedStore
	logger *slog.Logger
}

// New creates a reconciler over the given store.
func New(st store.RankedStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		logger: logger,
	}
}

// ApplyDelta folds amount into the record for id as a single atomic
// read-modify-write. An absent record is initialized to the delta
// rather than incremented. The display name is last-writer-wins.
//
// ApplyDelta is NOT idempotent: re-invoking with the same amount
// double-counts. Exactly-once delivery is the caller's obligation.
func (r *Reconciler) ApplyDelta(ctx context.Context, id string, amount int64, displayName string) (*domain.UserScoreRecord, error) {
	if id == "" {
		return nil, domain.ErrNoActiveIdentity
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidDelta, amount)
	}

	rec, err := r.store.AtomicUpdate(ctx, id, func(current *domain.UserScoreRecord) (*domain.UserScoreRecord, error) {
		if current == nil {
			return &domain.UserScoreRecord{
				ID:          id,
				DisplayName: displayName,
				Smashes:     amount,
			}, nil
		}
		next := *current
		next.Smashes += amount
		if displayName != "" {
			next.DisplayName = displayName
		}
		return &next, nil
	})
	if err != nil {
		// The delta is dropped from durable state; the optimistic view
		// diverges until the next feed push. Observable, not retried.
		metrics.ReconcileFailures.Inc()
		r.logger.Error("reconciliation failed, delta dropped",
			"user_id", id,
			"amount", amount,
			"error", err,
		)
		return nil, fmt.Errorf("applying delta: %w", err)
	}

	r.logger.Debug("delta applied",
		"user_id", id,
		"amount", amount,
		"smashes", rec.Smashes,
	)
	return rec, nil
}
