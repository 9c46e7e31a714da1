package pgstore

import (
	"context"
	"fmt"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Redis keys for the ranked read path.
const (
	rankedSetKey = "smash:leaderboard"
	nameHashKey  = "smash:names"
)

// TopN returns the top n records from the ranked set, descending.
func (s *Store) TopN(ctx context.Context, n int) (domain.Snapshot, error) {
	if n <= 0 {
		n = s.feedSize
	}
	results, err := s.rdb.ZRevRangeWithScores(ctx, rankedSetKey, 0, int64(n-1)).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("getting top n: %w", err)
	}
	if len(results) == 0 {
		return domain.Snapshot{}, nil
	}

	ids := make([]string, len(results))
	for i, z := range results {
		ids[i] = z.Member.(string)
	}
	names, err := s.rdb.HMGet(ctx, nameHashKey, ids...).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("getting display names: %w", err)
	}

	entries := make([]domain.Entry, len(results))
	for i, z := range results {
		entry := domain.Entry{
			Rank:    i + 1,
			ID:      ids[i],
			Smashes: int64(z.Score),
		}
		if name, ok := names[i].(string); ok {
			entry.DisplayName = name
		}
		entries[i] = entry
	}
	return domain.Snapshot{Entries: entries}, nil
}

// publishTopN reads the current top-N and pushes it to all feed
// subscribers.
func (s *Store) publishTopN(ctx context.Context) {
	snap, err := s.TopN(ctx, s.feedSize)
	if err != nil {
		s.logger.Warn("failed to read top-n for feed push", "error", err)
		return
	}
	metrics.FeedPushes.Inc()
	s.broker.Publish(snap)
}

// RebuildRanked rewrites the Redis ranked set from PostgreSQL truth.
// Used on startup and by the periodic repair worker to recover from
// Redis loss or drift.
func (s *Store) RebuildRanked(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT id, display_name, smashes FROM user_scores`)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var members []redis.Z
	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		var smashes int64
		if err := rows.Scan(&id, &name, &smashes); err != nil {
			return fmt.Errorf("scanning record: %w", err)
		}
		members = append(members, redis.Z{Score: float64(smashes), Member: id})
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating records: %w", err)
	}

	if len(members) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, rankedSetKey, members...)
	for id, name := range names {
		pipe.HSet(ctx, nameHashKey, id, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuilding ranked set: %w", err)
	}

	s.logger.Info("ranked set rebuilt", "records", len(members))
	s.publishTopN(ctx)
	return nil
}
