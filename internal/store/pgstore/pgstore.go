// Package pgstore implements the durable ranked store on PostgreSQL,
// with a Redis sorted set as the ranked read path and feed source.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/config"
	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/metrics"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// maxAttempts bounds internal transaction retries on write conflicts.
const maxAttempts = 5

// Store is the production RankedStore: records in PostgreSQL, ranks in
// a Redis sorted set rebuilt from PostgreSQL on demand.
type Store struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	broker   *store.FeedBroker
	feedSize int
	logger   *slog.Logger
}

// New connects to PostgreSQL and Redis, runs migrations and starts the
// feed broker.
func New(ctx context.Context, pgCfg *config.PostgresConfig, rdCfg *config.RedisConfig, feedSize int, logger *slog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(pgCfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConns = int32(pgCfg.MaxConnections)
	poolConfig.MinConns = int32(pgCfg.MinConnections)
	poolConfig.MaxConnLifetime = pgCfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = pgCfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         rdCfg.Addr,
		Password:     rdCfg.Password,
		DB:           rdCfg.DB,
		PoolSize:     rdCfg.PoolSize,
		MinIdleConns: rdCfg.MinIdleConns,
		DialTimeout:  rdCfg.DialTimeout,
		ReadTimeout:  rdCfg.ReadTimeout,
		WriteTimeout: rdCfg.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if feedSize <= 0 {
		feedSize = 10
	}
	s := &Store{
		pool:     pool,
		rdb:      rdb,
		broker:   store.NewFeedBroker(),
		feedSize: feedSize,
		logger:   logger,
	}
	if err := s.runMigrations(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the PostgreSQL pool for collaborators sharing the
// database (the account store).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) runMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user_scores (
			id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			smashes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_scores_smashes ON user_scores(smashes DESC)`,
	}
	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	s.logger.Info("database migrations completed")
	return nil
}

// GetRecord returns the record for id, or domain.ErrRecordNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*domain.UserScoreRecord, error) {
	query := `
		SELECT id, display_name, smashes, created_at, updated_at
		FROM user_scores
		WHERE id = $1
	`
	var rec domain.UserScoreRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.DisplayName,
		&rec.Smashes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return &rec, nil
}

// AtomicUpdate runs fn inside a serializable transaction with the row
// locked, retrying on serialization failures and deadlocks before
// reporting failure. After commit the ranked set is updated and the
// new top-N published to the feed.
func (s *Store) AtomicUpdate(ctx context.Context, id string, fn store.ApplyFunc) (*domain.UserScoreRecord, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err := s.tryApply(ctx, id, fn)
		if err == nil {
			s.afterCommit(ctx, rec)
			return rec, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		metrics.ConflictRetries.Inc()
		s.logger.Debug("atomic update conflict, retrying",
			"user_id", id,
			"attempt", attempt+1,
			"error", err,
		)
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrConflict, maxAttempts, lastErr)
}

func (s *Store) tryApply(ctx context.Context, id string, fn store.ApplyFunc) (*domain.UserScoreRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current *domain.UserScoreRecord
	var rec domain.UserScoreRecord
	err = tx.QueryRow(ctx, `
		SELECT id, display_name, smashes, created_at, updated_at
		FROM user_scores
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&rec.ID, &rec.DisplayName, &rec.Smashes, &rec.CreatedAt, &rec.UpdatedAt)
	switch {
	case err == nil:
		current = &rec
	case errors.Is(err, pgx.ErrNoRows):
		current = nil
	default:
		return nil, fmt.Errorf("reading record: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next.ID = id
	next.UpdatedAt = now
	if current == nil {
		next.CreatedAt = now
	} else {
		next.CreatedAt = current.CreatedAt
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_scores (id, display_name, smashes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET display_name = $2, smashes = $3, updated_at = $5
	`, next.ID, next.DisplayName, next.Smashes, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("writing record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	out := *next
	return &out, nil
}

// isRetryable reports whether err is a serialization failure (40001)
// or deadlock (40P01).
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// afterCommit refreshes the ranked set and pushes the new top-N.
// Failures here never fail the committed update; the rebuild worker
// repairs the ranked set from PostgreSQL truth.
func (s *Store) afterCommit(ctx context.Context, rec *domain.UserScoreRecord) {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, rankedSetKey, redis.Z{Score: float64(rec.Smashes), Member: rec.ID})
	pipe.HSet(ctx, nameHashKey, rec.ID, rec.DisplayName)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to update ranked set", "user_id", rec.ID, "error", err)
		return
	}
	s.publishTopN(ctx)
}

// SubscribeTopN registers a feed subscriber.
func (s *Store) SubscribeTopN(n int) (<-chan domain.Snapshot, func()) {
	return s.broker.Subscribe(n)
}

// Close releases both connections and terminates the feed.
func (s *Store) Close() error {
	s.broker.Close()
	s.pool.Close()
	return s.rdb.Close()
}
