// Package session owns the per-identity game state: one accumulator
// and one leaderboard view per signed-in user, created on sign-in and
// torn down on sign-out.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/SamuelBlebo/smash-leaderboard/internal/accumulator"
	"github.com/SamuelBlebo/smash-leaderboard/internal/config"
	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/reconciler"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store"
	"github.com/SamuelBlebo/smash-leaderboard/internal/view"
	"github.com/jonboulle/clockwork"
)

// Session is one identity's live game state.
type Session struct {
	Identity    domain.Identity
	Accumulator *accumulator.Accumulator
	View        *view.LeaderboardView
}

// Manager creates and tears down sessions. It is the session-scoped
// replacement for ambient globals: every timer handle and optimistic
// counter lives inside the session it belongs to.
type Manager struct {
	store      store.RankedStore
	reconciler *reconciler.Reconciler
	clock      clockwork.Clock
	game       *config.GameConfig
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(st store.RankedStore, rec *reconciler.Reconciler, clock clockwork.Clock, game *config.GameConfig, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      st,
		reconciler: rec,
		clock:      clock,
		game:       game,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
	}
}

// Attach creates (or returns) the session for an identity. The
// accumulator's optimistic bump and flush results are wired into the
// session's view.
func (m *Manager) Attach(identity domain.Identity) *Session {
	if identity.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[identity.ID]; ok {
		return sess
	}

	v := view.New(m.store, identity.ID, m.game.LeaderboardSize, m.logger)
	acc := accumulator.New(
		identity,
		m.reconciler,
		m.clock,
		m.game.DebounceDelay,
		m.logger,
		accumulator.WithFlushTimeout(m.game.FlushTimeout),
		accumulator.WithLocalListener(v.ApplyLocalIncrement),
		accumulator.WithFlushListener(func(amount int64, err error) {
			if err != nil {
				v.ReleaseFloor()
			}
		}),
	)
	v.Start(m.ctx)

	sess := &Session{Identity: identity, Accumulator: acc, View: v}
	m.sessions[identity.ID] = sess
	m.logger.Debug("session attached", "user_id", identity.ID)
	return sess
}

// Get returns the live session for an identity id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Detach flushes and tears down the session for an identity id. Both
// subscriptions (feed and timer) are released so no callback can
// mutate state after teardown.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.Accumulator.Flush()
	sess.Accumulator.Close()
	sess.View.Close()
	m.logger.Debug("session detached", "user_id", id)
}

// Smash records one increment for the identity's session.
func (m *Manager) Smash(identity domain.Identity) error {
	if identity.IsZero() {
		// Guard, not an error state: the press is dropped quietly.
		m.logger.Debug("smash with no active identity")
		return domain.ErrNoActiveIdentity
	}
	sess := m.Attach(identity)
	return sess.Accumulator.RecordIncrement(identity.DisplayName)
}

// Leaderboard returns the rendered snapshot for an identity, falling
// back to the store's top-N for anonymous callers.
func (m *Manager) Leaderboard(ctx context.Context, identityID string) (domain.Snapshot, error) {
	if sess, ok := m.Get(identityID); ok {
		return sess.View.Snapshot(), nil
	}
	return m.store.TopN(ctx, m.game.LeaderboardSize)
}

// Record returns the durable record for an identity id.
func (m *Manager) Record(ctx context.Context, id string) (*domain.UserScoreRecord, error) {
	return m.store.GetRecord(ctx, id)
}

// Close flushes and detaches every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Detach(id)
	}
	m.cancel()
}
