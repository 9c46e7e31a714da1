// Package accumulator buffers rapid smash increments into a single
// debounced write, bounding the write rate to the durable store
// independent of click rate.
package accumulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// Reconciler is the downstream consumer of a coalesced delta.
type Reconciler interface {
	ApplyDelta(ctx context.Context, id string, amount int64, displayName string) (*domain.UserScoreRecord, error)
}

// State of the per-session flush machine.
type State int

const (
	// StateIdle: no pending delta, no timer armed.
	StateIdle State = iota
	// StateAccumulating: pending delta > 0, one live timer.
	StateAccumulating
	// StateFlushing: a dispatched delta is in flight and no new
	// increments have arrived since dispatch.
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Accumulator owns one identity session's pending delta and flush
// timer. At most one timer is live at a time: every increment cancels
// the previous timer and arms a fresh one, so a steady stream of
// increments never flushes until input quiesces for a full delay
// (trailing-edge debounce, not a rate limiter).
type Accumulator struct {
	identity   domain.Identity
	reconciler Reconciler
	clock      clockwork.Clock
	delay      time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	// onLocal runs synchronously on every accepted increment, before
	// any I/O, so the view reflects the optimistic bump immediately.
	onLocal func()
	// onFlushResult runs after a dispatched flush completes.
	onFlushResult func(amount int64, err error)

	mu            sync.Mutex
	state         State
	pendingAmount int64
	pendingName   string
	timer         clockwork.Timer
	closed        bool
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithLocalListener sets the optimistic-increment callback.
func WithLocalListener(fn func()) Option {
	return func(a *Accumulator) { a.onLocal = fn }
}

// WithFlushListener sets the flush-completion callback.
func WithFlushListener(fn func(amount int64, err error)) Option {
	return func(a *Accumulator) { a.onFlushResult = fn }
}

// WithFlushTimeout bounds the reconciliation round trip.
func WithFlushTimeout(d time.Duration) Option {
	return func(a *Accumulator) { a.timeout = d }
}

// New creates an accumulator for one identity session.
func New(identity domain.Identity, rec Reconciler, clock clockwork.Clock, delay time.Duration, logger *slog.Logger, opts ...Option) *Accumulator {
	a := &Accumulator{
		identity:   identity,
		reconciler: rec,
		clock:      clock,
		delay:      delay,
		timeout:    10 * time.Second,
		logger:     logger,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordIncrement absorbs one smash. With no active identity it
// logs and no-ops, returning domain.ErrNoActiveIdentity as a
// non-fatal signal; callers must not surface it to the workflow.
func (a *Accumulator) RecordIncrement(displayName string) error {
	if a.identity.IsZero() {
		a.logger.Debug("smash ignored, no active identity")
		return domain.ErrNoActiveIdentity
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrSessionNotFound
	}

	a.pendingAmount++
	if displayName != "" {
		a.pendingName = displayName
	} else if a.pendingName == "" {
		a.pendingName = a.identity.DisplayName
	}

	// An increment during an in-flight flush opens a fresh window; the
	// two deltas are disjoint so nothing is double-counted.
	a.state = StateAccumulating

	// Only the newest increment's timer governs the flush.
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.clock.AfterFunc(a.delay, a.flush)
	onLocal := a.onLocal
	a.mu.Unlock()

	metrics.SmashIncrements.Inc()
	if onLocal != nil {
		onLocal()
	}
	return nil
}

// flush fires on timer expiry: it snapshots and zeroes the pending
// delta before dispatching, then hands the delta to the reconciler
// exactly once. The reset happens at dispatch, not at confirmation;
// a failed flush therefore drops its delta from durable state while
// the optimistic view still shows it (until the next feed push).
func (a *Accumulator) flush() {
	a.mu.Lock()
	amount := a.pendingAmount
	name := a.pendingName
	a.pendingAmount = 0
	a.pendingName = ""
	a.timer = nil
	if amount == 0 || a.closed {
		a.state = StateIdle
		a.mu.Unlock()
		return
	}
	a.state = StateFlushing
	a.mu.Unlock()

	a.dispatch(amount, name)
}

func (a *Accumulator) dispatch(amount int64, name string) {
	metrics.Flushes.Inc()
	metrics.FlushAmount.Observe(float64(amount))

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	_, err := a.reconciler.ApplyDelta(ctx, a.identity.ID, amount, name)
	if err != nil {
		// No retry here: the reconciler already logged and counted it.
		a.logger.Warn("flush failed",
			"user_id", a.identity.ID,
			"amount", amount,
			"error", err,
		)
	}

	a.mu.Lock()
	if a.state == StateFlushing {
		// No increments arrived while in flight.
		a.state = StateIdle
	}
	onDone := a.onFlushResult
	a.mu.Unlock()

	if onDone != nil {
		onDone(amount, err)
	}
}

// Flush forces an immediate dispatch of any pending delta, cancelling
// the live timer. Used on sign-out and shutdown so buffered smashes
// are not lost with the session.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	amount := a.pendingAmount
	name := a.pendingName
	a.pendingAmount = 0
	a.pendingName = ""
	if amount == 0 || a.closed {
		a.state = StateIdle
		a.mu.Unlock()
		return
	}
	a.state = StateFlushing
	a.mu.Unlock()

	a.dispatch(amount, name)
}

// Pending returns the buffered amount (for observability and tests).
func (a *Accumulator) Pending() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingAmount
}

// State returns the current flush-machine state.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Close cancels the timer and drops any pending delta. Further
// increments are rejected.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pendingAmount = 0
	a.pendingName = ""
	a.state = StateIdle
}
