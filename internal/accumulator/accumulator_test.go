package accumulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/jonboulle/clockwork"
)

const testDelay = 1500 * time.Millisecond

type appliedDelta struct {
	id     string
	amount int64
	name   string
}

// fakeReconciler records every ApplyDelta call on a channel. If block
// is set, calls park until release is closed.
type fakeReconciler struct {
	applied chan appliedDelta
	block   chan struct{}
	err     error
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{applied: make(chan appliedDelta, 16)}
}

func (f *fakeReconciler) ApplyDelta(ctx context.Context, id string, amount int64, name string) (*domain.UserScoreRecord, error) {
	if f.block != nil {
		<-f.block
	}
	f.applied <- appliedDelta{id: id, amount: amount, name: name}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.UserScoreRecord{ID: id, DisplayName: name, Smashes: amount}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity() domain.Identity {
	return domain.Identity{ID: "user-1", DisplayName: "alice"}
}

func waitForDelta(t *testing.T, rec *fakeReconciler) appliedDelta {
	t.Helper()
	select {
	case d := <-rec.applied:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return appliedDelta{}
	}
}

func assertNoDelta(t *testing.T, rec *fakeReconciler) {
	t.Helper()
	select {
	case d := <-rec.applied:
		t.Fatalf("unexpected flush: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBurstCoalescesIntoOneFlush(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()
	a := New(testIdentity(), rec, clock, testDelay, testLogger())
	defer a.Close()

	for i := 0; i < 5; i++ {
		if err := a.RecordIncrement("alice"); err != nil {
			t.Fatalf("RecordIncrement: %v", err)
		}
	}
	if got := a.Pending(); got != 5 {
		t.Fatalf("pending = %d, want 5", got)
	}
	if got := a.State(); got != StateAccumulating {
		t.Fatalf("state = %v, want accumulating", got)
	}

	clock.Advance(testDelay)

	d := waitForDelta(t, rec)
	if d.id != "user-1" || d.amount != 5 || d.name != "alice" {
		t.Fatalf("flush = %+v, want {user-1 5 alice}", d)
	}
	assertNoDelta(t, rec)
	if got := a.Pending(); got != 0 {
		t.Fatalf("pending after flush = %d, want 0", got)
	}
}

func TestEachIncrementRestartsTheDelay(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()
	a := New(testIdentity(), rec, clock, testDelay, testLogger())
	defer a.Close()

	a.RecordIncrement("alice")
	clock.Advance(testDelay / 2)
	a.RecordIncrement("alice")
	clock.Advance(testDelay / 2)

	// Half a delay after the latest increment: still accumulating.
	assertNoDelta(t, rec)
	if got := a.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	clock.Advance(testDelay / 2)
	d := waitForDelta(t, rec)
	if d.amount != 2 {
		t.Fatalf("flush amount = %d, want 2", d.amount)
	}
}

func TestSpacedIncrementsFlushIndependently(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()
	a := New(testIdentity(), rec, clock, testDelay, testLogger())
	defer a.Close()

	a.RecordIncrement("alice")
	clock.Advance(testDelay)
	if d := waitForDelta(t, rec); d.amount != 1 {
		t.Fatalf("first flush amount = %d, want 1", d.amount)
	}

	a.RecordIncrement("alice")
	clock.Advance(testDelay)
	if d := waitForDelta(t, rec); d.amount != 1 {
		t.Fatalf("second flush amount = %d, want 1", d.amount)
	}
}

func TestNoIdentityIsANoOp(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()
	localCalls := 0
	a := New(domain.Identity{}, rec, clock, testDelay, testLogger(),
		WithLocalListener(func() { localCalls++ }),
	)
	defer a.Close()

	err := a.RecordIncrement("ghost")
	if !errors.Is(err, domain.ErrNoActiveIdentity) {
		t.Fatalf("err = %v, want ErrNoActiveIdentity", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", a.Pending())
	}
	if a.State() != StateIdle {
		t.Fatalf("state = %v, want idle", a.State())
	}
	if localCalls != 0 {
		t.Fatalf("local listener called %d times, want 0", localCalls)
	}
}

func TestIncrementDuringFlushOpensNewWindow(t *testing.T) {
	rec := newFakeReconciler()
	rec.block = make(chan struct{})
	clock := clockwork.NewFakeClock()
	a := New(testIdentity(), rec, clock, testDelay, testLogger())
	defer a.Close()

	a.RecordIncrement("alice")
	a.RecordIncrement("alice")
	clock.Advance(testDelay)

	// The dispatch is parked inside the reconciler. New increments must
	// open a disjoint window, not join the in-flight delta.
	waitForState(t, a, StateFlushing)
	a.RecordIncrement("alice")
	if got := a.State(); got != StateAccumulating {
		t.Fatalf("state = %v, want accumulating", got)
	}
	if got := a.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	close(rec.block)
	if d := waitForDelta(t, rec); d.amount != 2 {
		t.Fatalf("first flush amount = %d, want 2", d.amount)
	}

	clock.Advance(testDelay)
	if d := waitForDelta(t, rec); d.amount != 1 {
		t.Fatalf("second flush amount = %d, want 1", d.amount)
	}
}

func waitForState(t *testing.T, a *Accumulator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", a.State(), want)
}

func TestFlushDispatchesImmediately(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()
	a := New(testIdentity(), rec, clock, testDelay, testLogger())
	defer a.Close()

	a.RecordIncrement("alice")
	a.Flush()

	if d := waitForDelta(t, rec); d.amount != 1 {
		t.Fatalf("flush amount = %d, want 1", d.amount)
	}

	// The debounce timer was cancelled with the forced flush.
	clock.Advance(testDelay)
	assertNoDelta(t, rec)
}

func TestFlushListenerSeesFailure(t *testing.T) {
	rec := newFakeReconciler()
	rec.err = errors.New("store unavailable")
	clock := clockwork.NewFakeClock()

	results := make(chan error, 1)
	a := New(testIdentity(), rec, clock, testDelay, testLogger(),
		WithFlushListener(func(amount int64, err error) { results <- err }),
	)
	defer a.Close()

	a.RecordIncrement("alice")
	clock.Advance(testDelay)
	waitForDelta(t, rec)

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("flush listener got nil error, want failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush listener")
	}
}

func TestCloseDropsPendingDelta(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()
	a := New(testIdentity(), rec, clock, testDelay, testLogger())

	a.RecordIncrement("alice")
	a.Close()

	clock.Advance(testDelay)
	assertNoDelta(t, rec)

	if err := a.RecordIncrement("alice"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("err after close = %v, want ErrSessionNotFound", err)
	}
}

func TestLocalListenerRunsBeforeFlush(t *testing.T) {
	rec := newFakeReconciler()
	clock := clockwork.NewFakeClock()

	localCalls := 0
	a := New(testIdentity(), rec, clock, testDelay, testLogger(),
		WithLocalListener(func() { localCalls++ }),
	)
	defer a.Close()

	a.RecordIncrement("alice")
	a.RecordIncrement("alice")
	a.RecordIncrement("alice")

	// Every accepted increment bumps the view immediately, long before
	// any durable write happens.
	if localCalls != 3 {
		t.Fatalf("local listener called %d times, want 3", localCalls)
	}
	assertNoDelta(t, rec)
}
