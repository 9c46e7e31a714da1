package store

import "github.com/SamuelBlebo/smash-leaderboard/internal/domain"

// FeedBroker fans a ranked snapshot out to subscribers. Each subscriber
// holds a one-slot channel with replace semantics: publishing while the
// slot is full drops the stale snapshot and delivers the new one, so a
// slow consumer always wakes to the latest state. The broker retains
// the most recent snapshot and hands it to every new subscriber on
// registration, so a late subscriber starts from the current state
// instead of waiting for the next write.
type FeedBroker struct {
	subs   map[*feedSub]struct{}
	latest *domain.Snapshot

	register   chan *feedSub
	unregister chan *feedSub
	publish    chan domain.Snapshot
	done       chan struct{}
}

type feedSub struct {
	n  int
	ch chan domain.Snapshot
}

// NewFeedBroker creates a broker and starts its dispatch loop.
func NewFeedBroker() *FeedBroker {
	b := &FeedBroker{
		subs:       make(map[*feedSub]struct{}),
		register:   make(chan *feedSub),
		unregister: make(chan *feedSub),
		publish:    make(chan domain.Snapshot, 16),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *FeedBroker) run() {
	for {
		select {
		case <-b.done:
			for sub := range b.subs {
				close(sub.ch)
			}
			b.subs = nil
			return

		case sub := <-b.register:
			b.subs[sub] = struct{}{}
			if b.latest != nil {
				deliver(sub, *b.latest)
			}

		case sub := <-b.unregister:
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}

		case snap := <-b.publish:
			b.latest = &snap
			for sub := range b.subs {
				deliver(sub, snap)
			}
		}
	}
}

func deliver(sub *feedSub, snap domain.Snapshot) {
	out := snap.Clone()
	if sub.n > 0 && len(out.Entries) > sub.n {
		out.Entries = out.Entries[:sub.n]
	}
	for {
		select {
		case sub.ch <- out:
			return
		default:
			// Slot full: drop the stale snapshot and retry.
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}

// Subscribe registers a subscriber for top-n snapshots. The returned
// unsubscribe is idempotent and closes the channel.
func (b *FeedBroker) Subscribe(n int) (<-chan domain.Snapshot, func()) {
	sub := &feedSub{n: n, ch: make(chan domain.Snapshot, 1)}
	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.ch)
		return sub.ch, func() {}
	}
	return sub.ch, func() {
		select {
		case b.unregister <- sub:
		case <-b.done:
		}
	}
}

// Publish delivers a snapshot to every subscriber. It never blocks the
// caller; under extreme publish pressure intermediate snapshots may be
// dropped, which is safe given full-replace semantics.
func (b *FeedBroker) Publish(snap domain.Snapshot) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.publish <- snap:
	default:
		// Dispatch queue full: drain one stale snapshot and retry once.
		select {
		case <-b.publish:
		default:
		}
		select {
		case b.publish <- snap:
		default:
		}
	}
}

// Close terminates the broker and closes all subscriber channels.
func (b *FeedBroker) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
