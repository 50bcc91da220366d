// Package history provides the bounded, subscribable in-memory log of
// ingested entries.
package history

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/metrics"
)

// DefaultMaxHistory is used when a non-positive capacity is requested.
const DefaultMaxHistory = 2000

// Subscriber receives every appended entry together with an ordered
// snapshot of the history after eviction. The snapshot is shared between
// subscribers of one append and must not be modified.
type Subscriber func(e entry.Entry, history []entry.Entry)

type subscription struct {
	fn     Subscriber
	active atomic.Bool
}

// Store is a fixed-capacity FIFO of entries with synchronous subscriber
// fan-out. All methods are safe for concurrent use.
//
// Appends are delivered to subscribers one at a time, in append order, so
// every subscriber observes the same sequence. An Append made while another
// goroutine is delivering is queued and delivered by that goroutine; this
// includes Appends made by a subscriber, which return immediately and are
// delivered once the current entry has reached every subscriber.
type Store struct {
	mu          sync.Mutex
	buf         []entry.Entry
	head        int // index of the oldest entry
	size        int
	subs        []*subscription
	pending     []delivery
	dispatching bool

	logger *slog.Logger
}

// delivery is one appended entry waiting to be handed to subscribers.
type delivery struct {
	e        entry.Entry
	snapshot []entry.Entry
	subs     []*subscription
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store holding at most maxHistory entries.
func New(maxHistory int, opts ...Option) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	s := &Store{
		buf:    make([]entry.Entry, maxHistory),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds e, evicting the oldest entry when the store is full, then
// notifies every subscriber in registration order.
func (s *Store) Append(e entry.Entry) {
	s.mu.Lock()
	evicted := false
	if s.size == len(s.buf) {
		s.buf[s.head] = e
		s.head = (s.head + 1) % len(s.buf)
		evicted = true
	} else {
		s.buf[(s.head+s.size)%len(s.buf)] = e
		s.size++
	}
	metrics.HistoryEntries.Set(float64(s.size))
	if evicted {
		metrics.EvictionsTotal.Inc()
	}

	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.pending = append(s.pending, delivery{e: e, snapshot: s.snapshotLocked(), subs: subs})
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.mu.Unlock()

	s.drain()
}

// drain delivers queued appends in order until the queue is empty. Only one
// goroutine drains at a time.
func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.dispatching = false
			s.pending = nil
			s.mu.Unlock()
			return
		}
		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		for _, sub := range d.subs {
			// Re-checked per call so a subscriber removed mid-delivery is skipped.
			if !sub.active.Load() {
				continue
			}
			s.deliver(sub, d.e, d.snapshot)
		}
	}
}

// Snapshot returns an ordered copy of the current history, oldest first.
func (s *Store) Snapshot() []entry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Cap returns the maximum number of entries held.
func (s *Store) Cap() int {
	return len(s.buf)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() { s.remove(sub) }
}

func (s *Store) remove(sub *subscription) {
	sub.active.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = slices.Delete(s.subs, i, i+1)
			return
		}
	}
}

// deliver invokes one subscriber. A panicking subscriber is logged and
// unsubscribed; delivery to the others continues.
func (s *Store) deliver(sub *subscription, e entry.Entry, snapshot []entry.Entry) {
	var pc panics.Catcher
	pc.Try(func() { sub.fn(e, snapshot) })

	if r := pc.Recovered(); r != nil {
		metrics.SubscriberPanicsTotal.Inc()
		s.logger.Error("subscriber panicked, unsubscribing",
			"error", r.AsError(),
			"entry_id", e.ID,
			"stack", string(r.Stack),
		)
		s.remove(sub)
	}
}

func (s *Store) snapshotLocked() []entry.Entry {
	out := make([]entry.Entry, s.size)
	n := copy(out, s.buf[s.head:min(s.head+s.size, len(s.buf))])
	copy(out[n:], s.buf[:s.size-n])
	return out
}
