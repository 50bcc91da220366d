package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/metrics"
)

// DefaultQueueSize bounds the entries waiting for delivery.
const DefaultQueueSize = 64

// sendTimeout bounds a single Notify call.
const sendTimeout = 20 * time.Second

// Forwarder is a history subscriber that hands alert-level entries to a
// Notifier from its own goroutine, so slow delivery never blocks ingest.
// Repeats of the same level and message within the cooldown are
// suppressed; the first one after the cooldown carries the repeat count.
type Forwarder struct {
	notifier Notifier
	levels   []string
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	queue chan entry.Entry

	mu    sync.Mutex
	state map[string]*cooldownState
}

type cooldownState struct {
	lastSent   time.Time
	suppressed int
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithLevels sets the levels that are forwarded (case-insensitive).
func WithLevels(levels ...string) ForwarderOption {
	return func(f *Forwarder) { f.levels = levels }
}

// WithCooldown sets the per-message suppression window. Zero disables it.
func WithCooldown(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.cooldown = d }
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithQueueSize sets how many entries may wait for delivery.
func WithQueueSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.queue = make(chan entry.Entry, n)
		}
	}
}

// WithClock overrides the clock used for cooldowns.
func WithClock(now func() time.Time) ForwarderOption {
	return func(f *Forwarder) {
		if now != nil {
			f.now = now
		}
	}
}

// NewForwarder creates a Forwarder for n. By default warn and error
// entries are forwarded with a one minute cooldown.
func NewForwarder(n Notifier, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		notifier: n,
		levels:   []string{entry.LevelWarn, "warning", entry.LevelError},
		cooldown: time.Minute,
		logger:   slog.Default(),
		now:      time.Now,
		queue:    make(chan entry.Entry, DefaultQueueSize),
		state:    make(map[string]*cooldownState),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handle is a history.Subscriber. It never blocks: when the queue is full
// the entry is dropped.
func (f *Forwarder) Handle(e entry.Entry, _ []entry.Entry) {
	if !f.wants(e.Level) {
		return
	}

	e, ok := f.admit(e)
	if !ok {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return
	}

	select {
	case f.queue <- e:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		f.logger.Warn("notification queue full, dropping", "level", e.Level, "message", e.Message)
	}
}

// Run delivers queued entries until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-f.queue:
			f.send(ctx, e)
		}
	}
}

func (f *Forwarder) send(ctx context.Context, e entry.Entry) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := f.notifier.Notify(ctx, e); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		f.logger.Error("failed to send notification", "level", e.Level, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

func (f *Forwarder) wants(level string) bool {
	for _, l := range f.levels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}

// admit applies the cooldown. A repeat within the window is suppressed;
// the first entry after it is prefixed with the number of occurrences.
func (f *Forwarder) admit(e entry.Entry) (entry.Entry, bool) {
	if f.cooldown <= 0 {
		return e, true
	}

	key := strings.ToLower(e.Level) + "\x00" + e.Message
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.state[key]
	if !ok {
		f.prune(now)
		f.state[key] = &cooldownState{lastSent: now}
		return e, true
	}

	if now.Sub(st.lastSent) < f.cooldown {
		st.suppressed++
		f.logger.Debug("notification suppressed by cooldown",
			"level", e.Level,
			"message", e.Message,
			"suppressed", st.suppressed,
		)
		return e, false
	}

	if st.suppressed > 0 {
		e.Message = fmt.Sprintf("[x%d] %s", st.suppressed+1, e.Message)
	}
	st.lastSent = now
	st.suppressed = 0
	return e, true
}

// prune drops cooldown state that has expired. Called with mu held.
func (f *Forwarder) prune(now time.Time) {
	if len(f.state) < 256 {
		return
	}
	for k, st := range f.state {
		if now.Sub(st.lastSent) >= f.cooldown {
			delete(f.state, k)
		}
	}
}
