package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"golang.org/x/sync/errgroup"

	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/metrics"
)

func makeEntry(msg string) entry.Entry {
	return entry.New(time.Now(), entry.LevelInfo, msg, nil, entry.SourceStdin)
}

func messages(entries []entry.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestNewDefaultCapacity(t *testing.T) {
	if got := New(0).Cap(); got != DefaultMaxHistory {
		t.Errorf("New(0).Cap() = %d, want %d", got, DefaultMaxHistory)
	}
	if got := New(-5).Cap(); got != DefaultMaxHistory {
		t.Errorf("New(-5).Cap() = %d, want %d", got, DefaultMaxHistory)
	}
	if got := New(7).Cap(); got != 7 {
		t.Errorf("New(7).Cap() = %d, want 7", got)
	}
}

func TestFIFOEviction(t *testing.T) {
	const capacity = 3
	s := New(capacity)

	for i := 0; i < 10; i++ {
		s.Append(makeEntry(fmt.Sprintf("m%d", i)))

		snap := s.Snapshot()
		if len(snap) > capacity {
			t.Fatalf("after %d appends: len = %d, exceeds %d", i+1, len(snap), capacity)
		}

		// The retained window is always the newest entries in insertion order.
		start := 0
		if i+1 > capacity {
			start = i + 1 - capacity
		}
		for j, e := range snap {
			want := fmt.Sprintf("m%d", start+j)
			if e.Message != want {
				t.Fatalf("after %d appends: snap[%d] = %q, want %q (all: %v)", i+1, j, e.Message, want, messages(snap))
			}
		}
	}

	if s.Len() != capacity {
		t.Errorf("Len() = %d, want %d", s.Len(), capacity)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New(5)
	s.Append(makeEntry("a"))

	snap := s.Snapshot()
	snap[0].Message = "mutated"

	if got := s.Snapshot()[0].Message; got != "a" {
		t.Errorf("store entry changed through snapshot: %q", got)
	}
}

func TestSubscriberReceivesEntryAndHistory(t *testing.T) {
	s := New(2)

	var gotEntries []string
	var gotHistory [][]string
	s.Subscribe(func(e entry.Entry, history []entry.Entry) {
		gotEntries = append(gotEntries, e.Message)
		gotHistory = append(gotHistory, messages(history))
	})

	s.Append(makeEntry("a"))
	s.Append(makeEntry("b"))
	s.Append(makeEntry("c"))

	wantEntries := []string{"a", "b", "c"}
	wantHistory := [][]string{{"a"}, {"a", "b"}, {"b", "c"}}

	if fmt.Sprint(gotEntries) != fmt.Sprint(wantEntries) {
		t.Errorf("entries = %v, want %v", gotEntries, wantEntries)
	}
	if fmt.Sprint(gotHistory) != fmt.Sprint(wantHistory) {
		t.Errorf("history = %v, want %v", gotHistory, wantHistory)
	}
}

func TestSubscribersCalledInRegistrationOrder(t *testing.T) {
	s := New(10)

	var order []int
	for i := 0; i < 3; i++ {
		s.Subscribe(func(entry.Entry, []entry.Entry) { order = append(order, i) })
	}

	s.Append(makeEntry("x"))

	if fmt.Sprint(order) != "[0 1 2]" {
		t.Errorf("order = %v, want [0 1 2]", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := New(10)

	calls := 0
	unsub := s.Subscribe(func(entry.Entry, []entry.Entry) { calls++ })

	s.Append(makeEntry("a"))
	unsub()
	unsub() // idempotent
	s.Append(makeEntry("b"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUnsubscribeFirstFromSecondCallback(t *testing.T) {
	s := New(10)

	firstCalls := 0
	unsubFirst := s.Subscribe(func(entry.Entry, []entry.Entry) { firstCalls++ })

	secondCalls := 0
	s.Subscribe(func(entry.Entry, []entry.Entry) {
		secondCalls++
		unsubFirst()
	})

	s.Append(makeEntry("a"))
	s.Append(makeEntry("b"))

	// First ran before being removed on append "a", never again.
	if firstCalls != 1 {
		t.Errorf("first subscriber calls = %d, want 1", firstCalls)
	}
	if secondCalls != 2 {
		t.Errorf("second subscriber calls = %d, want 2", secondCalls)
	}
}

func TestUnsubscribeLaterSubscriberMidDelivery(t *testing.T) {
	s := New(10)

	var unsubSecond func()
	s.Subscribe(func(entry.Entry, []entry.Entry) { unsubSecond() })

	secondCalls := 0
	unsubSecond = s.Subscribe(func(entry.Entry, []entry.Entry) { secondCalls++ })

	s.Append(makeEntry("a"))

	if secondCalls != 0 {
		t.Errorf("subscriber removed mid-delivery was called %d times", secondCalls)
	}
}

func TestUnsubscribeSelfDuringCallback(t *testing.T) {
	s := New(10)

	calls := 0
	var unsub func()
	unsub = s.Subscribe(func(entry.Entry, []entry.Entry) {
		calls++
		unsub()
	})

	s.Append(makeEntry("a"))
	s.Append(makeEntry("b"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubscriberMayReadStore(t *testing.T) {
	s := New(10)

	var lens []int
	s.Subscribe(func(e entry.Entry, _ []entry.Entry) {
		lens = append(lens, len(s.Snapshot()))
		s.Subscribe(func(entry.Entry, []entry.Entry) {})
	})

	done := make(chan struct{})
	go func() {
		s.Append(makeEntry("a"))
		s.Append(makeEntry("b"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Append deadlocked when a subscriber called back into the store")
	}

	if fmt.Sprint(lens) != "[1 2]" {
		t.Errorf("snapshot lengths = %v, want [1 2]", lens)
	}
}

func TestSubscriberMayAppend(t *testing.T) {
	s := New(10)

	var first, second []string
	s.Subscribe(func(e entry.Entry, history []entry.Entry) {
		first = append(first, e.Message)
		if e.Message == "a" {
			s.Append(makeEntry("echo"))
			// Queued behind "a": not yet seen by any subscriber.
			if len(second) != 0 {
				t.Errorf("nested entry delivered before the current one finished")
			}
		}
	})
	s.Subscribe(func(e entry.Entry, history []entry.Entry) {
		second = append(second, e.Message)
	})

	done := make(chan struct{})
	go func() {
		s.Append(makeEntry("a"))
		s.Append(makeEntry("b"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Append from inside a subscriber deadlocked; len = %d", s.Len())
	}

	want := "[a echo b]"
	if fmt.Sprint(first) != want {
		t.Errorf("first subscriber saw %v, want %s", first, want)
	}
	if fmt.Sprint(second) != want {
		t.Errorf("second subscriber saw %v, want %s", second, want)
	}
	if got := messages(s.Snapshot()); fmt.Sprint(got) != want {
		t.Errorf("history = %v, want %s", got, want)
	}
}

func TestNestedAppendSeesItsOwnSnapshot(t *testing.T) {
	s := New(2)

	var histories [][]string
	s.Subscribe(func(e entry.Entry, history []entry.Entry) {
		histories = append(histories, messages(history))
		if e.Message == "a" {
			s.Append(makeEntry("b"))
			s.Append(makeEntry("c"))
		}
	})

	s.Append(makeEntry("a"))

	want := [][]string{{"a"}, {"a", "b"}, {"b", "c"}}
	if fmt.Sprint(histories) != fmt.Sprint(want) {
		t.Errorf("histories = %v, want %v", histories, want)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	s := New(10)

	panics := 0
	s.Subscribe(func(entry.Entry, []entry.Entry) {
		panics++
		panic("bad subscriber")
	})

	good := 0
	s.Subscribe(func(entry.Entry, []entry.Entry) { good++ })

	s.Append(makeEntry("a"))
	s.Append(makeEntry("b"))

	if panics != 1 {
		t.Errorf("panicking subscriber called %d times, want 1 (removed after first panic)", panics)
	}
	if good != 2 {
		t.Errorf("healthy subscriber called %d times, want 2", good)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestConcurrentAppenders(t *testing.T) {
	tests := []struct {
		name     string
		writers  int
		perWrite int
		capacity int
	}{
		{"under capacity", 4, 50, 1000},
		{"over capacity", 8, 500, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.capacity)

			var mu sync.Mutex
			delivered := 0
			s.Subscribe(func(entry.Entry, []entry.Entry) {
				mu.Lock()
				delivered++
				mu.Unlock()
			})

			var g errgroup.Group
			for w := 0; w < tt.writers; w++ {
				source := fmt.Sprintf("writer-%d", w)
				g.Go(func() error {
					for i := 0; i < tt.perWrite; i++ {
						s.Append(entry.New(time.Now(), entry.LevelInfo, fmt.Sprint(i), nil, source))
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}

			total := tt.writers * tt.perWrite
			want := min(total, tt.capacity)

			snap := s.Snapshot()
			if len(snap) != want {
				t.Errorf("len = %d, want %d", len(snap), want)
			}
			if delivered != total {
				t.Errorf("delivered = %d, want %d", delivered, total)
			}

			ids := make(map[string]bool, len(snap))
			for _, e := range snap {
				if ids[e.ID] {
					t.Fatalf("duplicate ID %s", e.ID)
				}
				ids[e.ID] = true
			}

			// Per-source order is preserved.
			last := make(map[string]int)
			for _, e := range snap {
				var n int
				fmt.Sscan(e.Message, &n)
				if prev, ok := last[e.Source]; ok && n <= prev {
					t.Fatalf("source %s out of order: %d after %d", e.Source, n, prev)
				}
				last[e.Source] = n
			}
		})
	}
}

func TestSubscribersObserveSameOrder(t *testing.T) {
	s := New(100)

	var mu sync.Mutex
	var seenA, seenB []string
	s.Subscribe(func(e entry.Entry, _ []entry.Entry) {
		mu.Lock()
		seenA = append(seenA, e.ID)
		mu.Unlock()
	})
	s.Subscribe(func(e entry.Entry, _ []entry.Entry) {
		mu.Lock()
		seenB = append(seenB, e.ID)
		mu.Unlock()
	})

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				s.Append(makeEntry("x"))
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(seenA) != 100 || len(seenB) != 100 {
		t.Fatalf("deliveries = %d/%d, want 100/100", len(seenA), len(seenB))
	}
	for i := range seenA {
		if seenA[i] != seenB[i] {
			t.Fatalf("subscribers diverged at %d", i)
		}
	}

	// Delivery order matches history order.
	snap := s.Snapshot()
	for i, e := range snap {
		if e.ID != seenA[i] {
			t.Fatalf("delivery order differs from history at %d", i)
		}
	}
}

func TestHistoryGaugeTracksFinalLength(t *testing.T) {
	for _, capacity := range []int{50, 5000} {
		s := New(capacity)

		var g errgroup.Group
		for w := 0; w < 8; w++ {
			g.Go(func() error {
				for i := 0; i < 200; i++ {
					s.Append(makeEntry("x"))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		var m dto.Metric
		if err := metrics.HistoryEntries.Write(&m); err != nil {
			t.Fatal(err)
		}
		if got := int(m.GetGauge().GetValue()); got != s.Len() {
			t.Errorf("capacity %d: gauge = %d, want %d", capacity, got, s.Len())
		}
	}
}
