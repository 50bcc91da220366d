package watcher

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/history"
	"github.com/setevik/diagwatch/internal/normalize"
)

func TestReadLines(t *testing.T) {
	input := strings.Join([]string{
		"plain output",
		`[Diagnostics] {"level":"info","message":"one"}`,
		`[Diagnostics] {broken`,
		"",
		`prefix [Diagnostics] {"level":"error","message":"two"}`,
		`[Diagnostics] {"message":"three"}` + "\r",
	}, "\n")

	store := history.New(10)
	n, err := ReadLines(context.Background(), strings.NewReader(input), entry.SourceStdin, store, nil)
	if err != nil {
		t.Fatalf("ReadLines error: %v", err)
	}
	if n != 3 {
		t.Errorf("ingested = %d, want 3", n)
	}

	snap := store.Snapshot()
	want := []string{"one", "two", "three"}
	if len(snap) != len(want) {
		t.Fatalf("stored %d entries, want %d", len(snap), len(want))
	}
	for i, e := range snap {
		if e.Message != want[i] {
			t.Errorf("entry %d message = %q, want %q", i, e.Message, want[i])
		}
		if e.Source != entry.SourceStdin {
			t.Errorf("entry %d source = %q", i, e.Source)
		}
	}
}

func TestReadLinesUsesNormalizerClock(t *testing.T) {
	now := time.Date(2026, 2, 19, 14, 0, 0, 0, time.UTC)
	norm := &normalize.Normalizer{Now: func() time.Time { return now }}

	store := history.New(10)
	_, err := ReadLines(context.Background(), strings.NewReader(`[Diagnostics] {"message":"x"}`), "custom", store, norm)
	if err != nil {
		t.Fatal(err)
	}

	e := store.Snapshot()[0]
	if !e.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, now)
	}
	if e.Source != "custom" {
		t.Errorf("Source = %q", e.Source)
	}
}

func TestReadLinesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := history.New(10)
	_, err := ReadLines(ctx, strings.NewReader("a\nb\n"), entry.SourceStdin, store, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if store.Len() != 0 {
		t.Errorf("stored %d entries after cancel", store.Len())
	}
}

func TestReadLinesSkipsOverlongLines(t *testing.T) {
	marker := `[Diagnostics] {"message":"`
	atLimit := marker + strings.Repeat("y", maxLineSize-len(marker)-2) + `"}`

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "plain output",
			input: strings.Repeat("x", 2*maxLineSize) + "\n" + `[Diagnostics] {"message":"after"}` + "\n",
			want:  []string{"after"},
		},
		{
			name:  "diagnostics line",
			input: `[Diagnostics] {"message":"before"}` + "\n" + marker + strings.Repeat("x", maxLineSize) + `"}` + "\n" + `[Diagnostics] {"message":"after"}`,
			want:  []string{"before", "after"},
		},
		{
			name:  "final line without newline",
			input: `[Diagnostics] {"message":"before"}` + "\n" + strings.Repeat("x", maxLineSize+1),
			want:  []string{"before"},
		},
		{
			name:  "line at the limit",
			input: atLimit + "\n" + `[Diagnostics] {"message":"after"}` + "\n",
			want:  []string{strings.Repeat("y", maxLineSize-len(marker)-2), "after"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := history.New(10)
			n, err := ReadLines(context.Background(), strings.NewReader(tt.input), entry.SourceStdin, store, nil)
			if err != nil {
				t.Fatalf("ReadLines error: %v", err)
			}
			if n != len(tt.want) {
				t.Errorf("ingested = %d, want %d", n, len(tt.want))
			}

			snap := store.Snapshot()
			if len(snap) != len(tt.want) {
				t.Fatalf("stored %d entries, want %d", len(snap), len(tt.want))
			}
			for i, e := range snap {
				if e.Message != tt.want[i] {
					t.Errorf("entry %d message has length %d, want %d", i, len(e.Message), len(tt.want[i]))
				}
			}
		})
	}
}

func TestReadLinesReadError(t *testing.T) {
	errBroken := errors.New("broken pipe")
	r := io.MultiReader(
		strings.NewReader(`[Diagnostics] {"message":"one"}`+"\n"),
		iotest.ErrReader(errBroken),
	)

	store := history.New(10)
	n, err := ReadLines(context.Background(), r, entry.SourceStdin, store, nil)
	if !errors.Is(err, errBroken) {
		t.Errorf("err = %v, want %v", err, errBroken)
	}
	if n != 1 || store.Len() != 1 {
		t.Errorf("ingested = %d, stored = %d, want 1", n, store.Len())
	}
}
