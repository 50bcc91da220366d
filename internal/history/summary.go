package history

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/setevik/diagwatch/internal/entry"
)

// Summary holds aggregated counts over a set of entries.
type Summary struct {
	Total    int
	First    time.Time
	Last     time.Time
	ByLevel  map[string]int
	BySource map[string]int
	// Alerts lists unique warn/error messages in first-seen order.
	Alerts []string
}

// Summarize aggregates entries into a Summary.
func Summarize(entries []entry.Entry) *Summary {
	s := &Summary{
		Total:    len(entries),
		ByLevel:  make(map[string]int),
		BySource: make(map[string]int),
	}

	seen := make(map[string]bool)

	for _, e := range entries {
		if s.First.IsZero() || e.Timestamp.Before(s.First) {
			s.First = e.Timestamp
		}
		if e.Timestamp.After(s.Last) {
			s.Last = e.Timestamp
		}

		level := e.Level
		if level == "" {
			level = entry.LevelInfo
		}
		s.ByLevel[level]++

		source := e.Source
		if source == "" {
			source = "unknown"
		}
		s.BySource[source]++

		if e.IsAlert() {
			key := level + ": " + e.Message
			if !seen[key] {
				seen[key] = true
				s.Alerts = append(s.Alerts, key)
			}
		}
	}

	return s
}

// FormatSummary formats a Summary as human-readable text.
func FormatSummary(s *Summary) string {
	var b strings.Builder

	if s.Total == 0 {
		b.WriteString("No diagnostics entries.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Entries: %d\n", s.Total)
	fmt.Fprintf(&b, "Period:  %s - %s\n",
		s.First.Local().Format("2006-01-02 15:04:05"),
		s.Last.Local().Format("2006-01-02 15:04:05"))

	b.WriteString("\nBy level:\n")
	for _, kv := range sortedCounts(s.ByLevel) {
		fmt.Fprintf(&b, "  %-10s %d\n", kv.key, kv.count)
	}

	b.WriteString("\nBy source:\n")
	for _, kv := range sortedCounts(s.BySource) {
		fmt.Fprintf(&b, "  %-10s %d\n", kv.key, kv.count)
	}

	if len(s.Alerts) > 0 {
		b.WriteString("\nWarnings and errors:\n")
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}

	return b.String()
}

type keyCount struct {
	key   string
	count int
}

// sortedCounts orders by count descending, then key.
func sortedCounts(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, v := range m {
		out = append(out, keyCount{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	return out
}
