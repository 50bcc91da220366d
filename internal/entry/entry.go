// Package entry defines the canonical diagnostic log entry shared by every
// ingest path.
package entry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known levels. The vocabulary is open: any other string is carried
// through unchanged.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Well-known sources. Callers may tag entries with any other string.
const (
	SourceMetro     = "metro"
	SourceWebSocket = "websocket"
	SourceStdin     = "stdin"
)

// Entry is a normalized diagnostic log record. Entries are values and are
// never mutated after construction; Data must be treated as read-only.
type Entry struct {
	ID        string
	Timestamp time.Time
	Level     string
	Message   string
	Data      map[string]any
	Source    string
}

// New creates an Entry with a fresh UUID. The timestamp is stored as UTC.
func New(ts time.Time, level, message string, data map[string]any, source string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: ts.UTC(),
		Level:     level,
		Message:   message,
		Data:      data,
		Source:    source,
	}
}

// IsAlert reports whether the entry is at warn or error level.
func (e Entry) IsAlert() bool {
	switch strings.ToLower(e.Level) {
	case LevelWarn, "warning", LevelError:
		return true
	}
	return false
}

// LevelLabel returns an upper-case label for display, e.g. "ERROR".
func (e Entry) LevelLabel() string {
	if e.Level == "" {
		return strings.ToUpper(LevelInfo)
	}
	return strings.ToUpper(e.Level)
}
