package notify

import (
	"time"

	"github.com/setevik/diagwatch/internal/entry"
)

// TestEntry creates a synthetic entry for checking ntfy connectivity.
func TestEntry() entry.Entry {
	return entry.New(time.Now(), entry.LevelWarn,
		"Test notification from diagwatch",
		map[string]any{"hint": "If you see this, diagwatch is configured correctly."},
		"diagwatch",
	)
}
