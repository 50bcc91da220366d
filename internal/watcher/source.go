// Package watcher ingests diagnostics from line-oriented sources: a
// supervised child process and static readers such as stdin.
package watcher

import (
	"github.com/setevik/diagwatch/internal/entry"
)

// Sink receives normalized entries. *history.Store implements it.
type Sink interface {
	Append(e entry.Entry)
}

// StatusFunc is told whenever a source starts or stops running, and when a
// start attempt fails.
type StatusFunc func(running bool)

// Notify calls fn with running. A nil StatusFunc is a no-op.
func (fn StatusFunc) Notify(running bool) {
	if fn != nil {
		fn(running)
	}
}
