// Package notify forwards alert-level diagnostics entries to a user-facing
// notification channel.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/setevik/diagwatch/internal/entry"
)

// ActionOpenDiagnostics is sent back when the user asks to open the
// diagnostics view from a notification.
const ActionOpenDiagnostics = "open_diagnostics"

// Notifier delivers a single entry to the user. User actions taken on a
// delivered notification come back through HandleAction and are passed to
// the OnAction callback.
type Notifier interface {
	Notify(ctx context.Context, e entry.Entry) error
	OnAction(fn func(action string))
	HandleAction(action string)
}

// Actions holds the action callback shared by notifier implementations.
// The zero value is ready to use.
type Actions struct {
	mu sync.Mutex
	fn func(action string)
}

// OnAction sets the callback for user actions, replacing any previous one.
func (a *Actions) OnAction(fn func(action string)) {
	a.mu.Lock()
	a.fn = fn
	a.mu.Unlock()
}

// HandleAction reports a user action to the registered callback.
func (a *Actions) HandleAction(action string) {
	a.mu.Lock()
	fn := a.fn
	a.mu.Unlock()

	if fn == nil {
		slog.Debug("notification action ignored, no handler", "action", action)
		return
	}
	fn(action)
}

// Nop logs entries instead of delivering them.
type Nop struct {
	Actions
}

// Notify logs e at debug level.
func (n *Nop) Notify(_ context.Context, e entry.Entry) error {
	slog.Debug("notify", "level", e.Level, "message", e.Message)
	return nil
}
