package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/setevik/diagwatch/internal/config"
	"github.com/setevik/diagwatch/internal/entry"
)

// Ntfy sends entry notifications to an ntfy server.
type Ntfy struct {
	Actions

	cfg    *config.Config
	client *http.Client
}

// NewNtfy creates a new Ntfy notifier.
func NewNtfy(cfg *config.Config) *Ntfy {
	return &Ntfy{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Notify sends e to ntfy. It is a no-op when no URL is configured.
func (n *Ntfy) Notify(ctx context.Context, e entry.Entry) error {
	if n.cfg.Notify.URL == "" {
		slog.Debug("ntfy URL not configured, skipping notification")
		return nil
	}

	title := FormatTitle(e)
	body := FormatBody(e)
	priority := n.cfg.NtfyPriority(e.Level)
	tags := TagsForLevel(e.Level)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Notify.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating ntfy request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if action := n.actionHeader(); action != "" {
		req.Header.Set("Actions", action)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}

	slog.Info("notification sent", "level", e.Level, "message", e.Message, "priority", priority)
	return nil
}

// actionHeader returns an ntfy http action posting ActionOpenDiagnostics
// back to the listener, or "" when no action URL is configured.
func (n *Ntfy) actionHeader() string {
	base := strings.TrimRight(n.cfg.Notify.ActionURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("http, Open diagnostics, %s/actions/%s, method=POST, clear=true", base, ActionOpenDiagnostics)
}
