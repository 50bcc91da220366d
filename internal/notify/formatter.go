package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/setevik/diagwatch/internal/entry"
)

// maxTitleLen keeps titles readable on a phone lock screen.
const maxTitleLen = 80

// levelEmoji maps entry levels to display emojis for ntfy titles.
var levelEmoji = map[string]string{
	entry.LevelError: "\U0001f534", // red circle
	entry.LevelWarn:  "\U0001f7e1", // yellow circle
	"warning":        "\U0001f7e1",
}

// levelTags maps entry levels to ntfy tag names.
var levelTags = map[string]string{
	entry.LevelError: "rotating_light",
	entry.LevelWarn:  "warning",
	"warning":        "warning",
}

// FormatTitle builds the ntfy notification title for an entry.
func FormatTitle(e entry.Entry) string {
	emoji := levelEmoji[strings.ToLower(e.Level)]
	if emoji == "" {
		emoji = "❗" // exclamation mark
	}

	msg := e.Message
	if msg == "" {
		msg = "(no message)"
	}
	if utf8.RuneCountInString(msg) > maxTitleLen {
		msg = string([]rune(msg)[:maxTitleLen-1]) + "…"
	}

	return fmt.Sprintf("%s [%s] %s", emoji, e.LevelLabel(), msg)
}

// FormatBody builds the ntfy notification body for an entry.
func FormatBody(e entry.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Source: %s\n", e.Source)
	fmt.Fprintf(&b, "Time: %s\n", e.Timestamp.Format("2006-01-02 15:04:05 MST"))

	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
		b.WriteString("\n")
	}

	if len(e.Data) > 0 {
		// Map keys marshal in sorted order.
		data, err := json.MarshalIndent(e.Data, "", "  ")
		if err == nil {
			b.WriteString("\n")
			b.Write(data)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// TagsForLevel returns the ntfy tags string for an entry level.
func TagsForLevel(level string) string {
	if tags, ok := levelTags[strings.ToLower(level)]; ok {
		return tags
	}
	return "information_source"
}
