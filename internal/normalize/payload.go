package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payload is a decoded inbound diagnostics object. Fields are loosely typed
// JSON values; the accessor methods perform type-checked extraction and
// return defaults on mismatch.
type Payload map[string]any

// timestampLayouts are tried in order. Layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Timestamp returns the payload's "ts" or "timestamp" field as a UTC time.
// The first non-empty field wins; ok is false if neither is present, the
// winning field is not a string, or it does not parse as ISO-8601.
func (p Payload) Timestamp() (time.Time, bool) {
	raw := p.first("ts", "timestamp")
	s, isString := raw.(string)
	if !isString {
		return time.Time{}, false
	}
	ts, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// Level returns the "level" field coerced to a string, or "info".
func (p Payload) Level() string {
	if s, ok := coerceString(p["level"]); ok {
		return s
	}
	return "info"
}

// Message returns the "message" field coerced to a string, or "".
func (p Payload) Message() string {
	s, _ := coerceString(p["message"])
	return s
}

// Data returns the "data" field if it is a JSON object, otherwise nil.
func (p Payload) Data() map[string]any {
	if m, ok := p["data"].(map[string]any); ok {
		return m
	}
	return nil
}

func (p Payload) first(keys ...string) any {
	for _, k := range keys {
		if v, ok := p[k]; ok && present(v) {
			return v
		}
	}
	return nil
}

// present reports whether a JSON value carries something: null, false,
// zero, "" and empty containers do not.
func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case float64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func coerceString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
