// Package normalize turns raw diagnostic text lines and network messages
// into canonical entries.
//
// A text line qualifies only if it contains Marker; everything after the
// marker must be a JSON object. Network messages may be a bare JSON object
// or a marker line. Anything else yields no entry.
package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/setevik/diagwatch/internal/entry"
)

// Marker prefixes a diagnostics payload inside an arbitrary text line.
const Marker = "[Diagnostics] "

// ExtractPayload returns the trimmed text following the first Marker in
// line. ok is false if the marker is absent.
func ExtractPayload(line string) (string, bool) {
	idx := strings.Index(line, Marker)
	if idx == -1 {
		return "", false
	}
	return strings.TrimSpace(line[idx+len(Marker):]), true
}

// ParseObject decodes text as a JSON object.
func ParseObject(text string) (Payload, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	// "null" decodes without error into a nil map.
	if obj == nil {
		return nil, false
	}
	return Payload(obj), true
}

// ParseLine extracts and decodes the payload of a marker line.
func ParseLine(line string) (Payload, bool) {
	text, ok := ExtractPayload(line)
	if !ok {
		return nil, false
	}
	return ParseObject(text)
}

// ParseMessage decodes a network message: first as a bare JSON object, then
// as a marker line.
func ParseMessage(msg []byte) (Payload, bool) {
	if p, ok := ParseObject(string(msg)); ok {
		return p, true
	}
	return ParseLine(string(msg))
}

// Normalizer builds entries from payloads. The zero value uses the wall
// clock for entries that carry no usable timestamp.
type Normalizer struct {
	// Now overrides the wall clock. Used by tests.
	Now func() time.Time
}

// Normalize converts a decoded payload into an entry tagged with source.
func (n *Normalizer) Normalize(p Payload, source string) entry.Entry {
	ts, ok := p.Timestamp()
	if !ok {
		ts = n.now()
	}
	return entry.New(ts, p.Level(), p.Message(), p.Data(), source)
}

// Line normalizes a text line. ok is false if the line carries no valid
// diagnostics payload.
func (n *Normalizer) Line(line, source string) (entry.Entry, bool) {
	p, ok := ParseLine(line)
	if !ok {
		return entry.Entry{}, false
	}
	return n.Normalize(p, source), true
}

// Message normalizes a network message. ok is false if the message is
// neither a JSON object nor a marker line.
func (n *Normalizer) Message(msg []byte, source string) (entry.Entry, bool) {
	p, ok := ParseMessage(msg)
	if !ok {
		return entry.Entry{}, false
	}
	return n.Normalize(p, source), true
}

func (n *Normalizer) now() time.Time {
	if n != nil && n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

var wallClock = &Normalizer{}

// Normalize converts p using the wall clock.
func Normalize(p Payload, source string) entry.Entry { return wallClock.Normalize(p, source) }

// Line normalizes a text line using the wall clock.
func Line(line, source string) (entry.Entry, bool) { return wallClock.Line(line, source) }

// Message normalizes a network message using the wall clock.
func Message(msg []byte, source string) (entry.Entry, bool) { return wallClock.Message(msg, source) }
