// File: internal/logbook/entry.go
package logbook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Source identifies which side of the session produced an entry.
type Source string

const (
	SourceServer  Source = "SERVER"
	SourceBrowser Source = "BROWSER"
	SourceSystem  Source = "SYSTEM"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceServer, SourceBrowser, SourceSystem:
		return true
	}
	return false
}

// EventType classifies an entry within its source.
type EventType string

const (
	EventStdout          EventType = "STDOUT"
	EventStderr          EventType = "STDERR"
	EventConsoleLog      EventType = "CONSOLE_LOG"
	EventConsoleError    EventType = "CONSOLE_ERROR"
	EventNetworkRequest  EventType = "NETWORK_REQUEST"
	EventNetworkResponse EventType = "NETWORK_RESPONSE"
	EventNavigation      EventType = "NAVIGATION"
	EventScreenshot      EventType = "SCREENSHOT"
	EventCrash           EventType = "CRASH"
	EventLifecycle       EventType = "LIFECYCLE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStdout, EventStderr, EventConsoleLog, EventConsoleError,
		EventNetworkRequest, EventNetworkResponse, EventNavigation,
		EventScreenshot, EventCrash, EventLifecycle:
		return true
	}
	return false
}

// TimestampMode selects how entry timestamps are rendered.
type TimestampMode string

const (
	// TimestampLocal renders a human clock time in the machine's locale zone.
	TimestampLocal TimestampMode = "local"
	// TimestampUTC renders ISO-8601 (RFC 3339) in UTC.
	TimestampUTC TimestampMode = "utc"
)

const localLayout = "3:04:05 PM"

// Stamp renders now according to the mode.
func (m TimestampMode) Stamp(now time.Time) string {
	if m == TimestampUTC {
		return now.UTC().Format(time.RFC3339)
	}
	return now.Local().Format(localLayout)
}

// ParseTimestampMode normalizes a config string into a TimestampMode.
func ParseTimestampMode(s string) (TimestampMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(TimestampLocal):
		return TimestampLocal, nil
	case string(TimestampUTC):
		return TimestampUTC, nil
	}
	return "", fmt.Errorf("unknown timestamp format %q (want local or utc)", s)
}

// Entry is one record in the combined event log. Entries are immutable once
// appended and are never deleted during a session.
type Entry struct {
	// Timestamp is pre-rendered text, per the session's TimestampMode. Empty on
	// input means "stamp at append time".
	Timestamp string `json:"timestamp"`
	Source    Source `json:"source"`
	Type      EventType `json:"type"`
	Message   string `json:"message"`
	// Raw optionally carries the structured payload behind network/console
	// entries for consumers that want more than the flattened message.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Validate enforces the entry invariants: non-empty timestamp, known source,
// known event type.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Timestamp) == "" {
		return fmt.Errorf("log entry has empty timestamp")
	}
	if !e.Source.Valid() {
		return fmt.Errorf("log entry has invalid source %q", e.Source)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("log entry has invalid event type %q", e.Type)
	}
	return nil
}

// Line renders the stable single-line text form written to the log file:
//
//	<timestamp> [SOURCE] [TYPE] message
//
// Newlines inside the message are escaped so one entry is always one line and
// the file stays greppable and tail -f friendly.
func (e Entry) Line() string {
	msg := strings.ReplaceAll(e.Message, "\n", "\\n")
	return fmt.Sprintf("%s [%s] [%s] %s", e.Timestamp, e.Source, e.Type, msg)
}

// lineRegex anchors on the two bracketed fields; the timestamp may contain
// spaces (the local clock format), so it is matched non-greedily.
var lineRegex = regexp.MustCompile(`^(.+?) \[([A-Z_]+)\] \[([A-Z_]+)\] ?(.*)$`)

// ParseLine is the inverse of Line for well-formed lines.
func ParseLine(line string) (Entry, error) {
	m := lineRegex.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, fmt.Errorf("malformed log line: %q", line)
	}
	e := Entry{
		Timestamp: m[1],
		Source:    Source(m[2]),
		Type:      EventType(m[3]),
		Message:   strings.ReplaceAll(m[4], "\\n", "\n"),
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
