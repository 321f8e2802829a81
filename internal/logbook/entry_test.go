// internal/logbook/entry_test.go
package logbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampModeStamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 12, 14, 30, 5, 0, time.UTC)

	assert.Equal(t, "2025-06-12T14:30:05Z", TimestampUTC.Stamp(now))
	assert.Equal(t, now.Local().Format(localLayout), TimestampLocal.Stamp(now))
}

func TestParseTimestampMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    TimestampMode
		wantErr bool
	}{
		{"local", TimestampLocal, false},
		{"utc", TimestampUTC, false},
		{"UTC", TimestampUTC, false},
		{"  local ", TimestampLocal, false},
		{"", TimestampLocal, false},
		{"iso", "", true},
	}
	for _, tc := range tests {
		got, err := ParseTimestampMode(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestEntryValidate(t *testing.T) {
	t.Parallel()
	valid := Entry{Timestamp: "2025-06-12T14:30:05Z", Source: SourceServer, Type: EventStdout, Message: "ok"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"empty timestamp", func(e *Entry) { e.Timestamp = "" }},
		{"blank timestamp", func(e *Entry) { e.Timestamp = "   " }},
		{"unknown source", func(e *Entry) { e.Source = "KERNEL" }},
		{"unknown type", func(e *Entry) { e.Type = "EXPLOSION" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestEntryLineRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		entry Entry
	}{
		{
			name:  "utc timestamp",
			entry: Entry{Timestamp: "2025-06-12T14:30:05Z", Source: SourceServer, Type: EventStdout, Message: "ready in 230ms"},
		},
		{
			// The local clock format contains spaces; the parser must not split on them.
			name:  "local timestamp with spaces",
			entry: Entry{Timestamp: "2:30:05 PM", Source: SourceBrowser, Type: EventConsoleError, Message: "Uncaught TypeError"},
		},
		{
			name:  "multiline message stays one line",
			entry: Entry{Timestamp: "2:30:05 PM", Source: SourceSystem, Type: EventCrash, Message: "exited\nrecent output:\nboom"},
		},
		{
			name:  "empty message",
			entry: Entry{Timestamp: "2:30:05 PM", Source: SourceSystem, Type: EventLifecycle, Message: ""},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			line := tc.entry.Line()
			assert.NotContains(t, line, "\n")

			got, err := ParseLine(line)
			require.NoError(t, err)
			assert.Equal(t, tc.entry.Timestamp, got.Timestamp)
			assert.Equal(t, tc.entry.Source, got.Source)
			assert.Equal(t, tc.entry.Type, got.Type)
			assert.Equal(t, tc.entry.Message, got.Message)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	t.Parallel()
	lines := []string{
		"",
		"just some text",
		"2:30:05 PM [SERVER] missing type bracket",
		"2:30:05 PM [lowercase] [STDOUT] bad source casing",
		"2:30:05 PM [SERVER] [NOT_A_TYPE] unknown type",
	}
	for _, line := range lines {
		_, err := ParseLine(line)
		assert.Error(t, err, "line %q", line)
	}
}
