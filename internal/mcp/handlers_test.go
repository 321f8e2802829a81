// internal/mcp/handlers_test.go
package mcp

import (
	"context"
	encjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devscope-io/devscope/internal/config"
	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/project"
)

type serverHarness struct {
	srv        *Server
	book       *logbook.Logbook
	shutdownCh chan struct{}
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	book, err := logbook.New(filepath.Join(t.TempDir(), "session.log"), logbook.TimestampUTC, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })

	sess := &project.Session{
		ID:            "sess-42",
		ProjectDir:    "/work/my-app",
		LogFile:       book.Path(),
		ScreenshotDir: "/state/screenshots/sess-42",
		AppPort:       3000,
		MCPPort:       4100,
	}

	h := &serverHarness{book: book, shutdownCh: make(chan struct{})}
	status := func() (string, bool) { return "MONITORING", true }
	h.srv = NewServer(
		config.MCPConfig{Port: 4100, ShutdownTimeout: time.Second},
		sess, book, status,
		func() { close(h.shutdownCh) },
		zaptest.NewLogger(t),
	)
	return h
}

func (h *serverHarness) seedEntries(t *testing.T) {
	t.Helper()
	entries := []logbook.Entry{
		{Source: logbook.SourceServer, Type: logbook.EventStdout, Message: "ready in 230ms"},
		{Source: logbook.SourceBrowser, Type: logbook.EventConsoleError, Message: "Uncaught TypeError: boom"},
		{Source: logbook.SourceBrowser, Type: logbook.EventNetworkResponse, Message: "← 500 GET /api/items"},
		{Source: logbook.SourceSystem, Type: logbook.EventLifecycle, Message: "Session state: MONITORING"},
	}
	for _, e := range entries {
		require.NoError(t, h.book.Append(e))
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t)

	rec := httptest.NewRecorder()
	h.srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got StatusResponse
	require.NoError(t, encjson.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sess-42", got.SessionID)
	assert.Equal(t, "MONITORING", got.State)
	assert.True(t, got.Ready)
	assert.Equal(t, 3000, got.AppPort)
	assert.Equal(t, 4100, got.MCPPort)
	assert.NotEmpty(t, got.LogFile)
}

func TestHandleLogsFilters(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t)
	h.seedEntries(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "no filter returns everything",
			query: "",
			want:  []string{"ready in 230ms", "Uncaught TypeError: boom", "← 500 GET /api/items", "Session state: MONITORING"},
		},
		{
			name:  "by source",
			query: "?source=BROWSER",
			want:  []string{"Uncaught TypeError: boom", "← 500 GET /api/items"},
		},
		{
			name:  "by type",
			query: "?type=CONSOLE_ERROR",
			want:  []string{"Uncaught TypeError: boom"},
		},
		{
			name:  "contains is case-insensitive",
			query: "?contains=typeerror",
			want:  []string{"Uncaught TypeError: boom"},
		},
		{
			name:  "lowercase source matches",
			query: "?source=server",
			want:  []string{"ready in 230ms"},
		},
		{
			name:  "combined filters",
			query: "?source=BROWSER&contains=500",
			want:  []string{"← 500 GET /api/items"},
		},
		{
			name:  "no match",
			query: "?contains=nonexistent",
			want:  nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.srv.handleLogs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/logs"+tc.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var got LogsResponse
			require.NoError(t, encjson.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, len(tc.want), got.Total)
			var msgs []string
			for _, e := range got.Entries {
				msgs = append(msgs, e.Message)
			}
			assert.Equal(t, tc.want, msgs)
		})
	}
}

func TestHandleLogsPagination(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t)
	h.seedEntries(t)

	rec := httptest.NewRecorder()
	h.srv.handleLogs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/logs?offset=1&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got LogsResponse
	require.NoError(t, encjson.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 1, got.Offset)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "Uncaught TypeError: boom", got.Entries[0].Message)

	// Offset beyond the end is clamped, not an error.
	rec = httptest.NewRecorder()
	h.srv.handleLogs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/logs?offset=99", nil))
	require.NoError(t, encjson.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got.Entries)
}

func TestHandleShutdown(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t)

	rec := httptest.NewRecorder()
	h.srv.handleShutdown(rec, httptest.NewRequest(http.MethodPost, "/api/v1/shutdown", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-h.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t)

	rec := httptest.NewRecorder()
	h.srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleTailStreamsEntries(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t)

	ts := httptest.NewServer(http.HandlerFunc(h.srv.handleTail))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes after the handshake; give it a moment so the
	// appended entry is not published before the subscription exists.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, h.book.Append(logbook.Entry{
		Source: logbook.SourceServer, Type: logbook.EventStdout, Message: "live line",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got logbook.Entry
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "live line", got.Message)
	assert.Equal(t, logbook.SourceServer, got.Source)
}

func TestKillRunningNoServer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Nothing listens on this port; the error should say so.
	err := KillRunning(ctx, 59997)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no devscope session reachable")
}

func TestIntParam(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 7, intParam("", 7))
	assert.Equal(t, 3, intParam("3", 7))
	assert.Equal(t, 7, intParam("-1", 7))
	assert.Equal(t, 7, intParam("junk", 7))
}
