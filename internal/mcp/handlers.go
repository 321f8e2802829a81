// File: internal/mcp/handlers.go
package mcp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/devscope-io/devscope/internal/logbook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Websocket timeouts and limits.
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	sendChannelSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local-only server; the bind address already restricts callers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusResponse is the stable discovery surface for agents: where the log
// lives, what state the session is in, and which ports are involved.
type StatusResponse struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	Ready         bool   `json:"ready"`
	LogFile       string `json:"log_file"`
	ScreenshotDir string `json:"screenshot_dir"`
	ProjectDir    string `json:"project_dir"`
	AppPort       int    `json:"app_port"`
	MCPPort       int    `json:"mcp_port"`
}

// LogsResponse wraps a filtered page of log entries.
type LogsResponse struct {
	Total   int             `json:"total"`
	Offset  int             `json:"offset"`
	Entries []logbook.Entry `json:"entries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, ready := s.status()
	writeJSON(w, http.StatusOK, StatusResponse{
		SessionID:     s.sess.ID,
		State:         state,
		Ready:         ready,
		LogFile:       s.sess.LogFile,
		ScreenshotDir: s.sess.ScreenshotDir,
		ProjectDir:    s.sess.ProjectDir,
		AppPort:       s.sess.AppPort,
		MCPPort:       s.sess.MCPPort,
	})
}

// handleLogs serves a filtered slice of the in-memory log:
// GET /api/v1/logs?source=BROWSER&type=CONSOLE_ERROR&contains=foo&offset=0&limit=200
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := strings.ToUpper(q.Get("source"))
	eventType := strings.ToUpper(q.Get("type"))
	contains := strings.ToLower(q.Get("contains"))
	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), 500)

	all := s.book.Snapshot()
	filtered := make([]logbook.Entry, 0, len(all))
	for _, e := range all {
		if source != "" && string(e.Source) != source {
			continue
		}
		if eventType != "" && string(e.Type) != eventType {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(e.Message), contains) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, LogsResponse{
		Total:   total,
		Offset:  offset,
		Entries: filtered[offset:end],
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Shutdown requested over MCP endpoint.")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.requestShutdown != nil {
		// Run outside the handler so the response can flush first.
		go s.requestShutdown()
	}
}

// handleTail upgrades to a websocket and streams entries in append order. The
// read and write pumps follow the standard gorilla pattern: all writes go
// through one goroutine, pings keep the peer honest, and a slow client gets
// dropped rather than blocking the logbook.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade tail connection.", zap.Error(err))
		return
	}
	s.logger.Debug("Tail client connected.", zap.String("remote", r.RemoteAddr))

	entries, cancel := s.book.Subscribe(sendChannelSize)

	// Read pump: we expect nothing from the client but must service control
	// frames and notice closure.
	go func() {
		defer cancel()
		defer conn.Close()
		conn.SetReadLimit(512)
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump.
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		s.logger.Debug("Tail client disconnected.", zap.String("remote", r.RemoteAddr))
	}()

	for {
		select {
		case entry, ok := <-entries:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write(data)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
