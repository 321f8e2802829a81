// File: internal/mcp/server.go
//
// Package mcp hosts the local query/protocol endpoint an AI coding agent (or
// any other tool) uses to read the combined session log and discover session
// state. It serves REST queries over the logbook plus a websocket live tail.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/devscope-io/devscope/internal/config"
	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/project"
)

// StatusFunc reports the coordinator's current state name and whether the dev
// server has reached readiness.
type StatusFunc func() (state string, ready bool)

// Server is the query/protocol server for one session.
type Server struct {
	cfg    config.MCPConfig
	sess   *project.Session
	book   *logbook.Logbook
	logger *zap.Logger

	status StatusFunc
	// requestShutdown asks the coordinator for a full graceful teardown; wired
	// to the /api/v1/shutdown endpoint used by `devscope kill-mcp`.
	requestShutdown func()

	httpServer *http.Server
}

// NewServer wires a server over the session's logbook.
func NewServer(cfg config.MCPConfig, sess *project.Session, book *logbook.Logbook, status StatusFunc, requestShutdown func(), logger *zap.Logger) *Server {
	return &Server{
		cfg:             cfg,
		sess:            sess,
		book:            book,
		logger:          logger.Named("mcp"),
		status:          status,
		requestShutdown: requestShutdown,
	}
}

// Start binds the MCP port and serves until Stop. A port already held by
// another session is a fatal startup error; the returned error says how to
// free it.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind MCP port %d (another devscope session running? try 'devscope kill-mcp'): %w", s.cfg.Port, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/v1/tail", s.handleTail)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)
		r.Post("/shutdown", s.handleShutdown)
	})

	s.httpServer = &http.Server{Handler: r}
	s.logger.Info("MCP server listening.", zap.String("address", addr))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server stopped unexpectedly.", zap.Error(err))
		}
	}()
	return nil
}

// Stop releases the MCP port, letting in-flight requests finish within the
// configured timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("MCP server shutdown timed out; closing.", zap.Error(err))
		return s.httpServer.Close()
	}
	s.logger.Info("MCP server stopped.")
	return nil
}

// corsMiddleware lets local tools on other ports (editor plugins, dashboards)
// read the endpoint.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KillRunning asks a running devscope instance on the given MCP port to shut
// down, freeing the port. Used by `devscope kill-mcp`.
func KillRunning(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/shutdown", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("no devscope session reachable on MCP port %d: %w", port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown request rejected: %s", resp.Status)
	}
	return nil
}
