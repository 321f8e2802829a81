// File: internal/session/coordinator.go
//
// Package session wires the supervisor, browser controller, logbook and MCP
// server together behind an explicit state machine. The coordinator is the
// only component allowed to end the session; everything else reports to it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devscope-io/devscope/internal/config"
	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/project"
	"github.com/devscope-io/devscope/internal/supervisor"
)

// State names one phase of the session lifecycle.
type State string

const (
	StateInit             State = "INIT"
	StateStartingServer   State = "STARTING_SERVER"
	StateWaitingReady     State = "WAITING_READY"
	StateLaunchingBrowser State = "LAUNCHING_BROWSER"
	StateMonitoring       State = "MONITORING"
	StateShuttingDown     State = "SHUTTING_DOWN"
	StateFailed           State = "FAILED"
	StateTerminated       State = "TERMINATED"
)

// ServerProcess is the supervisor surface the coordinator drives.
type ServerProcess interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) (supervisor.ReadyCause, error)
	Done() <-chan struct{}
	ExitStatus() supervisor.ExitStatus
	Stop(ctx context.Context)
}

// BrowserSession is the browser controller surface the coordinator drives.
type BrowserSession interface {
	Launch(ctx context.Context) error
	Attach(ctx context.Context) error
	OpenAndMonitor(ctx context.Context, appURL string) error
	Close(ctx context.Context) error
}

// QueryServer is the MCP server surface the coordinator drives.
type QueryServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// teardown bounds for the individual shutdown steps.
const (
	browserCloseTimeout = 5 * time.Second
	serverStopTimeout   = 10 * time.Second
	mcpStopTimeout      = 5 * time.Second
)

// Coordinator owns one session from INIT to TERMINATED.
type Coordinator struct {
	cfg    *config.Config
	sess   *project.Session
	book   *logbook.Logbook
	logger *zap.Logger

	server  ServerProcess
	browser BrowserSession // nil in servers-only mode
	query   QueryServer

	mu    sync.Mutex
	state State
	ready bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	exitCode     int
}

// NewCoordinator assembles a coordinator. browser may be nil (servers-only).
func NewCoordinator(cfg *config.Config, sess *project.Session, book *logbook.Logbook, server ServerProcess, browser BrowserSession, query QueryServer, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		sess:       sess,
		book:       book,
		logger:     logger.Named("session"),
		server:     server,
		browser:    browser,
		query:      query,
		state:      StateInit,
		shutdownCh: make(chan struct{}),
	}
}

// Status implements the MCP discovery surface.
func (c *Coordinator) Status() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.state), c.ready
}

// RequestShutdown triggers a graceful teardown from outside the run loop
// (the MCP shutdown endpoint). Safe to call any number of times.
func (c *Coordinator) RequestShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// ExitCode is valid after Run returns: 0 for a clean shutdown, non-zero when
// startup failed, the dev server crashed, or an unrecovered fatal error ended
// the session.
func (c *Coordinator) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Run drives the state machine to completion. It returns once the session has
// fully torn down; ctx cancellation (the interrupt signal) is the normal way
// out of MONITORING.
func (c *Coordinator) Run(ctx context.Context) error {
	startErr := c.startup(ctx)
	if startErr != nil {
		c.setState(StateFailed)
		c.logger.Error("Session startup failed.", zap.Error(startErr))
		c.setExitCode(1)
		c.teardown()
		return startErr
	}

	c.setState(StateMonitoring)
	c.logger.Info("Session is live.",
		zap.String("app_url", c.cfg.AppURL()),
		zap.Int("mcp_port", c.sess.MCPPort),
		zap.String("log_file", c.sess.LogFile))

	var runErr error
	select {
	case <-ctx.Done():
		// Interrupt: graceful, exit 0.
	case <-c.shutdownCh:
		// kill-mcp or another explicit request: graceful, exit 0.
	case <-c.server.Done():
		status := c.server.ExitStatus()
		if status.Code != 0 {
			runErr = fmt.Errorf("dev server exited with code %d", status.Code)
			c.setExitCode(1)
		}
	}

	c.teardown()
	return runErr
}

// startup walks INIT → STARTING_SERVER → WAITING_READY → LAUNCHING_BROWSER.
// Any error here is fatal-startup. Browser launch failures are the exception:
// monitoring is best-effort, so the session degrades to servers-only instead
// of aborting.
func (c *Coordinator) startup(ctx context.Context) error {
	// The MCP port is claimed first so a colliding session fails fast, before
	// any child process exists.
	if err := c.query.Start(); err != nil {
		return err
	}

	c.setState(StateStartingServer)
	if err := c.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dev server: %w", err)
	}

	c.setState(StateWaitingReady)
	cause, err := c.server.WaitReady(ctx)
	if err != nil {
		return fmt.Errorf("dev server readiness: %w", err)
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.appendLifecycle(fmt.Sprintf("Dev server ready (%s)", cause))

	c.setState(StateLaunchingBrowser)
	if c.browser == nil {
		c.appendLifecycle("Servers-only mode: browser monitoring disabled")
		return nil
	}
	if err := c.startBrowser(ctx); err != nil {
		c.appendLifecycle(fmt.Sprintf("Browser unavailable; continuing without monitoring: %v", err))
		c.logger.Warn("Browser startup failed; continuing servers-only.", zap.Error(err))
		c.browser = nil
	}
	return nil
}

func (c *Coordinator) startBrowser(ctx context.Context) error {
	if c.cfg.Browser.Attach {
		if err := c.browser.Attach(ctx); err != nil {
			return err
		}
	} else {
		if err := c.browser.Launch(ctx); err != nil {
			return err
		}
	}
	return c.browser.OpenAndMonitor(ctx, c.cfg.AppURL())
}

// teardown runs exactly one shutdown sequence regardless of how many paths
// race into it: browser first, then the dev server, then the MCP server, each
// with its own bounded grace period, then the logbook.
func (c *Coordinator) teardown() {
	c.setState(StateShuttingDown)

	if c.browser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), browserCloseTimeout)
		if err := c.browser.Close(ctx); err != nil {
			c.logger.Warn("Browser close failed.", zap.Error(err))
		}
		cancel()
	}

	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		c.server.Stop(ctx)
		cancel()
	}

	if c.query != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mcpStopTimeout)
		if err := c.query.Stop(ctx); err != nil {
			c.logger.Warn("MCP server stop failed.", zap.Error(err))
		}
		cancel()
	}

	c.setState(StateTerminated)
	if err := c.book.Close(); err != nil {
		c.logger.Warn("Logbook close failed.", zap.Error(err))
	}
}

// setState records a transition and mirrors it into the combined log so the
// session's lifecycle is visible to the same consumers as everything else.
func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next || prev == StateTerminated {
		c.mu.Unlock()
		return
	}
	// FAILED and SHUTTING_DOWN are terminal-bound; never bounce back out.
	if prev == StateFailed && next != StateShuttingDown && next != StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.logger.Debug("Session state changed.",
		zap.String("from", string(prev)), zap.String("to", string(next)))
	c.appendLifecycle(fmt.Sprintf("Session state: %s", next))
}

func (c *Coordinator) appendLifecycle(msg string) {
	err := c.book.Append(logbook.Entry{
		Source:  logbook.SourceSystem,
		Type:    logbook.EventLifecycle,
		Message: msg,
	})
	if err != nil {
		c.logger.Debug("Could not append lifecycle entry.", zap.Error(err))
	}
}

func (c *Coordinator) setExitCode(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == 0 {
		c.exitCode = code
	}
}
