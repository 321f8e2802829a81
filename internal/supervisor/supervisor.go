// File: internal/supervisor/supervisor.go
//
// Package supervisor runs the dev-server child process, mirrors its output
// into the logbook, detects readiness, and reports crashes.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devscope-io/devscope/internal/config"
	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/project"
)

// ReadyCause records which readiness condition fired first.
type ReadyCause string

const (
	ReadyByMarker ReadyCause = "marker"
	ReadyByPort   ReadyCause = "port"
)

// ExitStatus describes how the child ended.
type ExitStatus struct {
	Code int
	// Expected is true when the exit was initiated by Stop.
	Expected bool
	// Ready is true when readiness had been reached before exit.
	Ready bool
}

// tailSize is how many recent output lines are kept for crash reports.
const tailSize = 40

// Supervisor owns one dev-server child process for the session's lifetime.
type Supervisor struct {
	cfg    config.ServerConfig
	sess   *project.Session
	book   *logbook.Logbook
	logger *zap.Logger

	cmd *exec.Cmd

	readyOnce sync.Once
	readyCh   chan ReadyCause

	doneCh chan struct{}
	status ExitStatus

	mu       sync.Mutex
	started  bool
	ready    bool
	stopping bool
	tailBuf  []string

	stopOnce sync.Once
	scanWG   sync.WaitGroup
	pollStop context.CancelFunc
}

// New builds a supervisor for the session's resolved server command.
func New(cfg config.ServerConfig, sess *project.Session, book *logbook.Logbook, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		sess:    sess,
		book:    book,
		logger:  logger.Named("supervisor"),
		readyCh: make(chan ReadyCause, 1),
		doneCh:  make(chan struct{}),
	}
}

// Start spawns the child process and begins mirroring its stdout/stderr into
// the logbook. The child runs in its own process group so Stop can signal the
// whole tree, and carries the session marker env var to break circular
// invocations.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	if strings.TrimSpace(s.sess.Command) == "" {
		return fmt.Errorf("no server command configured")
	}

	cmd := exec.Command("/bin/sh", "-c", s.sess.Command)
	cmd.Dir = s.sess.ProjectDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, project.EnvSessionMarker+"="+s.sess.ID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server command %q: %w", s.sess.Command, err)
	}
	s.cmd = cmd
	s.logger.Info("Dev server spawned.",
		zap.Int("pid", cmd.Process.Pid), zap.String("command", s.sess.Command))

	s.scanWG.Add(2)
	go s.scanStream(stdout, logbook.EventStdout)
	go s.scanStream(stderr, logbook.EventStderr)

	// Port-poll fallback for servers that never print a recognizable marker.
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollStop = cancel
	go s.pollPort(pollCtx)

	go s.wait()
	return nil
}

// WaitReady blocks until a readiness condition fires, the child exits, the
// timeout elapses, or ctx is cancelled. The first satisfied readiness
// condition wins; the other wait is cancelled.
func (s *Supervisor) WaitReady(ctx context.Context) (ReadyCause, error) {
	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case cause := <-s.readyCh:
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		if s.pollStop != nil {
			s.pollStop()
		}
		s.logger.Info("Dev server is ready.", zap.String("cause", string(cause)))
		return cause, nil
	case <-s.doneCh:
		return "", fmt.Errorf("server exited before becoming ready (exit code %d)", s.status.Code)
	case <-timer.C:
		return "", fmt.Errorf("server did not become ready within %s", s.cfg.ReadyTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed when the child process has exited for any reason.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// ExitStatus is valid after Done is closed.
func (s *Supervisor) ExitStatus() ExitStatus { return s.status }

// Stop terminates the child gracefully: SIGTERM to the process group, a
// bounded grace period, then SIGKILL. Idempotent; returns once the child has
// exited or the context is done.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}

		pgid := -cmd.Process.Pid
		s.logger.Info("Stopping dev server.", zap.Int("pid", cmd.Process.Pid))
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			s.logger.Debug("SIGTERM failed; process may already be gone.", zap.Error(err))
		}

		grace := time.NewTimer(s.cfg.GracePeriod)
		defer grace.Stop()
		select {
		case <-s.doneCh:
			return
		case <-grace.C:
		case <-ctx.Done():
		}

		s.logger.Warn("Dev server did not exit in time; force killing.")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			s.logger.Debug("SIGKILL failed.", zap.Error(err))
		}
		select {
		case <-s.doneCh:
		case <-time.After(2 * time.Second):
			s.logger.Error("Dev server still not reaped after SIGKILL.")
		}
	})
}

// scanStream mirrors one child output stream into the logbook line by line.
func (s *Supervisor) scanStream(r io.Reader, eventType logbook.EventType) {
	defer s.scanWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.recordTail(line)
		if err := s.book.Append(logbook.Entry{
			Source:  logbook.SourceServer,
			Type:    eventType,
			Message: line,
		}); err != nil {
			s.logger.Warn("Failed to append server output.", zap.Error(err))
		}
		s.checkMarkers(line)
	}
}

// checkMarkers declares readiness when a configured marker appears in output.
func (s *Supervisor) checkMarkers(line string) {
	s.mu.Lock()
	alreadyReady := s.ready
	s.mu.Unlock()
	if alreadyReady {
		return
	}
	lower := strings.ToLower(line)
	for _, marker := range s.cfg.ReadyMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			s.markReady(ReadyByMarker)
			return
		}
	}
}

// pollPort is the bounded TCP fallback: a fixed number of attempts at a fixed
// interval against the expected dev-server port.
func (s *Supervisor) pollPort(ctx context.Context) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.sess.AppPort)
	ticker := time.NewTicker(s.cfg.PortPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.cfg.PortPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, s.cfg.PortPollInterval)
			if err == nil {
				conn.Close()
				s.markReady(ReadyByPort)
				return
			}
		}
	}
}

func (s *Supervisor) markReady(cause ReadyCause) {
	s.readyOnce.Do(func() {
		s.readyCh <- cause
	})
}

// wait reaps the child and classifies the exit. An exit not initiated by Stop
// is a crash when the code is non-zero or readiness was never reached; a clean
// unexpected exit is logged as lifecycle. Either way Done is closed so the
// coordinator can react.
func (s *Supervisor) wait() {
	// The pipes must be drained before Wait closes them.
	s.scanWG.Wait()
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	expected := s.stopping
	ready := s.ready
	s.mu.Unlock()

	s.status = ExitStatus{Code: code, Expected: expected, Ready: ready}

	if !expected {
		if code != 0 || !ready {
			msg := fmt.Sprintf("Dev server exited unexpectedly with code %d", code)
			if tail := s.outputTail(); tail != "" {
				msg += "; recent output:\n" + tail
			}
			s.append(logbook.SourceSystem, logbook.EventCrash, msg)
			s.logger.Error("Dev server crashed.", zap.Int("exit_code", code))
		} else {
			s.append(logbook.SourceSystem, logbook.EventLifecycle, "Dev server exited cleanly")
			s.logger.Info("Dev server exited cleanly.")
		}
	}
	close(s.doneCh)
}

func (s *Supervisor) append(src logbook.Source, t logbook.EventType, msg string) {
	if err := s.book.Append(logbook.Entry{Source: src, Type: t, Message: msg}); err != nil {
		s.logger.Warn("Failed to append entry.", zap.Error(err))
	}
}

func (s *Supervisor) recordTail(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tailBuf = append(s.tailBuf, line)
	if len(s.tailBuf) > tailSize {
		s.tailBuf = s.tailBuf[len(s.tailBuf)-tailSize:]
	}
}

func (s *Supervisor) outputTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.tailBuf, "\n")
}
