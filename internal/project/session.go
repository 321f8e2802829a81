// File: internal/project/session.go
package project

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
)

// EnvSessionMarker is set in the dev server's environment so that a project
// whose dev command (directly or through npm scripts) invokes devscope again is
// detected instead of recursing forever.
const EnvSessionMarker = "DEVSCOPE_SESSION"

// Session is the per-invocation identity value created once at startup and
// passed by reference to every component. It pins down every path and port the
// session uses so nothing reads ambient state at arbitrary points.
type Session struct {
	// ID is unique per invocation.
	ID string
	// Key is stable per project (directory), so the browser profile and log
	// file survive across runs.
	Key string
	// ProjectDir is the absolute project directory the dev server runs in.
	ProjectDir string
	// StateDir is the per-user devscope state root (~/.devscope).
	StateDir string
	// LogFile is the combined event log path.
	LogFile string
	// ProfileDir is the persistent browser user-data directory.
	ProfileDir string
	// ScreenshotDir is session-scoped; screenshots never collide across runs.
	ScreenshotDir string

	Command string
	AppPort int
	MCPPort int
}

// NewSession derives the session identity for projectDir. It creates the state
// directory tree but does not take the profile lock; callers lock explicitly so
// servers-only sessions (which never touch the profile) can skip it.
func NewSession(projectDir, command string, appPort, mcpPort int) (*Session, error) {
	if os.Getenv(EnvSessionMarker) != "" {
		return nil, fmt.Errorf("refusing to start: already running inside a devscope session (%s is set); your dev command likely invokes devscope recursively", EnvSessionMarker)
	}

	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	stateDir := filepath.Join(home, ".devscope")

	id := uuid.New().String()
	key := projectKey(abs)

	s := &Session{
		ID:            id,
		Key:           key,
		ProjectDir:    abs,
		StateDir:      stateDir,
		LogFile:       filepath.Join(stateDir, "logs", key+".log"),
		ProfileDir:    filepath.Join(stateDir, "profiles", key),
		ScreenshotDir: filepath.Join(stateDir, "screenshots", id),
		Command:       command,
		AppPort:       appPort,
		MCPPort:       mcpPort,
	}

	for _, dir := range []string{
		filepath.Join(stateDir, "logs"),
		s.ProfileDir,
		s.ScreenshotDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// LogPath derives the combined log file path for a project directory without
// creating any session state. Used by read-only consumers such as
// `devscope tail`.
func LogPath(projectDir string) (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".devscope", "logs", projectKey(abs)+".log"), nil
}

// projectKey is a stable, filesystem-safe identifier for a project directory:
// the directory basename plus a short hash of the full path, so two projects
// with the same name do not share a profile.
func projectKey(absDir string) string {
	h := fnv.New32a()
	h.Write([]byte(absDir))
	base := filepath.Base(absDir)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	return fmt.Sprintf("%s-%08x", base, h.Sum32())
}

// lockFile is the profile lock path for this session's project.
func (s *Session) lockFile() string {
	return filepath.Join(s.ProfileDir, ".devscope-lock")
}

// LockProfile claims exclusive use of the project's browser profile directory.
// A second devscope run against the same project fails fast here rather than
// letting two Chrome instances corrupt the profile. A lock left behind by a
// dead process is reclaimed.
func (s *Session) LockProfile() error {
	path := s.lockFile()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("failed to write profile lock: %w", err)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create profile lock %s: %w", path, err)
		}
		owner, readErr := readLockOwner(path)
		if readErr == nil && processAlive(owner) {
			return fmt.Errorf("project profile is in use by a running devscope session (pid %d); stop it or run 'devscope kill-mcp'", owner)
		}
		// Stale lock from a dead process; reclaim and retry once.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale profile lock: %w", err)
		}
	}
	return fmt.Errorf("failed to acquire profile lock %s", path)
}

// UnlockProfile releases the profile lock. Safe to call when not held.
func (s *Session) UnlockProfile() {
	os.Remove(s.lockFile())
}

func readLockOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether a pid refers to a live process we could signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
