// File: internal/logbook/logbook.go
package logbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Logbook is the single append point for all session events. Every write is
// flushed to the persistent log file and fanned out to live subscribers in the
// same order Append was called. The file is the durable artifact; the in-memory
// slice backs queries and late subscribers.
type Logbook struct {
	logger *zap.Logger
	mode   TimestampMode
	path   string

	mu          sync.Mutex
	file        *os.File
	entries     []Entry
	subscribers map[int]chan Entry
	nextSubID   int
	writeErrs   int
	closed      bool

	// now is swappable for tests.
	now func() time.Time
}

// New opens (or creates) the combined log file at path in append mode and
// returns a Logbook writing to it. Pre-existing content from a previous run is
// preserved, never truncated.
func New(path string, mode TimestampMode, logger *zap.Logger) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &Logbook{
		logger:      logger.Named("logbook"),
		mode:        mode,
		path:        path,
		file:        f,
		subscribers: make(map[int]chan Entry),
		now:         time.Now,
	}, nil
}

// Path returns the combined log file path.
func (b *Logbook) Path() string { return b.path }

// Mode returns the configured timestamp mode.
func (b *Logbook) Mode() TimestampMode { return b.mode }

// Append stamps, validates, persists and fans out one entry. Entries appear in
// the file and in every subscription in exactly the order Append is called.
// A file write failure is reported through the diagnostic logger and does not
// fail the append: in-memory consumers still receive the entry.
func (b *Logbook) Append(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = b.mode.Stamp(b.now())
	}
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("logbook is closed")
	}

	// Unbuffered write: a reader polling the file right after Append returns
	// must observe the line.
	if _, err := fmt.Fprintln(b.file, e.Line()); err != nil {
		b.writeErrs++
		b.logger.Error("Failed to write log entry to file.",
			zap.String("path", b.path), zap.Error(err))
	}

	b.entries = append(b.entries, e)
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Never block the append path on a slow consumer; drop for them.
			b.logger.Warn("Dropping log entry for slow subscriber.", zap.Int("subscriber", id))
		}
	}
	return nil
}

// Subscribe registers a live consumer. Entries arrive in append order. The
// returned cancel function is idempotent and closes the channel.
func (b *Logbook) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Entry, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Snapshot returns a copy of all entries appended so far, in order.
func (b *Logbook) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of entries appended so far.
func (b *Logbook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// WriteFailures reports how many file writes have failed this session.
func (b *Logbook) WriteFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErrs
}

// Close closes the file and all subscriptions. Appends after Close fail.
func (b *Logbook) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	return b.file.Close()
}

// Follow tails an existing combined log file (another session's, typically)
// and delivers parsed entries until ctx is done. Lines that predate the call
// are skipped; malformed lines are ignored.
func Follow(ctx context.Context, path string, logger *zap.Logger) (<-chan Entry, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail log file %s: %w", path, err)
	}

	out := make(chan Entry, 256)
	go func() {
		defer close(out)
		defer func() {
			t.Stop()
			t.Cleanup()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-t.Lines:
				if !ok {
					return
				}
				if line.Err != nil {
					logger.Warn("Error reading tailed log file.", zap.Error(line.Err))
					continue
				}
				entry, err := ParseLine(line.Text)
				if err != nil {
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
