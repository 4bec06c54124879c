package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Publisher delivers activity records to a sink.
type Publisher interface {
	Publish(Record)
	Close() error
}

// NopPublisher discards all records. Useful in tests and for commands that
// do not need an activity trail.
type NopPublisher struct{}

func (NopPublisher) Publish(Record) {}
func (NopPublisher) Close() error   { return nil }

// ActivityLog appends records to a JSONL file. The file is opened with
// O_APPEND so concurrent appenders (worker children and the scheduler)
// interleave whole lines rather than corrupting each other.
type ActivityLog struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	f  *os.File
}

// NewActivityLog creates an activity log writing to path. The file and its
// parent directories are created on first publish.
func NewActivityLog(path string, logger *slog.Logger) *ActivityLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityLog{path: path, logger: logger}
}

// Publish appends one record. Failures are logged and swallowed: the
// activity trail is diagnostic, not load-bearing.
func (a *ActivityLog) Publish(rec Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		a.logger.Warn("marshal activity record", "event", rec.Event, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
			a.logger.Warn("create activity log dir", "error", err)
			return
		}
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			a.logger.Warn("open activity log", "path", a.path, "error", err)
			return
		}
		a.f = f
	}

	if _, err := a.f.Write(append(line, '\n')); err != nil {
		a.logger.Warn("append activity record", "error", err)
	}
}

// Close closes the underlying file.
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	if err != nil {
		return fmt.Errorf("close activity log: %w", err)
	}
	return nil
}
