package scheduler

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchBoard converts board file edits into scheduling events. Ticks still
// happen on the regular cadence; the watcher only makes the scheduler
// react faster to human edits. Returns a nil channel when watching is
// unavailable; the caller falls back to pure polling.
func watchBoard(boardPath string, logger *slog.Logger) (<-chan struct{}, func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("board watcher unavailable, polling only", "error", err)
		return nil, func() {}
	}
	// Watch the directory: atomic rename replaces the file inode, which a
	// direct file watch would lose.
	if err := w.Add(filepath.Dir(boardPath)); err != nil {
		logger.Warn("board watcher unavailable, polling only", "error", err)
		w.Close()
		return nil, func() {}
	}

	events := make(chan struct{}, 1)
	base := filepath.Base(boardPath)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case events <- struct{}{}:
				default: // a tick is already pending
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("board watcher error", "error", err)
			}
		}
	}()

	return events, func() { w.Close() }
}
