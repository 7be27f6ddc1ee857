// Package fswatch notifies on local writes under a directory, the same
// recursive notify.Watch pattern the teacher uses for its datasite
// directory, pointed instead at the content-addressed byte store so
// FileSync can detect out-of-band mutation of locally stored bytes.
package fswatch

import (
	"log/slog"

	"github.com/rjeczalik/notify"
)

// Watcher emits an event whenever a file under watchDir is written.
type Watcher struct {
	watchDir string
	events   chan notify.EventInfo
}

// New builds a Watcher over watchDir. Call Start to begin watching.
func New(watchDir string) *Watcher {
	return &Watcher{
		watchDir: watchDir,
		events:   make(chan notify.EventInfo, 16),
	}
}

// Start registers a recursive write watch on watchDir.
func (w *Watcher) Start() error {
	slog.Info("fswatch: start", "dir", w.watchDir)
	recursivePath := w.watchDir + "/..."
	return notify.Watch(recursivePath, w.events, notify.Write)
}

// Stop unregisters the watch and closes the event channel.
func (w *Watcher) Stop() {
	notify.Stop(w.events)
	close(w.events)
	slog.Info("fswatch: stop")
}

// Events returns the channel of raw write notifications.
func (w *Watcher) Events() <-chan notify.EventInfo {
	return w.events
}
