package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// StateFileWatcher follows a file the host platform rewrites with "online"
// or "offline" whenever its network status changes.
type StateFileWatcher struct {
	Path   string
	Logger *slog.Logger
}

func NewStateFileWatcher(path string, logger *slog.Logger) *StateFileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateFileWatcher{Path: path, Logger: logger}
}

// Read returns the state currently in the file. ok is false when the file
// is missing or holds anything else.
func (w *StateFileWatcher) Read() (online bool, ok bool) {
	raw, err := os.ReadFile(w.Path)
	if err != nil {
		return false, false
	}
	switch string(bytes.ToLower(bytes.TrimSpace(raw))) {
	case "online", "1", "up":
		return true, true
	case "offline", "0", "down":
		return false, true
	default:
		return false, false
	}
}

// Run watches the parent directory so replace-by-rename writes are seen too
func (w *StateFileWatcher) Run(ctx context.Context, m *Monitor) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if online, ok := w.Read(); ok {
		m.Set(online)
	}

	target := filepath.Clean(w.Path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			online, ok := w.Read()
			if !ok {
				w.Logger.Warn("Ignoring unreadable connectivity state", "path", w.Path)
				continue
			}
			m.Set(online)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error("Connectivity watcher error", "error", err)
		}
	}
}
