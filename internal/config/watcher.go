package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for path. onChange receives every config
// that loads and validates; invalid edits are logged and ignored.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, onChange: onChange}
}

// Watch blocks until ctx is done. It watches the parent directory so that
// editors replacing the file by rename are picked up.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	w.logger.Info("watching config file", "path", w.path)

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
			w.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("failed to reload config", "error", err)
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}
