package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher watches a configuration file and invokes a callback with the
// re-parsed configuration on change. A change that fails to parse or
// validate is logged and dropped; the previous configuration stays in
// effect.
type Watcher struct {
	path    string
	logger  *telemetry.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, logger *telemetry.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger.NewComponentLogger("config-watcher"),
	}
}

// Watch starts watching until ctx is cancelled. reloadFn is called with
// every successfully parsed new configuration.
func (w *Watcher) Watch(ctx context.Context, reloadFn func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.watcher = watcher

	// Watch the directory rather than the file itself. Editors and
	// config management tools replace the file via rename, which would
	// otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	go w.processEvents(ctx, reloadFn)

	w.logger.WithField("path", w.path).Info("watching configuration file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, reloadFn func(*Config) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.WithField("op", event.Op.String()).Debug("configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDebounce, func() {
				w.reload(reloadFn)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("configuration watcher error")
		}
	}
}

func (w *Watcher) reload(reloadFn func(*Config) error) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("rejecting changed configuration")
		return
	}
	if err := reloadFn(cfg); err != nil {
		w.logger.WithError(err).Error("failed to apply changed configuration")
		return
	}
	w.logger.Info("configuration reloaded")
}

// Stop closes the underlying file watcher.
func (w *Watcher) Stop() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
