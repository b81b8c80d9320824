package workflow

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/docxology/codomyrmex-sub001/internal/logging"
)

// Watch reloads definitions in dir as files change until ctx is done. Files
// already present are loaded first. Write or create events redefine the
// workflow; remove and rename events drop it.
func (m *Manager) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if _, err := m.LoadFromDirectory(dir); err != nil {
		m.logger.Warnw("some workflow files failed to load", "dir", dir, "error", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				m.handleFileEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warnw("workflow watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) handleFileEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !isDefinitionFile(path) {
		return
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if name, removed := m.unloadFile(path); removed {
			m.logger.Infow("workflow unloaded", logging.KeyWorkflow, name, "file", path)
		}
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if err := m.loadFile(path); err != nil {
			// Editors often write in several steps; the next write retries.
			m.logger.Warnw("workflow reload failed", "file", path, "error", err)
			return
		}
		m.logger.Infow("workflow reloaded", "file", path)
	}
}
