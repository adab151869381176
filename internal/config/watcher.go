// Package config provides configuration management for the orchestrator.
// This file implements hot reloading of the ontology file.
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// OntologyWatcher watches the configured ontology file and invokes
// registered callbacks when it changes, so a redeployed ontology flows
// through without a process restart.
type OntologyWatcher struct {
	path      string
	callbacks []func(path string)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewOntologyWatcher creates a watcher for the given ontology file. An empty
// path returns a no-op watcher (the built-in ontology is in use).
func NewOntologyWatcher(path string, logger *zap.Logger) (*OntologyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &OntologyWatcher{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if path == "" {
		return w, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = fsWatcher

	// Watch the directory so atomic rename-over-write is observed.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch ontology directory: %w", err)
	}

	go w.watchLoop()

	logger.Info("Ontology hot reloading enabled", zap.String("path", path))
	return w, nil
}

// OnChange registers a callback invoked with the ontology path on change.
func (w *OntologyWatcher) OnChange(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

func (w *OntologyWatcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
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
			w.logger.Info("Ontology file changed, reloading",
				zap.String("path", w.path),
				zap.String("op", event.Op.String()),
			)
			w.mu.RLock()
			callbacks := make([]func(string), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()
			for _, fn := range callbacks {
				fn(w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Ontology watcher error", zap.Error(err))
		}
	}
}

// Stop shuts the watcher down.
func (w *OntologyWatcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
