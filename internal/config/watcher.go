package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/platformbuilds/acs-core/pkg/logger"
)

// Watcher hot-reloads one config file and fans the new Config out to
// registered callbacks. A reload that fails validation keeps the previous
// config; callbacks only ever see configs that loaded cleanly.
type Watcher struct {
	configPath string
	logger     logger.Logger

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher builds a watcher seeded with the current config.
func NewWatcher(configPath string, current *Config, log logger.Logger) *Watcher {
	return &Watcher{
		configPath: configPath,
		logger:     log,
		config:     current,
		stopCh:     make(chan struct{}),
	}
}

// Start watches the config file until ctx is cancelled or Stop is called.
// It blocks; run it on its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	w.logger.Info("config watcher started", "path", w.configPath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors and config maps replace files as often as they write
			// them, so Create counts as a change too.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Info("config file changed, reloading", "file", event.Name)
			if err := w.reload(); err != nil {
				w.logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			w.notify()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Info("config watcher stopping")
			return nil

		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return nil
		}
	}
}

// OnChange registers a callback invoked with each successfully reloaded
// config.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) reload() error {
	fresh, err := LoadFile(w.configPath)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.config = fresh
	w.mu.Unlock()
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	fresh := w.config
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked", "panic", r)
				}
			}()
			callback(fresh)
		}()
	}
}
