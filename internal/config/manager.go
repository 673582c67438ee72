package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager loads configuration and republishes it on file change. Readers
// always see a complete snapshot; swaps are atomic.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	logger   *slog.Logger
}

// NewManager loads the file at path and returns a manager holding it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration. Register before calling Watch.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Watch reloads the file on change until ctx is cancelled. Rapid edit
// bursts are debounced; a file that fails to parse keeps the previous
// snapshot in place.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounce = 250 * time.Millisecond
	var pending *time.Timer

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			// Editors often replace the file via rename; re-arm the watch
			// so subsequent writes are still seen.
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = m.watcher.Remove(m.path)
				_ = m.watcher.Add(m.path)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, m.reload)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping current", "error", err)
		return
	}

	m.config.Store(cfg)
	m.logger.Info("configuration reloaded", "path", m.path)

	for _, fn := range m.onChange {
		fn(cfg)
	}
}
