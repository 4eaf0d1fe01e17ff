package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// HotConfig wraps Config with hot-reload support. Subscribers are notified
// whenever the file on disk is rewritten with a valid configuration; invalid
// rewrites are logged and the previous configuration stays in effect.
type HotConfig struct {
	mu     sync.RWMutex
	cfg    *Config
	path   string
	subs   []func(*Config)
	logger *slog.Logger
}

// NewHotConfig loads the configuration and prepares it for watching.
func NewHotConfig(path string, logger *slog.Logger) (*HotConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &HotConfig{cfg: cfg, path: path, logger: logger}, nil
}

// Get returns the current configuration.
func (hc *HotConfig) Get() *Config {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.cfg
}

// OnReload registers a callback invoked after each successful reload.
// Callbacks must be registered before Watch is called.
func (hc *HotConfig) OnReload(fn func(*Config)) {
	hc.subs = append(hc.subs, fn)
}

func (hc *HotConfig) reload() {
	cfg, err := Load(hc.path)
	if err != nil {
		hc.logger.Error("Config reload failed, keeping previous configuration",
			slog.String("path", hc.path),
			slog.String("error", err.Error()),
		)
		return
	}

	hc.mu.Lock()
	hc.cfg = cfg
	hc.mu.Unlock()

	hc.logger.Info("Configuration reloaded", slog.String("path", hc.path))
	for _, fn := range hc.subs {
		fn(cfg)
	}
}

// Watch starts watching the config file for changes. It returns after the
// watcher goroutine is set up; failures to watch are logged, not fatal.
func (hc *HotConfig) Watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		hc.logger.Error("Config watcher failed", slog.String("error", err.Error()))
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					hc.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				hc.logger.Error("Config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	if err := watcher.Add(hc.path); err != nil {
		hc.logger.Error("Failed to watch config file",
			slog.String("path", hc.path),
			slog.String("error", err.Error()),
		)
	}
}
