package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/seasbee/go-logx"
)

// Watcher reloads the configuration file when it changes and hands the new
// value to registered callbacks. An invalid file is logged and ignored.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches path, starting from the already loaded initial config.
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// the directory is watched so editors that save by rename are seen
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		watcher:  fw,
		debounce: 100 * time.Millisecond,
		current:  initial,
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.watchLoop()
	logx.Info("Configuration watcher started", logx.String("path", w.path))
}

// Stop ends watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		logx.Info("Configuration watcher stopped")
	})
}

func (w *Watcher) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logx.Error("Config watcher error", logx.ErrorField(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logx.Error("Failed to reload configuration, keeping current",
			logx.String("path", w.path),
			logx.ErrorField(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	handlers := append(([]func(*Config))(nil), w.onChange...)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	logx.Info("Configuration reloaded", logx.String("path", w.path))
}
