package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when it changes. It watches the
// file's directory so editors that replace the file by rename are still
// picked up.
type Watcher struct {
	configFile string
	loader     *Loader

	configMu sync.RWMutex
	config   *Config

	// reloadMu orders reloads so callbacks see changes in sequence.
	reloadMu sync.Mutex

	callbacksMu sync.RWMutex
	callbacks   []ConfigChangeCallback

	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// ConfigChangeCallback is called when configuration changes. Callbacks run
// one at a time in registration order.
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// NewWatcher creates a new configuration watcher and loads the file once.
func NewWatcher(configFile string, loader *Loader) (*Watcher, error) {
	if _, err := formatOf(configFile); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	config, err := loader.LoadFromFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		configFile: abs,
		loader:     loader,
		config:     config,
		fsWatcher:  fsWatcher,
		debounce:   500 * time.Millisecond,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetDebounce sets how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// SetLogger sets the logger used for reload reports.
func (w *Watcher) SetLogger(logger *slog.Logger) *Watcher {
	w.logger = logger.With("component", "config-watcher", "file", w.configFile)
	return w
}

// Start starts watching the configuration file
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configFile)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.cancel()
		w.stopErr = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return w.stopErr
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

// watchLoop runs until Stop. Several events arrive for one save, so a
// reload waits until none have arrived for the debounce period. Reloads run
// on this goroutine, which Stop waits for.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				settle.Reset(w.debounce)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.logger.Debug("config file removed or renamed")
			}

		case <-settle.C:
			if err := w.reloadConfig(); err != nil {
				w.logger.Error("failed to reload config, keeping previous", "error", err)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reloadConfig reloads the configuration from file. An invalid file leaves
// the current configuration in place.
func (w *Watcher) reloadConfig() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.logger.Info("configuration reloaded")
	w.notifyCallbacks(oldConfig, newConfig)
	return nil
}

// notifyCallbacks notifies all registered callbacks of configuration changes
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked", "panic", r)
				}
			}()
			callback(oldConfig, newConfig)
		}()
	}
}
