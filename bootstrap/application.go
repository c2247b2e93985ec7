package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/durable/cluster"
	"github.com/najoast/durable/config"
	"github.com/najoast/durable/core"
	"github.com/najoast/durable/storage"
)

// ErrNotRunning is returned by Resolve before Start or after Stop, and in
// host mode.
var ErrNotRunning = errors.New("coordinator is not running")

// Mode selects what an Application runs.
type Mode string

const (
	// ModeCoordinator runs a Coordinator, spawning hosts when configured.
	ModeCoordinator Mode = "coordinator"

	// ModeHost runs a host Dispatcher on the socket its coordinator chose.
	ModeHost Mode = "host"
)

// Options configures an Application.
type Options struct {
	// Mode defaults to ModeCoordinator.
	Mode Mode

	// ConfigFile is loaded and, when set, watched for changes. Empty
	// searches the loader's paths.
	ConfigFile string

	// Config replaces loading entirely when set.
	Config *config.Config

	// Loader defaults to config.NewLoader().
	Loader *config.Loader

	// Resolver maps descriptors to actor code. Required.
	Resolver core.Resolver

	// Launcher overrides how hosts are started. Nil re-executes the current
	// binary with HostArgs and HostEnv.
	Launcher cluster.Launcher
	HostArgs []string
	HostEnv  []string

	// SocketPath is the host socket in ModeHost. Empty reads it from the
	// environment set by the launcher.
	SocketPath string

	// LogWriter replaces the configured log output.
	LogWriter io.Writer

	// ShutdownTimeout bounds Stop when Run returns, and each service's
	// start or stop. Zero means 30s.
	ShutdownTimeout time.Duration

	// ReloadDebounce overrides the config watcher's debounce.
	ReloadDebounce time.Duration
}

// Application runs one durable process: a coordinator or a host.
type Application struct {
	opts   Options
	cfg    *config.Config
	loader *config.Loader

	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer

	lifecycle *DefaultLifecycleManager

	mu          sync.RWMutex
	storage     storage.Provider
	coordinator *cluster.Coordinator
	dispatcher  *cluster.Dispatcher
}

// NewApplication loads configuration, builds the logger and registers the
// services for opts.Mode. Nothing is started until Start or Run.
func NewApplication(opts Options) (*Application, error) {
	if opts.Resolver == nil {
		return nil, &ApplicationError{Operation: "configure", Err: errors.New("a resolver is required")}
	}
	if opts.Mode == "" {
		opts.Mode = ModeCoordinator
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	loader := opts.Loader
	if loader == nil {
		loader = config.NewLoader()
	}

	var cfg *config.Config
	if opts.Config != nil {
		if err := opts.Config.Validate(); err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		cfg = opts.Config.Clone()
	} else {
		loaded, err := loader.Load(opts.ConfigFile)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		cfg = loaded
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Log.Level.SlogLevel())
	logger, closer, err := newLogger(cfg.App, cfg.Log, level, opts.LogWriter)
	if err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	app := &Application{
		opts:      opts,
		cfg:       cfg,
		loader:    loader,
		logger:    logger,
		level:     level,
		logCloser: closer,
		lifecycle: NewLifecycleManager(logger),
	}
	app.lifecycle.SetTimeout(opts.ShutdownTimeout)
	app.lifecycle.AddListener(func(e LifecycleEvent) {
		app.logger.Debug("lifecycle", "event", e.Type, "service", e.Service)
	})
	if err := app.registerServices(); err != nil {
		app.closeLog()
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}
	return app, nil
}

func (app *Application) registerServices() error {
	lm := app.lifecycle
	var main string

	switch app.opts.Mode {
	case ModeCoordinator:
		main = ServiceCoordinator
		if app.cfg.IsLocal() {
			if err := lm.Register(ServiceStorage, &storageService{app: app}); err != nil {
				return err
			}
			if err := lm.Register(ServiceCoordinator, &coordinatorService{app: app}, ServiceStorage); err != nil {
				return err
			}
		} else if err := lm.Register(ServiceCoordinator, &coordinatorService{app: app}); err != nil {
			return err
		}

	case ModeHost:
		main = ServiceDispatcher
		socketPath, index := app.opts.SocketPath, 0
		if socketPath == "" {
			var ok bool
			socketPath, index, ok = cluster.HostEnv()
			if !ok {
				return fmt.Errorf("host mode needs a socket path; %s is not set", cluster.EnvHostSocket)
			}
		}
		if err := lm.Register(ServiceStorage, &storageService{app: app}); err != nil {
			return err
		}
		dispatcher := &dispatcherService{app: app, socketPath: socketPath, index: index}
		if err := lm.Register(ServiceDispatcher, dispatcher, ServiceStorage); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown mode %q", app.opts.Mode)
	}

	if app.opts.ConfigFile != "" && app.opts.Config == nil {
		return lm.Register(ServiceWatcher, &watcherService{app: app}, main)
	}
	return nil
}

// Start starts every service in dependency order.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting", "mode", app.opts.Mode, "hosts", app.cfg.Coordinator.Hosts,
		"storage", app.cfg.Storage.Type)
	return app.lifecycle.Start(ctx)
}

// Stop stops every service in reverse order and closes the log output.
func (app *Application) Stop(ctx context.Context) error {
	err := app.lifecycle.Stop(ctx)
	if err != nil {
		app.logger.Error("shutdown incomplete", "error", err)
	} else {
		app.logger.Info("stopped")
	}
	app.closeLog()
	return err
}

// Run starts the application and blocks until ctx is done or the process
// receives SIGINT or SIGTERM, then stops it.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		app.closeLog()
		return err
	}

	<-ctx.Done()
	app.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.opts.ShutdownTimeout)
	defer cancel()
	return app.Stop(shutdownCtx)
}

// Resolve returns a Dispatchable for identity through the running
// coordinator.
func (app *Application) Resolve(ctx context.Context, identity string, d core.Descriptor) (core.Dispatchable, error) {
	coordinator := app.Coordinator()
	if coordinator == nil {
		return nil, ErrNotRunning
	}
	return coordinator.Resolve(ctx, identity, d)
}

// Health reports every service.
func (app *Application) Health(ctx context.Context) (map[string]HealthStatus, error) {
	return app.lifecycle.Health(ctx)
}

// Config returns the configuration in effect. Hot-reloaded fields are
// reflected.
func (app *Application) Config() *config.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.cfg.Clone()
}

// Logger returns the root logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// Coordinator returns the running coordinator, or nil.
func (app *Application) Coordinator() *cluster.Coordinator {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.coordinator
}

// Dispatcher returns the running host dispatcher, or nil.
func (app *Application) Dispatcher() *cluster.Dispatcher {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.dispatcher
}

// LifecycleManager returns the lifecycle manager
func (app *Application) LifecycleManager() LifecycleManager {
	return app.lifecycle
}

// applyConfig applies the hot-reloadable parts of a changed configuration.
// The host count fixes placement, so a change to it only warns.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if oldConfig.Log.Level != newConfig.Log.Level {
		app.level.Set(newConfig.Log.Level.SlogLevel())
		app.cfg.Log.Level = newConfig.Log.Level
		app.logger.Info("log level changed", "level", newConfig.Log.Level)
	}

	if oldConfig.Actor.IdleTimeout != newConfig.Actor.IdleTimeout {
		idle := newConfig.Actor.IdleTimeout
		app.cfg.Actor.IdleTimeout = idle
		if app.coordinator != nil {
			app.coordinator.SetIdleTimeout(idle)
		}
		if app.dispatcher != nil {
			app.dispatcher.Registry().SetIdleTimeout(idle)
		}
		app.logger.Info("idle timeout changed", "idle_timeout", idle)
	}

	if oldConfig.Coordinator.Hosts != newConfig.Coordinator.Hosts {
		app.logger.Warn("host count cannot change while running; restart to apply",
			"running", app.cfg.Coordinator.Hosts, "configured", newConfig.Coordinator.Hosts)
	}
}

func (app *Application) closeLog() {
	if app.logCloser != nil {
		app.logCloser.Close()
		app.logCloser = nil
	}
}
