package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/najoast/durable/cluster"
	"github.com/najoast/durable/config"
	"github.com/najoast/durable/placement"
	"github.com/najoast/durable/storage"
)

// Service names registered by Application.
const (
	ServiceStorage     = "storage"
	ServiceCoordinator = "coordinator"
	ServiceDispatcher  = "dispatcher"
	ServiceWatcher     = "config-watcher"
)

func storageOptions(cfg config.StorageConfig) storage.Options {
	return storage.Options{
		Type: cfg.Type,
		Dir:  cfg.Dir,
		Redis: storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
	}
}

// storageService opens the storage provider actors persist through.
type storageService struct {
	app *Application
}

func (s *storageService) Name() string { return ServiceStorage }

func (s *storageService) Start(ctx context.Context) error {
	provider, err := storage.New(storageOptions(s.app.cfg.Storage))
	if err != nil {
		return err
	}
	s.app.mu.Lock()
	s.app.storage = provider
	s.app.mu.Unlock()
	s.app.logger.Info("storage opened", "type", s.app.cfg.Storage.Type)
	return nil
}

func (s *storageService) Stop(ctx context.Context) error {
	s.app.mu.Lock()
	provider := s.app.storage
	s.app.storage = nil
	s.app.mu.Unlock()
	if provider == nil {
		return nil
	}
	return provider.Close()
}

func (s *storageService) Health(ctx context.Context) (HealthStatus, error) {
	s.app.mu.RLock()
	defer s.app.mu.RUnlock()
	if s.app.storage == nil {
		return HealthStatus{State: HealthStopped, Message: "storage not open"}, nil
	}
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"type": s.app.cfg.Storage.Type},
	}, nil
}

// coordinatorService owns the Coordinator and, through it, the hosts.
type coordinatorService struct {
	app *Application
}

func (s *coordinatorService) Name() string { return ServiceCoordinator }

func (s *coordinatorService) Start(ctx context.Context) error {
	cfg := s.app.cfg
	hasher, err := placement.ByName(cfg.Coordinator.Hash)
	if err != nil {
		return err
	}

	launcher := s.app.opts.Launcher
	if launcher == nil && cfg.Coordinator.Hosts > 0 {
		launcher = &cluster.ExecLauncher{
			Args:         s.app.opts.HostArgs,
			Env:          s.app.opts.HostEnv,
			ReadyTimeout: cfg.Coordinator.ReadyTimeout,
			Logger:       s.app.logger,
		}
	}

	dir := cfg.Coordinator.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}

	s.app.mu.RLock()
	provider := s.app.storage
	s.app.mu.RUnlock()

	coordinator, err := cluster.NewCoordinator(ctx, cluster.Options{
		Hosts:            cfg.Coordinator.Hosts,
		Launcher:         launcher,
		SocketScheme:     cluster.SocketPaths(dir, cfg.Coordinator.SocketPrefix),
		Storage:          provider,
		Resolver:         s.app.opts.Resolver,
		Env:              cfg.Actor.Env,
		IdleTimeout:      cfg.Actor.IdleTimeout,
		SweepInterval:    cfg.Actor.SweepInterval,
		Hasher:           hasher,
		Transport:        cfg.Transport,
		TerminateTimeout: cfg.Coordinator.TerminateTimeout,
		Logger:           s.app.logger,
	})
	if err != nil {
		return err
	}

	s.app.mu.Lock()
	s.app.coordinator = coordinator
	s.app.mu.Unlock()
	return nil
}

func (s *coordinatorService) Stop(ctx context.Context) error {
	s.app.mu.Lock()
	coordinator := s.app.coordinator
	s.app.coordinator = nil
	s.app.mu.Unlock()
	if coordinator == nil {
		return nil
	}
	return coordinator.Close(ctx)
}

func (s *coordinatorService) Health(ctx context.Context) (HealthStatus, error) {
	coordinator := s.app.Coordinator()
	if coordinator == nil {
		return HealthStatus{State: HealthStopped, Message: "coordinator not running"}, nil
	}

	data := map[string]any{}
	if registry := coordinator.Registry(); registry != nil {
		data["mode"] = "local"
		data["registry"] = registry.Stats()
		return HealthStatus{State: HealthHealthy, Data: data}, nil
	}

	hosts := coordinator.Hosts()
	data["mode"] = "router"
	data["hosts"] = len(hosts)
	exited := 0
	for _, h := range hosts {
		select {
		case <-h.Process.Done():
			exited++
		default:
		}
	}
	data["exited"] = exited
	if exited > 0 {
		return HealthStatus{
			State:   HealthUnhealthy,
			Message: fmt.Sprintf("%d of %d hosts exited", exited, len(hosts)),
			Data:    data,
		}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: data}, nil
}

// dispatcherService serves the identities placed on this host.
type dispatcherService struct {
	app        *Application
	socketPath string
	index      int
}

func (s *dispatcherService) Name() string { return ServiceDispatcher }

func (s *dispatcherService) Start(ctx context.Context) error {
	cfg := s.app.cfg

	s.app.mu.RLock()
	provider := s.app.storage
	s.app.mu.RUnlock()

	dispatcher, err := cluster.NewDispatcher(cluster.DispatcherOptions{
		SocketPath:    s.socketPath,
		Storage:       provider,
		Resolver:      s.app.opts.Resolver,
		Env:           cfg.Actor.Env,
		IdleTimeout:   cfg.Actor.IdleTimeout,
		SweepInterval: cfg.Actor.SweepInterval,
		Transport:     cfg.Transport,
		Logger:        s.app.logger.With("host", s.index),
	})
	if err != nil {
		return err
	}
	// The sweeper outlives the start timeout; Stop ends it.
	if err := dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	s.app.mu.Lock()
	s.app.dispatcher = dispatcher
	s.app.mu.Unlock()
	s.app.logger.Info("host ready", "host", s.index, "socket", s.socketPath)
	return nil
}

func (s *dispatcherService) Stop(ctx context.Context) error {
	s.app.mu.Lock()
	dispatcher := s.app.dispatcher
	s.app.dispatcher = nil
	s.app.mu.Unlock()
	if dispatcher == nil {
		return nil
	}
	return dispatcher.Shutdown(ctx)
}

func (s *dispatcherService) Health(ctx context.Context) (HealthStatus, error) {
	dispatcher := s.app.Dispatcher()
	if dispatcher == nil {
		return HealthStatus{State: HealthStopped, Message: "dispatcher not running"}, nil
	}
	stats := dispatcher.Stats()
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]any{
			"served":    stats.Served,
			"failed":    stats.Failed,
			"abandoned": stats.Abandoned,
			"registry":  stats.Registry,
			"server":    stats.Server,
		},
	}, nil
}

// watcherService hot-reloads the configuration file.
type watcherService struct {
	app     *Application
	watcher *config.Watcher
}

func (s *watcherService) Name() string { return ServiceWatcher }

func (s *watcherService) Start(ctx context.Context) error {
	watcher, err := config.NewWatcher(s.app.opts.ConfigFile, s.app.loader)
	if err != nil {
		return err
	}
	watcher.SetLogger(s.app.logger)
	if s.app.opts.ReloadDebounce > 0 {
		watcher.SetDebounce(s.app.opts.ReloadDebounce)
	}
	watcher.OnConfigChange(s.app.applyConfig)
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}
	s.watcher = watcher
	return nil
}

func (s *watcherService) Stop(ctx context.Context) error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Stop()
	s.watcher = nil
	return err
}

func (s *watcherService) Health(ctx context.Context) (HealthStatus, error) {
	if s.watcher == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"file": s.app.opts.ConfigFile},
	}, nil
}
