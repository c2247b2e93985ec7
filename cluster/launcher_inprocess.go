package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/najoast/durable/core"
	"github.com/najoast/durable/network"
	"github.com/najoast/durable/storage"
)

// InProcessLauncher runs each host as a Dispatcher inside the current
// process. Hosts still talk over their unix sockets, so placement and the
// wire protocol behave exactly as with child processes.
type InProcessLauncher struct {
	Storage  storage.Provider
	Resolver core.Resolver
	Env      core.Env

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	Transport network.Options
	Logger    *slog.Logger
}

// Launch starts a dispatcher on socketPath.
func (l *InProcessLauncher) Launch(ctx context.Context, index int, socketPath string) (Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d, err := NewDispatcher(DispatcherOptions{
		SocketPath:    socketPath,
		Storage:       l.Storage,
		Resolver:      l.Resolver,
		Env:           l.Env,
		IdleTimeout:   l.IdleTimeout,
		SweepInterval: l.SweepInterval,
		Transport:     l.Transport,
		Logger:        logger.With("host", index),
	})
	if err != nil {
		return nil, err
	}
	if err := d.Start(context.Background()); err != nil {
		return nil, err
	}
	return &inProcess{dispatcher: d, done: make(chan struct{})}, nil
}

type inProcess struct {
	dispatcher *Dispatcher
	done       chan struct{}

	once sync.Once
	err  error
}

// Dispatcher returns the running dispatcher.
func (p *inProcess) Dispatcher() *Dispatcher {
	return p.dispatcher
}

func (p *inProcess) Done() <-chan struct{} {
	return p.done
}

func (p *inProcess) Terminate(ctx context.Context) error {
	p.once.Do(func() {
		p.err = p.dispatcher.Shutdown(ctx)
		close(p.done)
	})
	return p.err
}
