// Package cluster places actors across host processes and forwards requests
// to them.
//
// A Coordinator is built once per process. With no hosts every actor runs in
// its local registry. With N hosts each identity is owned by exactly one host,
// chosen by hashing the identity, and the Coordinator hands out RemoteStubs
// that forward requests over that host's unix socket. The host count is fixed
// for the Coordinator's lifetime since changing it would move identities.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/najoast/durable/core"
	"github.com/najoast/durable/network"
	"github.com/najoast/durable/placement"
	"github.com/najoast/durable/storage"
)

// Options configures a Coordinator.
type Options struct {
	// Hosts is the number of host processes. Zero runs everything locally.
	Hosts    int
	Launcher Launcher

	// SocketScheme names host sockets. Nil means SocketPaths(os.TempDir(), "durable").
	SocketScheme SocketScheme

	// Storage and Resolver back the local registry when Hosts is zero.
	Storage  storage.Provider
	Resolver core.Resolver
	Env      core.Env

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Hasher places identities on hosts. Nil means placement.Rolling.
	Hasher placement.Hasher

	Transport        network.Options
	TerminateTimeout time.Duration
	Logger           *slog.Logger
}

// Coordinator routes identities to local containers or remote hosts.
type Coordinator struct {
	opts   Options
	hasher placement.Hasher
	logger *slog.Logger

	hosts    []HostHandle
	registry *core.Registry

	stopSweeper func()
	closed      atomic.Bool
}

// NewCoordinator builds a coordinator and spawns its hosts. A failure to
// spawn any host is returned as a *SpawnError; there is no fallback to
// local execution.
func NewCoordinator(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Hosts < 0 {
		return nil, fmt.Errorf("host count must not be negative: %d", opts.Hosts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = placement.Rolling
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 10 * time.Second
	}

	c := &Coordinator{
		opts:   opts,
		hasher: hasher,
		logger: logger.With("component", "coordinator"),
	}

	if opts.Hosts == 0 {
		if opts.Storage == nil || opts.Resolver == nil {
			return nil, fmt.Errorf("local coordinator requires storage and a resolver")
		}
		c.registry = core.NewRegistry(opts.Storage, opts.Resolver,
			core.WithEnv(opts.Env),
			core.WithLogger(c.logger),
			core.WithIdleTimeout(opts.IdleTimeout))
		if opts.SweepInterval > 0 {
			c.stopSweeper = c.registry.StartSweeper(context.Background(), opts.SweepInterval)
		}
		c.logger.Info("coordinator started", "mode", "local")
		return c, nil
	}

	if opts.Launcher == nil {
		return nil, fmt.Errorf("coordinator with %d hosts requires a launcher", opts.Hosts)
	}
	scheme := opts.SocketScheme
	if scheme == nil {
		scheme = SocketPaths(os.TempDir(), "durable")
	}

	hosts, err := SpawnHosts(ctx, opts.Launcher, opts.Hosts, scheme)
	if err != nil {
		c.logger.Error("failed to spawn hosts", "error", err)
		return nil, err
	}
	c.hosts = hosts
	c.logger.Info("coordinator started", "mode", "router", "hosts", len(hosts), "hash", hasher.Name())
	return c, nil
}

// Resolve returns a Dispatchable for identity.
//
// Locally the actor is woken before returning, so construction errors
// surface here. With hosts, Resolve only computes placement and builds a
// stub; the host constructs the actor on the first request.
func (c *Coordinator) Resolve(ctx context.Context, identity string, d core.Descriptor) (core.Dispatchable, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if identity == "" {
		return nil, core.ErrEmptyIdentity
	}

	if len(c.hosts) == 0 {
		ref := c.registry.Ref(identity, d)
		if _, err := ref.Instance(ctx); err != nil {
			return nil, err
		}
		return ref, nil
	}

	host := c.hosts[c.Place(identity)]
	return NewRemoteStub(identity, d, host.Index, host.SocketPath, c.opts.Transport), nil
}

// Place returns the host index that owns identity, or 0 with no hosts.
func (c *Coordinator) Place(identity string) int {
	return c.hasher.Place(identity, len(c.hosts))
}

// Hosts returns the spawned hosts.
func (c *Coordinator) Hosts() []HostHandle {
	out := make([]HostHandle, len(c.hosts))
	copy(out, c.hosts)
	return out
}

// Registry returns the local registry, or nil when running with hosts.
func (c *Coordinator) Registry() *core.Registry {
	return c.registry
}

// SetIdleTimeout changes the local sweeper timeout. Hosts keep the timeout
// they were started with.
func (c *Coordinator) SetIdleTimeout(d time.Duration) {
	if c.registry != nil {
		c.registry.SetIdleTimeout(d)
	}
}

// Close stops the sweeper, clears the local registry and terminates every
// host. Actor state that was not written to storage is lost.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if c.stopSweeper != nil {
		c.stopSweeper()
	}
	if c.registry != nil {
		if err := c.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.hosts) > 0 {
		stopCtx, cancel := context.WithTimeout(ctx, c.opts.TerminateTimeout)
		defer cancel()
		if err := terminateHosts(stopCtx, c.hosts); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("coordinator closed")
	return errors.Join(errs...)
}
