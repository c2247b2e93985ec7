package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/durable/storage"
)

// Registry maps actor identities to containers within one process. At most
// one container exists per identity at any time.
type Registry struct {
	provider storage.Provider
	resolver Resolver
	env      Env
	logger   *slog.Logger
	now      func() time.Time

	containers sync.Map // map[string]*Container

	idleTimeout atomic.Int64
	stats       registryCounters
	closed      atomic.Bool
}

type registryCounters struct {
	created      atomic.Uint64
	wakes        atomic.Uint64
	hibernations atomic.Uint64
	removals     atomic.Uint64
}

// RegistryStats is a point-in-time view of a registry.
type RegistryStats struct {
	Containers   int    `json:"containers"`
	Live         int    `json:"live"`
	Created      uint64 `json:"created"`
	Wakes        uint64 `json:"wakes"`
	Hibernations uint64 `json:"hibernations"`
	Removals     uint64 `json:"removals"`
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Hibernated int
	Removed    int
	Busy       int

	// Held counts idle containers kept because a GetOrCreate caller has
	// not released them.
	Held int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEnv sets the environment passed to every factory.
func WithEnv(env Env) RegistryOption {
	return func(r *Registry) {
		r.env = env.Clone()
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIdleTimeout sets the timeout used by StartSweeper.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTimeout.Store(int64(d))
	}
}

// NewRegistry creates a registry that opens storage from provider and
// builds actors through resolver.
func NewRegistry(provider storage.Provider, resolver Resolver, opts ...RegistryOption) *Registry {
	r := &Registry{
		provider: provider,
		resolver: resolver,
		env:      Env{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the container for identity, creating it and opening
// its storage handle if none exists. It never constructs the actor.
//
// The caller holds a reference until it calls Container.Release; until
// then the sweeper may hibernate the container but will not remove it.
func (r *Registry) GetOrCreate(ctx context.Context, identity string) (*Container, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	for {
		if r.closed.Load() {
			return nil, ErrRegistryClosed
		}
		if v, ok := r.containers.Load(identity); ok {
			c := v.(*Container)
			if c.retain() {
				return c, nil
			}
			r.containers.CompareAndDelete(identity, c)
			continue
		}

		store, err := r.provider.Open(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("open storage for %q: %w", identity, err)
		}

		c := newContainer(r, identity, store)
		if _, loaded := r.containers.LoadOrStore(identity, c); loaded {
			// Lost the race; keep the winner.
			store.Close()
			continue
		}
		if r.closed.Load() {
			// Close ran between the check above and the store.
			c.markRemoved()
			r.containers.CompareAndDelete(identity, c)
			store.Close()
			return nil, ErrRegistryClosed
		}

		r.stats.created.Add(1)
		return c, nil
	}
}

// Lookup returns the container for identity without creating one.
func (r *Registry) Lookup(identity string) (*Container, bool) {
	v, ok := r.containers.Load(identity)
	if !ok {
		return nil, false
	}
	c := v.(*Container)
	if c.removed.Load() {
		return nil, false
	}
	return c, true
}

// Instance returns the live instance for identity, waking it if needed.
func (r *Registry) Instance(ctx context.Context, identity string, d Descriptor) (Actor, error) {
	factory, err := r.resolver.Resolve(d)
	if err != nil {
		return nil, err
	}

	c, err := r.acquire(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer c.unlock()

	return c.wake(ctx, d, factory)
}

// Dispatch delivers req to the actor for identity, waking it if needed.
// Calls for the same identity run one at a time in arrival order of the
// lock; calls for different identities run concurrently.
//
// The lock is released when the actor's Handle returns, so a streamed
// response body may still be read after the next request has started.
func (r *Registry) Dispatch(ctx context.Context, identity string, d Descriptor, req *Request) (*Response, error) {
	factory, err := r.resolver.Resolve(d)
	if err != nil {
		return nil, err
	}

	c, err := r.acquire(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer c.unlock()

	return c.handle(ctx, d, factory, req)
}

// Ref returns a Dispatchable bound to identity in this registry.
func (r *Registry) Ref(identity string, d Descriptor) *Ref {
	return &Ref{registry: r, identity: identity, descriptor: d}
}

// acquire returns the locked, not removed container for identity. The
// lock stands in for the GetOrCreate reference, which is released.
func (r *Registry) acquire(ctx context.Context, identity string) (*Container, error) {
	for {
		c, err := r.GetOrCreate(ctx, identity)
		if err != nil {
			return nil, err
		}
		err = c.lock(ctx)
		c.Release()
		if err != nil {
			return nil, err
		}
		if !c.removed.Load() {
			return c, nil
		}
		// Cleared while we waited.
		c.unlock()
	}
}

// Sweep examines every container whose last activity is older than idle.
// A live one is hibernated; an already hibernated one that nobody holds or
// waits for is removed and its storage handle closed. Containers that are
// busy are skipped, so a request is never interrupted by a sweep.
func (r *Registry) Sweep(idle time.Duration) SweepResult {
	var res SweepResult
	now := r.now()

	r.containers.Range(func(key, value any) bool {
		c := value.(*Container)
		if !c.tryLock() {
			res.Busy++
			return true
		}
		defer c.unlock()

		if c.removed.Load() || now.Sub(c.LastActiveAt()) <= idle {
			return true
		}

		if c.hibernate(context.Background()) {
			res.Hibernated++
			return true
		}

		if !c.evict() {
			res.Held++
			return true
		}
		r.containers.CompareAndDelete(key, c)
		if err := c.store.Close(); err != nil {
			r.logger.Warn("failed to close storage handle", "identity", c.identity, "error", err)
		}
		r.stats.removals.Add(1)
		res.Removed++
		return true
	})

	return res
}

// SetIdleTimeout changes the timeout used by a running sweeper.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.idleTimeout.Store(int64(d))
}

// IdleTimeout returns the current sweeper timeout.
func (r *Registry) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}

// StartSweeper runs Sweep every interval until ctx is done or the returned
// stop function is called. stop waits for an in-progress sweep to finish.
// A zero or negative idle timeout pauses sweeping without stopping the loop.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				idle := r.IdleTimeout()
				if idle <= 0 {
					continue
				}
				res := r.Sweep(idle)
				if res.Hibernated > 0 || res.Removed > 0 {
					r.logger.Debug("idle sweep",
						"hibernated", res.Hibernated,
						"removed", res.Removed,
						"busy", res.Busy,
						"held", res.Held)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Clear removes every container. Instances are dropped without running
// their Hibernator hooks and storage handles are closed. A container still
// busy when ctx is done is marked removed at once; its instance is dropped
// and its handle closed as soon as the running call lets go of it.
func (r *Registry) Clear(ctx context.Context) error {
	var errs []error

	r.containers.Range(func(key, value any) bool {
		c := value.(*Container)
		r.containers.CompareAndDelete(key, c)

		if err := c.lock(ctx); err != nil {
			c.markRemoved()
			errs = append(errs, fmt.Errorf("clear %q: %w", c.identity, err))
			go func() {
				c.lock(context.Background())
				defer c.unlock()
				r.release(c)
			}()
			return true
		}
		defer c.unlock()

		c.markRemoved()
		if err := r.release(c); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	return errors.Join(errs...)
}

// Close clears the registry and refuses new containers from then on, so a
// Ref kept past Close cannot reopen storage.
func (r *Registry) Close(ctx context.Context) error {
	r.closed.Store(true)
	return r.Clear(ctx)
}

// release drops a removed container's instance and closes its storage
// handle. sem must be held.
func (r *Registry) release(c *Container) error {
	c.drop()
	if err := c.store.Close(); err != nil {
		r.logger.Warn("failed to close storage handle", "identity", c.identity, "error", err)
		return fmt.Errorf("close storage for %q: %w", c.identity, err)
	}
	return nil
}

// Len returns the number of containers.
func (r *Registry) Len() int {
	n := 0
	r.containers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns current counters.
func (r *Registry) Stats() RegistryStats {
	s := RegistryStats{
		Created:      r.stats.created.Load(),
		Wakes:        r.stats.wakes.Load(),
		Hibernations: r.stats.hibernations.Load(),
		Removals:     r.stats.removals.Load(),
	}
	r.containers.Range(func(_, value any) bool {
		s.Containers++
		if value.(*Container).IsLive() {
			s.Live++
		}
		return true
	})
	return s
}

// Ref is the local Dispatchable for one identity.
type Ref struct {
	registry   *Registry
	identity   string
	descriptor Descriptor
}

// Identity returns the referenced identity.
func (ref *Ref) Identity() string {
	return ref.identity
}

// Descriptor returns the referenced descriptor.
func (ref *Ref) Descriptor() Descriptor {
	return ref.descriptor
}

// Handle dispatches req through the registry.
func (ref *Ref) Handle(ctx context.Context, req *Request) (*Response, error) {
	return ref.registry.Dispatch(ctx, ref.identity, ref.descriptor, req)
}

// Instance returns the live instance, waking it if needed.
func (ref *Ref) Instance(ctx context.Context) (Actor, error) {
	return ref.registry.Instance(ctx, ref.identity, ref.descriptor)
}
