package core

import (
	"context"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/durable/storage"
)

// Container holds one actor identity: its storage handle, its live instance
// if awake, and the lock that serializes every wake and Handle call.
//
// Containers are created by the Registry and never by callers.
type Container struct {
	identity string
	store    storage.Handle
	registry *Registry

	// sem is a one-slot lock. A channel instead of a sync.Mutex so the
	// sweeper can try it without blocking and waiters can honor ctx.
	sem     chan struct{}
	waiters atomic.Int32

	// refMu orders refs against removal so a sweep never removes a
	// container that GetOrCreate has just handed out.
	refMu sync.Mutex
	refs  int

	// instance is guarded by sem.
	instance Actor

	live       atomic.Bool
	removed    atomic.Bool
	lastActive atomic.Int64
}

func newContainer(r *Registry, identity string, store storage.Handle) *Container {
	c := &Container{
		identity: identity,
		store:    store,
		registry: r,
		sem:      make(chan struct{}, 1),
		refs:     1,
	}
	c.touch()
	return c
}

// Identity returns the actor identity.
func (c *Container) Identity() string {
	return c.identity
}

// Storage returns the container's storage handle.
func (c *Container) Storage() storage.Handle {
	return c.store
}

// IsLive reports whether an instance is currently in memory.
func (c *Container) IsLive() bool {
	return c.live.Load()
}

// LastActiveAt is the time of the last wake or completed Handle call.
func (c *Container) LastActiveAt() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Release gives back the reference taken by Registry.GetOrCreate. A
// container is only removed by a sweep once every reference is released.
// Calling Release more often than GetOrCreate is harmless.
func (c *Container) Release() {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
}

// retain takes a reference unless the container was already removed.
func (c *Container) retain() bool {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.removed.Load() {
		return false
	}
	c.refs++
	return true
}

// evict marks the container removed if nobody holds or waits for it.
func (c *Container) evict() bool {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.refs > 0 || c.waiters.Load() > 0 {
		return false
	}
	c.removed.Store(true)
	return true
}

// markRemoved removes the container regardless of holders.
func (c *Container) markRemoved() {
	c.refMu.Lock()
	c.removed.Store(true)
	c.refMu.Unlock()
}

// Instance returns the live instance, constructing it on first use. Calls
// for the same identity are serialized, so the factory runs once even under
// concurrent wake requests. A failed construction leaves no instance behind.
func (c *Container) Instance(ctx context.Context, d Descriptor) (Actor, error) {
	factory, err := c.registry.resolver.Resolve(d)
	if err != nil {
		return nil, err
	}
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	if c.removed.Load() {
		return nil, ErrEvicted
	}
	return c.wake(ctx, d, factory)
}

// Hibernate runs the instance's Hibernator hook if any and drops the
// instance. The storage handle stays open. It reports whether an instance
// was dropped.
func (c *Container) Hibernate(ctx context.Context) (bool, error) {
	if err := c.lock(ctx); err != nil {
		return false, err
	}
	defer c.unlock()
	return c.hibernate(ctx), nil
}

func (c *Container) lock(ctx context.Context) error {
	c.waiters.Add(1)
	defer c.waiters.Add(-1)

	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Container) tryLock() bool {
	select {
	case c.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Container) unlock() {
	<-c.sem
}

func (c *Container) touch() {
	c.lastActive.Store(c.registry.now().UnixNano())
}

// wake must be called with sem held.
func (c *Container) wake(ctx context.Context, d Descriptor, factory Factory) (Actor, error) {
	if c.instance != nil {
		return c.instance, nil
	}

	instance, err := c.construct(ctx, factory)
	if err != nil {
		c.registry.logger.Warn("actor construction failed",
			"identity", c.identity,
			"descriptor", d.String(),
			"error", err)
		return nil, &ConstructionError{Identity: c.identity, Descriptor: d, Err: err}
	}

	c.instance = instance
	c.live.Store(true)
	c.touch()
	c.registry.stats.wakes.Add(1)
	c.registry.logger.Debug("actor woken", "identity", c.identity, "descriptor", d.String())
	return instance, nil
}

func (c *Container) construct(ctx context.Context, factory Factory) (instance Actor, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()

	instance, err = factory(ctx, c.store, c.registry.env)
	if err == nil && instance == nil {
		err = errNilInstance
	}
	return instance, err
}

// handle must be called with sem held. The request body stays readable
// until the response body is closed, or until handle returns when there is
// no response body; later reads fail with ErrBodyClosed.
func (c *Container) handle(ctx context.Context, d Descriptor, factory Factory, req *Request) (*Response, error) {
	instance, err := c.wake(ctx, d, factory)
	if err != nil {
		return nil, err
	}
	defer c.touch()

	var body *requestBody
	if req.Body != nil {
		body = &requestBody{rc: req.Body}
		scoped := *req
		scoped.Body = body
		req = &scoped
	}

	resp, err := c.call(ctx, instance, req)
	if err != nil {
		body.Close()
		return nil, &HandlerError{Identity: c.identity, Err: err}
	}
	if resp == nil {
		resp = NewResponse(http.StatusNoContent, nil)
	}
	switch {
	case body == nil:
	case resp.Body == nil:
		body.Close()
	default:
		resp.Body = &finishingBody{ReadCloser: resp.Body, finish: body}
	}
	return resp, nil
}

func (c *Container) call(ctx context.Context, instance Actor, req *Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			stack := debug.Stack()
			c.registry.logger.Error("actor handler panicked",
				"identity", c.identity,
				"panic", v,
				"stack", string(stack))
			resp, err = nil, &PanicError{Value: v, Stack: stack}
		}
	}()
	return instance.Handle(ctx, req)
}

// hibernate must be called with sem held.
func (c *Container) hibernate(ctx context.Context) bool {
	if c.instance == nil {
		return false
	}

	if h, ok := c.instance.(Hibernator); ok {
		if err := c.callHibernate(ctx, h); err != nil {
			c.registry.logger.Warn("actor hibernate hook failed",
				"identity", c.identity,
				"error", err)
		}
	}

	c.instance = nil
	c.live.Store(false)
	c.registry.stats.hibernations.Add(1)
	c.registry.logger.Debug("actor hibernated", "identity", c.identity)
	return true
}

func (c *Container) callHibernate(ctx context.Context, h Hibernator) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h.Hibernate(ctx)
}

// drop discards the instance without running hooks. sem must be held.
func (c *Container) drop() {
	c.instance = nil
	c.live.Store(false)
}

// requestBody wraps a request body so it can be ended when the response is.
type requestBody struct {
	rc     io.ReadCloser
	closed atomic.Bool
	once   sync.Once
	err    error
}

func (b *requestBody) Read(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, ErrBodyClosed
	}
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && b.closed.Load() {
		err = ErrBodyClosed
	}
	return n, err
}

// Close is safe on a nil body and on repeated calls.
func (b *requestBody) Close() error {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		b.closed.Store(true)
		b.err = b.rc.Close()
	})
	return b.err
}

// finishingBody is a response body that ends its request body on Close.
type finishingBody struct {
	io.ReadCloser
	finish io.Closer
}

func (b *finishingBody) Close() error {
	err := b.ReadCloser.Close()
	b.finish.Close()
	return err
}
