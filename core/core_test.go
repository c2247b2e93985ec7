package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/durable/storage"
)

var counterDesc = Descriptor{Module: "test", Type: "counter"}

// counter is the actor used across the core tests. Its count is persisted on
// every increment and reloaded on construction.
type counter struct {
	store storage.Handle
	count int

	// stashed is a request body kept past its response.
	stashed io.ReadCloser

	hibernated *atomic.Int32
	release    chan struct{}
	inFlight   *atomic.Int32
	maxFlight  *atomic.Int32
}

type counterStats struct {
	constructions atomic.Int32
	hibernations  atomic.Int32
	inFlight      atomic.Int32
	maxFlight     atomic.Int32

	// failNext makes the next construction fail.
	failNext atomic.Bool
	release  chan struct{}
}

func newCounterStats() *counterStats {
	return &counterStats{release: make(chan struct{})}
}

func (s *counterStats) factory() Factory {
	return func(ctx context.Context, store storage.Handle, env Env) (Actor, error) {
		s.constructions.Add(1)
		if s.failNext.CompareAndSwap(true, false) {
			return nil, errors.New("construction refused")
		}
		c := &counter{
			store:      store,
			hibernated: &s.hibernations,
			release:    s.release,
			inFlight:   &s.inFlight,
			maxFlight:  &s.maxFlight,
		}
		raw, err := store.Get(ctx, "count")
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			c.count, _ = strconv.Atoi(string(raw))
		}
		return c, nil
	}
}

func (c *counter) Handle(ctx context.Context, req *Request) (*Response, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxFlight.Load()
		if n <= peak || c.maxFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	switch req.Path {
	case "/incr":
		c.count++
		if err := c.store.Put(ctx, "count", []byte(strconv.Itoa(c.count))); err != nil {
			return nil, err
		}
	case "/get":
	case "/echo":
		body, err := req.ReadBody()
		if err != nil {
			return nil, err
		}
		return NewResponse(http.StatusOK, []byte(strings.ToUpper(string(body)))), nil
	case "/relay":
		return NewStreamResponse(http.StatusOK, req.Body), nil
	case "/stash":
		c.stashed = req.Body
		return NewResponse(http.StatusAccepted, nil), nil
	case "/stashed":
		body, err := io.ReadAll(c.stashed)
		if err != nil {
			return nil, err
		}
		return NewResponse(http.StatusOK, body), nil
	case "/wait":
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "/fail":
		return nil, errBoom
	case "/panic":
		panic("kaboom")
	case "/teapot":
		return NewResponse(http.StatusTeapot, []byte("short and stout")), nil
	case "/empty":
		return nil, nil
	}
	return NewResponse(http.StatusOK, []byte(strconv.Itoa(c.count))), nil
}

func (c *counter) Hibernate(ctx context.Context) error {
	c.hibernated.Add(1)
	return nil
}

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(stats *counterStats, opts ...RegistryOption) (*Registry, *storage.Memory) {
	store := storage.NewMemory()
	manifest := NewManifest().MustRegister(counterDesc, stats.factory())
	return NewRegistry(store, manifest, opts...), store
}

func get(path string) *Request {
	return NewRequest(http.MethodGet, path, nil)
}
