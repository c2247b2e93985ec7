package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/durable/storage"
)

func TestInstanceIsIdempotent(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	first, err := reg.Instance(ctx, "a", counterDesc)
	require.NoError(t, err)
	second, err := reg.Instance(ctx, "a", counterDesc)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, stats.constructions.Load())
}

func TestConcurrentWakeConstructsOnce(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	const callers = 64
	instances := make([]Actor, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := reg.Instance(ctx, "shared", counterDesc)
			assert.NoError(t, err)
			instances[i] = inst
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, stats.constructions.Load())
	for _, inst := range instances {
		assert.Same(t, instances[0], inst)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestDispatchSerializesPerIdentity(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Dispatch(ctx, "serial", counterDesc, get("/incr"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, stats.maxFlight.Load())

	resp, err := reg.Dispatch(ctx, "serial", counterDesc, get("/get"))
	require.NoError(t, err)
	body, err := resp.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, "50", string(body))
}

func TestDispatchDifferentIdentitiesConcurrently(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Dispatch(ctx, fmt.Sprintf("id-%d", i), counterDesc, get("/wait"))
			assert.NoError(t, err)
		}(i)
	}

	// Both handlers must be inside Handle at once before either is released.
	assert.Eventually(t, func() bool {
		return stats.inFlight.Load() == 2
	}, time.Second, time.Millisecond)
	close(stats.release)
	wg.Wait()
}

func TestHibernateAndWakeRestoresState(t *testing.T) {
	stats := newCounterStats()
	clock := newFakeClock()
	reg, _ := newTestRegistry(stats, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := reg.Dispatch(ctx, "c", counterDesc, get("/incr"))
		require.NoError(t, err)
	}
	before, err := reg.Instance(ctx, "c", counterDesc)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	res := reg.Sweep(time.Minute)
	assert.Equal(t, SweepResult{Hibernated: 1}, res)
	assert.EqualValues(t, 1, stats.hibernations.Load())

	c, ok := reg.Lookup("c")
	require.True(t, ok)
	assert.False(t, c.IsLive())

	after, err := c.Instance(ctx, counterDesc)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.EqualValues(t, 2, stats.constructions.Load())

	resp, err := reg.Dispatch(ctx, "c", counterDesc, get("/get"))
	require.NoError(t, err)
	body, _ := resp.ReadBody()
	assert.Equal(t, "3", string(body))
}

func TestSweepRemovesHibernatedContainers(t *testing.T) {
	stats := newCounterStats()
	clock := newFakeClock()
	reg, _ := newTestRegistry(stats, WithClock(clock.Now))
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, "gone", counterDesc, get("/incr"))
	require.NoError(t, err)
	c, ok := reg.Lookup("gone")
	require.True(t, ok)
	handle := c.Storage()

	clock.Advance(time.Hour)
	assert.Equal(t, SweepResult{Hibernated: 1}, reg.Sweep(time.Minute))
	assert.Equal(t, SweepResult{Removed: 1}, reg.Sweep(time.Minute))
	assert.Equal(t, 0, reg.Len())

	_, err = handle.Get(ctx, "count")
	assert.ErrorIs(t, err, storage.ErrClosed)

	_, err = c.Instance(ctx, counterDesc)
	assert.ErrorIs(t, err, ErrEvicted)

	// A new container picks up the persisted state.
	resp, err := reg.Dispatch(ctx, "gone", counterDesc, get("/get"))
	require.NoError(t, err)
	body, _ := resp.ReadBody()
	assert.Equal(t, "1", string(body))
	assert.Equal(t, uint64(2), reg.Stats().Created)
}

func TestSweepLeavesRecentContainers(t *testing.T) {
	stats := newCounterStats()
	clock := newFakeClock()
	reg, _ := newTestRegistry(stats, WithClock(clock.Now))

	_, err := reg.Dispatch(context.Background(), "fresh", counterDesc, get("/get"))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, SweepResult{}, reg.Sweep(time.Minute))

	c, _ := reg.Lookup("fresh")
	assert.True(t, c.IsLive())
}

func TestSweepSkipsBusyContainers(t *testing.T) {
	stats := newCounterStats()
	clock := newFakeClock()
	reg, _ := newTestRegistry(stats, WithClock(clock.Now))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := reg.Dispatch(ctx, "busy", counterDesc, get("/wait"))
		done <- err
	}()
	require.Eventually(t, func() bool {
		return stats.inFlight.Load() == 1
	}, time.Second, time.Millisecond)

	clock.Advance(time.Hour)
	assert.Equal(t, SweepResult{Busy: 1}, reg.Sweep(time.Minute))

	close(stats.release)
	require.NoError(t, <-done)

	c, ok := reg.Lookup("busy")
	require.True(t, ok)
	assert.True(t, c.IsLive())
	assert.Zero(t, stats.hibernations.Load())
}

func TestConstructionFailureLeavesNoInstance(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	stats.failNext.Store(true)
	_, err := reg.Dispatch(ctx, "x", counterDesc, get("/get"))

	var cerr *ConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "x", cerr.Identity)
	assert.Equal(t, counterDesc, cerr.Descriptor)

	c, ok := reg.Lookup("x")
	require.True(t, ok)
	assert.False(t, c.IsLive())

	resp, err := reg.Dispatch(ctx, "x", counterDesc, get("/get"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.EqualValues(t, 2, stats.constructions.Load())
}

func TestConstructionPanicIsConstructionError(t *testing.T) {
	desc := Descriptor{Module: "test", Type: "panics"}
	manifest := NewManifest().MustRegister(desc, func(context.Context, storage.Handle, Env) (Actor, error) {
		panic("no")
	})
	reg := NewRegistry(storage.NewMemory(), manifest)

	_, err := reg.Instance(context.Background(), "p", desc)
	var cerr *ConstructionError
	require.ErrorAs(t, err, &cerr)
	var perr *PanicError
	assert.ErrorAs(t, err, &perr)
}

func TestHandlerErrors(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, "h", counterDesc, get("/fail"))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, errBoom)

	_, err = reg.Dispatch(ctx, "h", counterDesc, get("/panic"))
	require.ErrorAs(t, err, &herr)
	var perr *PanicError
	assert.ErrorAs(t, err, &perr)

	// The actor survives both and keeps serving.
	resp, err := reg.Dispatch(ctx, "h", counterDesc, get("/get"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.EqualValues(t, 1, stats.constructions.Load())
}

func TestNonSuccessStatusIsAResponse(t *testing.T) {
	reg, _ := newTestRegistry(newCounterStats())

	resp, err := reg.Dispatch(context.Background(), "t", counterDesc, get("/teapot"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status)

	resp, err = reg.Dispatch(context.Background(), "t", counterDesc, get("/empty"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestUnknownDescriptor(t *testing.T) {
	reg, _ := newTestRegistry(newCounterStats())

	_, err := reg.Dispatch(context.Background(), "u", Descriptor{Module: "nope", Type: "nope"}, get("/"))
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrUnknownDescriptor)
	assert.Equal(t, 0, reg.Len())
}

func TestEmptyIdentity(t *testing.T) {
	reg, _ := newTestRegistry(newCounterStats())

	_, err := reg.GetOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
	_, err = reg.Dispatch(context.Background(), "", counterDesc, get("/"))
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestDispatchHonorsContextWhileWaiting(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)

	go reg.Dispatch(context.Background(), "w", counterDesc, get("/wait"))
	require.Eventually(t, func() bool {
		return stats.inFlight.Load() == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Dispatch(ctx, "w", counterDesc, get("/get"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(stats.release)
}

func TestClear(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Dispatch(ctx, id, counterDesc, get("/incr"))
		require.NoError(t, err)
	}
	a, _ := reg.Lookup("a")

	require.NoError(t, reg.Clear(ctx))
	assert.Equal(t, 0, reg.Len())
	assert.False(t, a.IsLive())
	assert.Zero(t, stats.hibernations.Load())

	_, err := a.Storage().Get(ctx, "count")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStats(t *testing.T) {
	stats := newCounterStats()
	clock := newFakeClock()
	reg, _ := newTestRegistry(stats, WithClock(clock.Now))
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, "a", counterDesc, get("/get"))
	require.NoError(t, err)
	b, err := reg.GetOrCreate(ctx, "b")
	require.NoError(t, err)
	b.Release()

	s := reg.Stats()
	assert.Equal(t, 2, s.Containers)
	assert.Equal(t, 1, s.Live)
	assert.EqualValues(t, 2, s.Created)
	assert.EqualValues(t, 1, s.Wakes)

	clock.Advance(time.Hour)
	reg.Sweep(time.Minute)
	s = reg.Stats()
	assert.EqualValues(t, 1, s.Hibernations)
	assert.EqualValues(t, 1, s.Removals)
}

func TestStartSweeper(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats, WithIdleTimeout(10*time.Millisecond))

	_, err := reg.Dispatch(context.Background(), "s", counterDesc, get("/get"))
	require.NoError(t, err)

	stop := reg.StartSweeper(context.Background(), 5*time.Millisecond)
	defer stop()

	assert.Eventually(t, func() bool {
		return reg.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, stats.hibernations.Load())

	stop()
	stop()
}

func TestSetIdleTimeoutPausesSweeper(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	assert.Zero(t, reg.IdleTimeout())

	_, err := reg.Dispatch(context.Background(), "p", counterDesc, get("/get"))
	require.NoError(t, err)

	stop := reg.StartSweeper(context.Background(), time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stop()

	assert.Equal(t, 1, reg.Len())
	reg.SetIdleTimeout(time.Second)
	assert.Equal(t, time.Second, reg.IdleTimeout())
}

func TestRefDispatches(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ref := reg.Ref("r", counterDesc)

	var d Dispatchable = ref
	resp, err := d.Handle(context.Background(), NewRequest("post", "/echo", strings.NewReader("hello")))
	require.NoError(t, err)
	body, err := resp.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(body))
	assert.Equal(t, "r", ref.Identity())
	assert.Equal(t, counterDesc, ref.Descriptor())

	inst, err := ref.Instance(context.Background())
	require.NoError(t, err)
	again, err := reg.Instance(context.Background(), "r", counterDesc)
	require.NoError(t, err)
	assert.Same(t, inst, again)
}

func TestEnvReachesFactory(t *testing.T) {
	desc := Descriptor{Module: "test", Type: "env"}
	seen := make(chan Env, 1)
	manifest := NewManifest().MustRegister(desc, func(_ context.Context, _ storage.Handle, env Env) (Actor, error) {
		seen <- env
		return actorFunc(func(context.Context, *Request) (*Response, error) { return nil, nil }), nil
	})
	env := Env{"REGION": "eu"}
	reg := NewRegistry(storage.NewMemory(), manifest, WithEnv(env))
	env["REGION"] = "mutated"

	_, err := reg.Instance(context.Background(), "e", desc)
	require.NoError(t, err)
	assert.Equal(t, Env{"REGION": "eu"}, <-seen)
}

func TestStorageOpenFailure(t *testing.T) {
	p := storage.NewMemory()
	require.NoError(t, p.Close())
	reg := NewRegistry(p, NewManifest().MustRegister(counterDesc, newCounterStats().factory()))

	_, err := reg.Dispatch(context.Background(), "z", counterDesc, get("/"))
	assert.True(t, errors.Is(err, storage.ErrClosed))
}

type actorFunc func(context.Context, *Request) (*Response, error)

func (f actorFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func TestSweepKeepsHeldContainers(t *testing.T) {
	stats := newCounterStats()
	clock := newFakeClock()
	reg, _ := newTestRegistry(stats, WithClock(clock.Now))
	ctx := context.Background()

	held, err := reg.GetOrCreate(ctx, "held")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, SweepResult{Held: 1}, reg.Sweep(time.Minute))
	assert.Equal(t, SweepResult{Held: 1}, reg.Sweep(time.Minute))

	_, err = held.Instance(ctx, counterDesc)
	require.NoError(t, err)
	require.NoError(t, held.Storage().Put(ctx, "count", []byte("7")))

	// A held container may still hibernate; it is only removal that waits.
	clock.Advance(time.Hour)
	assert.Equal(t, SweepResult{Hibernated: 1}, reg.Sweep(time.Minute))
	assert.Equal(t, SweepResult{Held: 1}, reg.Sweep(time.Minute))

	held.Release()
	assert.Equal(t, SweepResult{Removed: 1}, reg.Sweep(time.Minute))
	_, err = held.Instance(ctx, counterDesc)
	assert.ErrorIs(t, err, ErrEvicted)
}

func TestRequestBodyLastsUntilResponseCloses(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	src := &closeTracker{Reader: strings.NewReader("hello")}
	resp, err := reg.Dispatch(ctx, "b", counterDesc, NewRequest(http.MethodPost, "/relay", src))
	require.NoError(t, err)
	assert.False(t, src.closed.Load(), "request body closed before the response was read")

	body, err := resp.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.True(t, src.closed.Load())

	// Without a response body the request body ends with Handle.
	resp, err = reg.Dispatch(ctx, "b", counterDesc, NewRequest(http.MethodPost, "/stash", strings.NewReader("late")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)

	_, err = reg.Dispatch(ctx, "b", counterDesc, get("/stashed"))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, ErrBodyClosed)
}

func TestClearClosesBusyContainerLater(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)

	done := make(chan error, 1)
	go func() {
		_, err := reg.Dispatch(context.Background(), "busy", counterDesc, get("/wait"))
		done <- err
	}()
	require.Eventually(t, func() bool {
		return stats.inFlight.Load() == 1
	}, time.Second, time.Millisecond)
	c, ok := reg.Lookup("busy")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reg.Clear(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, reg.Len())

	// The running call still has its storage.
	_, err := c.Storage().Get(context.Background(), "count")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	close(stats.release)
	require.NoError(t, <-done)

	assert.Eventually(t, func() bool {
		_, err := c.Storage().Get(context.Background(), "count")
		return errors.Is(err, storage.ErrClosed)
	}, time.Second, time.Millisecond)
	assert.False(t, c.IsLive())
}

func TestClosedRegistryRefusesContainers(t *testing.T) {
	stats := newCounterStats()
	reg, _ := newTestRegistry(stats)
	ctx := context.Background()

	ref := reg.Ref("kept", counterDesc)
	_, err := ref.Handle(ctx, get("/incr"))
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx))

	_, err = ref.Handle(ctx, get("/incr"))
	assert.ErrorIs(t, err, ErrRegistryClosed)
	_, err = reg.GetOrCreate(ctx, "new")
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, uint64(1), reg.Stats().Created)
}

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}
