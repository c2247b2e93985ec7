package cluster

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// Process is a running host.
type Process interface {
	// Terminate asks the host to stop and waits for it to exit. When ctx is
	// done first the host is killed.
	Terminate(ctx context.Context) error

	// Done is closed once the host has exited.
	Done() <-chan struct{}
}

// Launcher starts host processes. Each implementation targets one way of
// running a host; the coordinator never branches on the kind of host.
type Launcher interface {
	// Launch starts host index listening on socketPath and returns once the
	// socket accepts connections.
	Launch(ctx context.Context, index int, socketPath string) (Process, error)
}

// HostHandle is one spawned host.
type HostHandle struct {
	Index      int
	SocketPath string
	Process    Process
}

// SocketScheme maps a host index to its socket path.
type SocketScheme func(index int) string

// SocketPaths returns the scheme dir/prefix-<index>.sock.
func SocketPaths(dir, prefix string) SocketScheme {
	return func(index int) string {
		return filepath.Join(dir, fmt.Sprintf("%s-%d.sock", prefix, index))
	}
}

// SpawnHosts launches count hosts concurrently. If any launch fails, the
// hosts that did start are terminated and the first failure is returned as
// a *SpawnError.
func SpawnHosts(ctx context.Context, launcher Launcher, count int, scheme SocketScheme) ([]HostHandle, error) {
	hosts := make([]HostHandle, count)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		path := scheme(i)
		g.Go(func() error {
			proc, err := launcher.Launch(gctx, i, path)
			if err != nil {
				return &SpawnError{Host: i, SocketPath: path, Err: err}
			}
			hosts[i] = HostHandle{Index: i, SocketPath: path, Process: proc}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		started := hosts[:0:0]
		for _, h := range hosts {
			if h.Process != nil {
				started = append(started, h)
			}
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		terminateHosts(stopCtx, started)
		return nil, err
	}
	return hosts, nil
}

// terminateHosts stops every host concurrently.
func terminateHosts(ctx context.Context, hosts []HostHandle) error {
	var g errgroup.Group
	errs := make([]error, len(hosts))
	for i, h := range hosts {
		g.Go(func() error {
			if err := h.Process.Terminate(ctx); err != nil {
				errs[i] = &ClusterError{Operation: "terminate", Host: h.Index, Err: err}
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
