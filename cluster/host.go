package cluster

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// HostEnv reads the socket path and index an ExecLauncher passed to this
// process. ok is false when the process was not started as a host.
func HostEnv() (socketPath string, index int, ok bool) {
	socketPath = os.Getenv(EnvHostSocket)
	if socketPath == "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(os.Getenv(EnvHostIndex))
	if err != nil {
		index = -1
	}
	return socketPath, index, true
}

// ServeHost runs a dispatcher until ctx is done, then shuts it down within
// shutdownTimeout.
func ServeHost(ctx context.Context, opts DispatcherOptions, shutdownTimeout time.Duration) error {
	d, err := NewDispatcher(opts)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	d.logger.Info("host ready")

	<-ctx.Done()

	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(stopCtx)
}
