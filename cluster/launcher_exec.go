package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/najoast/durable/network"
)

// Environment variables set on every host started by ExecLauncher.
const (
	EnvHostSocket = "DURABLE_HOST_SOCKET"
	EnvHostIndex  = "DURABLE_HOST_INDEX"
)

// ExecLauncher runs each host as a child process. The child learns its
// socket path and index from EnvHostSocket and EnvHostIndex.
type ExecLauncher struct {
	// Path is the executable. Empty means the current executable.
	Path string
	Args []string

	// Env is appended to the parent's environment.
	Env []string

	// ReadyTimeout bounds the wait for the child's socket. Zero means 10s.
	ReadyTimeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Launch starts the child and waits until its socket accepts connections.
func (l *ExecLauncher) Launch(ctx context.Context, index int, socketPath string) (Process, error) {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = self
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env,
		EnvHostSocket+"="+socketPath,
		EnvHostIndex+"="+strconv.Itoa(index))
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := waitReady(ctx, socketPath, timeout, proc.done); err != nil {
		proc.kill()
		<-proc.done
		if errors.Is(err, ErrExited) && proc.waitErr != nil {
			err = fmt.Errorf("%w: %v", ErrExited, proc.waitErr)
		}
		return nil, err
	}

	logger.Info("host started", "host", index, "pid", cmd.Process.Pid, "socket", socketPath)
	return proc, nil
}

// waitReady polls socketPath until a connection succeeds, the process
// exits, ctx is done or timeout passes.
func waitReady(ctx context.Context, socketPath string, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := network.Dial(ctx, socketPath, network.Options{DialTimeout: time.Second})
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-exited:
			return ErrExited
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w within %s: %v", ErrNotReady, timeout, err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	// waitErr is written before done is closed.
	waitErr error

	termOnce sync.Once
	termErr  error
}

// Pid returns the child's process id.
func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

// Terminate asks the child to stop, then kills it if ctx ends first. An
// exit caused by our own signal is not an error.
func (p *execProcess) Terminate(ctx context.Context) error {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if err := p.interrupt(); err != nil {
			p.kill()
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			p.kill()
			<-p.done
			p.termErr = fmt.Errorf("host killed after %w", ctx.Err())
		}
	})
	return p.termErr
}

func (p *execProcess) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Default().Warn("failed to kill host", "pid", p.cmd.Process.Pid, "error", err)
	}
}
