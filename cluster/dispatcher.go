package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/najoast/durable/core"
	"github.com/najoast/durable/network"
	"github.com/najoast/durable/storage"
)

// DispatcherOptions configures a host-side Dispatcher.
type DispatcherOptions struct {
	// SocketPath is where the dispatcher listens.
	SocketPath string

	Storage  storage.Provider
	Resolver core.Resolver
	Env      core.Env

	// IdleTimeout and SweepInterval drive the host's own idle sweeper.
	// A zero SweepInterval disables it.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	Transport network.Options
	Logger    *slog.Logger
}

// Dispatcher is the host process side of the transport. It owns a registry
// for the identities placed on this host and serves one request per
// accepted connection.
type Dispatcher struct {
	opts     DispatcherOptions
	registry *core.Registry
	server   *network.Server
	logger   *slog.Logger

	stopSweeper func()

	served    atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start to listen.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.SocketPath == "" {
		return nil, fmt.Errorf("dispatcher requires a socket path")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("dispatcher requires a storage provider")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("dispatcher requires a resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatcher", "socket", opts.SocketPath)

	d := &Dispatcher{
		opts:   opts,
		logger: logger,
		registry: core.NewRegistry(opts.Storage, opts.Resolver,
			core.WithEnv(opts.Env),
			core.WithLogger(logger),
			core.WithIdleTimeout(opts.IdleTimeout)),
	}
	d.server = network.NewServer(opts.SocketPath, d, opts.Transport, logger)
	return d, nil
}

// Start listens on the socket and starts the idle sweeper.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		return err
	}
	if d.opts.SweepInterval > 0 {
		d.stopSweeper = d.registry.StartSweeper(ctx, d.opts.SweepInterval)
	}
	return nil
}

// Shutdown stops accepting connections, waits for in-flight requests until
// ctx is done, stops the sweeper and clears the registry.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.server.Shutdown(ctx)
	if d.stopSweeper != nil {
		d.stopSweeper()
	}

	clearCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return errors.Join(err, d.registry.Close(clearCtx))
}

// Registry returns the host's registry.
func (d *Dispatcher) Registry() *core.Registry {
	return d.registry
}

// SocketPath returns the listening socket.
func (d *Dispatcher) SocketPath() string {
	return d.opts.SocketPath
}

// Stats returns request counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Served:    d.served.Load(),
		Failed:    d.failed.Load(),
		Abandoned: d.abandoned.Load(),
		Registry:  d.registry.Stats(),
		Server:    d.server.GetStatistics(),
	}
}

// DispatcherStats is a point-in-time view of a dispatcher.
type DispatcherStats struct {
	Served    int64                    `json:"served"`
	Failed    int64                    `json:"failed"`
	Abandoned int64                    `json:"abandoned"`
	Registry  core.RegistryStats       `json:"registry"`
	Server    network.ServerStatistics `json:"server"`
}

type dispatchResult struct {
	resp *core.Response
	err  error
}

// ServeConn handles one request/response exchange.
func (d *Dispatcher) ServeConn(ctx context.Context, conn *network.Conn) {
	frame, err := conn.ReadFrameOf(network.FrameRequestHead)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			d.logger.Debug("failed to read request head", "conn", conn.ID(), "error", err)
		}
		return
	}

	var env RequestEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		d.writeFailure(conn, "", fmt.Errorf("malformed request envelope: %w", err))
		return
	}
	logger := d.logger.With("request_id", env.RequestID, "identity", env.Identity)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hasBody := !frame.HasFlag(network.FrameFlagNoBody)
	var body *io.PipeReader
	var bodyWriter *io.PipeWriter
	if hasBody {
		body, bodyWriter = io.Pipe()
	}
	bodyDone := make(chan struct{})
	go d.pump(conn, bodyWriter, bodyDone, cancel)

	// The registry ends the request body once the response is finished;
	// this covers exchanges that never reach the actor.
	defer func() {
		if body != nil {
			body.Close()
		}
		select {
		case <-bodyDone:
		case <-ctx.Done():
		}
	}()

	if _, err := d.opts.Resolver.Resolve(env.Descriptor); err != nil {
		logger.Warn("unknown descriptor", "descriptor", env.Descriptor.String())
		d.writeFailure(conn, env.RequestID, err)
		return
	}

	req := &core.Request{
		Method: env.Method,
		Path:   env.Path,
		Header: env.Header,
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if body != nil {
		req.Body = body
	}

	done := make(chan dispatchResult, 1)
	go func() {
		resp, err := d.registry.Dispatch(ctx, env.Identity, env.Descriptor, req)
		done <- dispatchResult{resp: resp, err: err}
	}()

	var res dispatchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// The actor call is left to finish on its own; only its output
		// is dropped.
		go func() {
			closeResponse((<-done).resp)
		}()
	}
	if ctx.Err() != nil {
		// Caller went away or the server is stopping.
		d.abandoned.Add(1)
		logger.Debug("request abandoned", "error", ctx.Err())
		closeResponse(res.resp)
		return
	}
	if res.err != nil {
		logger.Debug("request failed", "error", res.err)
		d.writeFailure(conn, env.RequestID, res.err)
		return
	}
	d.writeResponse(conn, env.RequestID, res.resp, logger)
}

// pump moves request body frames into the pipe, then watches for the
// caller closing its side of the connection. A write to a closed pipe means
// the actor is done with the body; the rest is drained so the caller's
// writes never block.
func (d *Dispatcher) pump(conn *network.Conn, w *io.PipeWriter, bodyDone chan<- struct{}, cancel context.CancelFunc) {
	if w != nil {
		reader := conn.BodyReader()
		_, err := io.Copy(w, reader)
		if errors.Is(err, io.ErrClosedPipe) {
			_, err = io.Copy(io.Discard, reader)
		}
		w.CloseWithError(err)
		if err != nil {
			close(bodyDone)
			cancel()
			return
		}
	}
	close(bodyDone)

	// Nothing else is expected from the caller; any read result means it
	// closed the connection.
	conn.ReadFrame()
	cancel()
}

func (d *Dispatcher) writeResponse(conn *network.Conn, requestID string, resp *core.Response, logger *slog.Logger) {
	env := ResponseEnvelope{
		RequestID: requestID,
		Status:    resp.Status,
		Header:    resp.Header,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		d.writeFailure(conn, requestID, fmt.Errorf("failed to serialize response: %w", err))
		return
	}

	flags := network.FrameFlagNone
	if resp.Body == nil {
		flags = network.FrameFlagNoBody
	}
	if err := conn.WriteFrame(network.FrameResponseHead, flags, payload); err != nil {
		logger.Debug("failed to write response head", "error", err)
		if resp.Body != nil {
			resp.Body.Close()
		}
		d.failed.Add(1)
		return
	}

	if resp.Body != nil {
		_, err := conn.BodyWriter().Stream(resp.Body)
		resp.Body.Close()
		if err != nil {
			logger.Debug("response body interrupted", "error", err)
			d.failed.Add(1)
			return
		}
	}
	d.served.Add(1)
}

func closeResponse(resp *core.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

func (d *Dispatcher) writeFailure(conn *network.Conn, requestID string, cause error) {
	d.failed.Add(1)

	payload, err := json.Marshal(failureEnvelope(requestID, cause))
	if err != nil {
		d.logger.Error("failed to serialize failure", "error", err)
		return
	}
	if err := conn.WriteFrame(network.FrameResponseHead, network.FrameFlagNoBody, payload); err != nil {
		d.logger.Debug("failed to write failure", "error", err)
	}
}
