package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/najoast/durable/core"
	"github.com/najoast/durable/network"
)

// RemoteStub forwards requests for one identity to the host that owns it.
// It holds no connection; each Handle call dials its own, so a stub is cheap
// to rebuild and safe for concurrent use.
type RemoteStub struct {
	identity   string
	descriptor core.Descriptor
	host       int
	socketPath string
	transport  network.Options
}

// NewRemoteStub creates a stub for identity on the host listening at
// socketPath.
func NewRemoteStub(identity string, d core.Descriptor, host int, socketPath string, transport network.Options) *RemoteStub {
	return &RemoteStub{
		identity:   identity,
		descriptor: d,
		host:       host,
		socketPath: socketPath,
		transport:  transport,
	}
}

// Identity returns the actor identity.
func (s *RemoteStub) Identity() string {
	return s.identity
}

// Descriptor returns the actor descriptor.
func (s *RemoteStub) Descriptor() core.Descriptor {
	return s.descriptor
}

// Host returns the index of the owning host.
func (s *RemoteStub) Host() int {
	return s.host
}

// SocketPath returns the owning host's socket.
func (s *RemoteStub) SocketPath() string {
	return s.socketPath
}

// Handle sends req to the owning host and returns its response. The request
// body is uploaded while the response head is awaited, so a failure the
// host reports early arrives without waiting for the upload; the upload is
// then abandoned. The response body streams back as the caller reads it,
// and closing it closes the connection. Cancelling ctx closes the
// connection, which the host treats as the caller going away.
func (s *RemoteStub) Handle(ctx context.Context, req *core.Request) (*core.Response, error) {
	conn, err := network.Dial(ctx, s.socketPath, s.transport)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.connErr(err)
	}

	var src *sourceReader
	if req.Body != nil {
		src = &sourceReader{r: req.Body}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	abandon := func() {
		stop()
		conn.Close()
		src.close()
	}
	fail := func(err error) error {
		abandon()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rerr := src.failure(); rerr != nil {
			return fmt.Errorf("read request body: %w", rerr)
		}
		return s.connErr(err)
	}

	head := RequestEnvelope{
		RequestID:  uuid.NewString(),
		Identity:   s.identity,
		Descriptor: s.descriptor,
		Method:     req.Method,
		Path:       req.Path,
		Header:     req.Header,
		SentAt:     time.Now(),
	}
	payload, err := json.Marshal(head)
	if err != nil {
		abandon()
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	flags := network.FrameFlagNone
	if src == nil {
		flags = network.FrameFlagNoBody
	}
	if err := conn.WriteFrame(network.FrameRequestHead, flags, payload); err != nil {
		return nil, fail(err)
	}
	if src != nil {
		go func() {
			// Write errors surface through the response read; read
			// errors are kept by src.
			conn.BodyWriter().Stream(src)
			src.close()
		}()
	}

	frame, err := conn.ReadFrameOf(network.FrameResponseHead)
	if err != nil {
		return nil, fail(err)
	}
	var env ResponseEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return nil, fail(fmt.Errorf("failed to deserialize response: %w", err))
	}

	if err := env.Err(s.host, s.identity, s.descriptor); err != nil {
		abandon()
		if rerr := src.failure(); rerr != nil {
			return nil, fmt.Errorf("read request body: %w", rerr)
		}
		return nil, err
	}

	resp := &core.Response{Status: env.Status, Header: env.Header}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if frame.HasFlag(network.FrameFlagNoBody) {
		abandon()
		return resp, nil
	}

	resp.Body = &remoteBody{
		ctx:    ctx,
		conn:   conn,
		reader: conn.BodyReader(),
		stop:   stop,
		src:    src,
	}
	return resp, nil
}

func (s *RemoteStub) connErr(err error) error {
	return &ConnectionError{Host: s.host, SocketPath: s.socketPath, Err: err}
}

// sourceReader remembers a read error so it can be told apart from a
// transport failure, and closes the caller's body once.
type sourceReader struct {
	r    io.ReadCloser
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	return n, err
}

func (s *sourceReader) failure() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sourceReader) close() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.r.Close() })
}

// remoteBody streams a response body off the connection.
type remoteBody struct {
	ctx    context.Context
	conn   *network.Conn
	reader *network.BodyReader
	stop   func() bool
	src    *sourceReader
}

func (b *remoteBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.ctx.Err() != nil {
		err = b.ctx.Err()
	}
	return n, err
}

func (b *remoteBody) Close() error {
	b.stop()
	err := b.conn.Close()
	b.src.close()
	return err
}
