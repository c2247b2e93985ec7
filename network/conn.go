package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Options configures connections and servers.
type Options struct {
	// ChunkSize is the largest payload a body writer puts in one Data frame.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// MaxFrameSize bounds the payload of any frame read or written.
	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size"`

	// DialTimeout bounds Dial when the context has no earlier deadline.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// DefaultOptions returns the default transport options.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    DefaultChunkSize,
		MaxFrameSize: DefaultMaxFrameSize,
		DialTimeout:  5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.ChunkSize > o.MaxFrameSize {
		o.ChunkSize = o.MaxFrameSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	return o
}

// Conn is a framed connection. Frames may be written from several
// goroutines; reads must come from one goroutine at a time.
type Conn struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	codec  *Codec
	opts   Options

	writeMu  sync.Mutex
	sequence atomic.Uint32

	closeOnce sync.Once
	closed    atomic.Bool

	created       time.Time
	lastActivity  atomic.Int64
	framesRead    atomic.Int64
	framesWritten atomic.Int64
	bytesRead     atomic.Int64
	bytesWritten  atomic.Int64
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:      uuid.NewString(),
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, opts.ChunkSize+FrameHeaderSize),
		codec:   NewCodec(opts.MaxFrameSize),
		opts:    opts,
		created: time.Now(),
	}
	c.lastActivity.Store(c.created.UnixNano())
	return c
}

// Dial connects to the unix socket at path.
func Dial(ctx context.Context, path string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, opts), nil
}

// ID returns the unique identifier for this connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WriteFrame writes one frame.
func (c *Conn) WriteFrame(t FrameType, flags FrameFlag, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	f := &Frame{
		Type:      t,
		Flags:     flags,
		Sequence:  c.sequence.Add(1),
		Stream:    1,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	c.writeMu.Lock()
	err := c.codec.WriteFrame(c.conn, f)
	c.writeMu.Unlock()
	if err != nil {
		return c.wrapErr(fmt.Errorf("write %s frame: %w", t, err))
	}

	c.framesWritten.Add(1)
	c.bytesWritten.Add(int64(f.Size()))
	c.touch()
	return nil
}

// ReadFrame reads the next frame.
func (c *Conn) ReadFrame() (*Frame, error) {
	f, err := c.codec.ReadFrame(c.reader)
	if err != nil {
		return nil, c.wrapErr(err)
	}

	c.framesRead.Add(1)
	c.bytesRead.Add(int64(f.Size()))
	c.touch()
	return f, nil
}

// ReadFrameOf reads the next frame and checks its type.
func (c *Conn) ReadFrameOf(want ...FrameType) (*Frame, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	for _, t := range want {
		if f.Type == t {
			return f, nil
		}
	}
	return nil, &UnexpectedFrameError{Got: f.Type, Want: want}
}

// BodyWriter returns a writer that sends each Write as Data frames of at
// most ChunkSize bytes. Close sends End.
func (c *Conn) BodyWriter() *BodyWriter {
	return &BodyWriter{conn: c}
}

// BodyReader returns a reader over Data frames that reports io.EOF at End.
func (c *Conn) BodyReader() *BodyReader {
	return &BodyReader{conn: c}
}

// SetDeadline sets read and write deadlines on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Statistics returns connection statistics
func (c *Conn) Statistics() ConnStatistics {
	return ConnStatistics{
		ID:            c.id,
		Created:       c.created,
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
		FramesRead:    c.framesRead.Load(),
		FramesWritten: c.framesWritten.Load(),
		BytesRead:     c.bytesRead.Load(),
		BytesWritten:  c.bytesWritten.Load(),
	}
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) wrapErr(err error) error {
	if c.closed.Load() && errors.Is(err, net.ErrClosed) {
		return ErrConnClosed
	}
	return err
}

// ConnStatistics holds statistics for a connection
type ConnStatistics struct {
	ID            string    `json:"id"`
	Created       time.Time `json:"created"`
	LastActivity  time.Time `json:"last_activity"`
	FramesRead    int64     `json:"frames_read"`
	FramesWritten int64     `json:"frames_written"`
	BytesRead     int64     `json:"bytes_read"`
	BytesWritten  int64     `json:"bytes_written"`
}

// BodyWriter streams a body as Data frames.
type BodyWriter struct {
	conn   *Conn
	closed bool
}

// Write sends p as one or more Data frames.
func (w *BodyWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnClosed
	}

	written := 0
	chunk := w.conn.opts.ChunkSize
	for len(p) > 0 {
		n := min(len(p), chunk)
		if err := w.conn.WriteFrame(FrameData, FrameFlagNone, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close sends End.
func (w *BodyWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.WriteFrame(FrameEnd, FrameFlagNone, nil)
}

// Stream copies r into the body and finishes it: End after io.EOF, Abort
// after a read error. It returns the first read or write error.
func (w *BodyWriter) Stream(r io.Reader) (int64, error) {
	buf := make([]byte, w.conn.opts.ChunkSize)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, w.Close()
		}
		if rerr != nil {
			w.Abort(rerr)
			return total, rerr
		}
	}
}

// Abort sends an Abort frame carrying cause instead of End.
func (w *BodyWriter) Abort(cause error) error {
	if w.closed {
		return nil
	}
	w.closed = true
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}
	return w.conn.WriteFrame(FrameAbort, FrameFlagNone, []byte(msg))
}

// BodyReader reads a body carried in Data frames.
type BodyReader struct {
	conn *Conn
	buf  []byte
	err  error
}

// Read implements io.Reader. It returns io.EOF after the End frame and an
// *AbortError if the peer aborted the body.
func (r *BodyReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		f, err := r.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
			continue
		}

		switch f.Type {
		case FrameData:
			r.buf = f.Payload
		case FrameEnd:
			r.err = io.EOF
		case FrameAbort:
			r.err = &AbortError{Message: string(f.Payload)}
		default:
			r.err = &UnexpectedFrameError{Got: f.Type, Want: []FrameType{FrameData, FrameEnd, FrameAbort}}
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Done reports whether the body has been read to its end or failed.
func (r *BodyReader) Done() bool {
	return len(r.buf) == 0 && r.err != nil
}

// Err returns the terminal error, io.EOF after a complete body.
func (r *BodyReader) Err() error {
	return r.err
}
