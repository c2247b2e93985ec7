// Package network provides the framed stream transport used between the
// coordinator and its host processes.
//
// Every frame has a fixed 32-byte big-endian header followed by a payload:
//
//	[type u32][flags u32][sequence u32][stream u64][timestamp u64][length u32]
//
// A request is one RequestHead frame, zero or more Data frames and an End
// frame. The response mirrors it with a ResponseHead. Bodies are never
// buffered whole; each Data frame carries at most one chunk.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// FrameType identifies what a frame carries.
type FrameType uint32

const (
	FrameRequestHead  FrameType = 1
	FrameResponseHead FrameType = 2
	FrameData         FrameType = 3
	FrameEnd          FrameType = 4

	// FrameAbort terminates a body early. Its payload is a message.
	FrameAbort FrameType = 5
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameRequestHead:
		return "request-head"
	case FrameResponseHead:
		return "response-head"
	case FrameData:
		return "data"
	case FrameEnd:
		return "end"
	case FrameAbort:
		return "abort"
	default:
		return fmt.Sprintf("unknown(%d)", ft)
	}
}

// FrameFlag defines frame flags
type FrameFlag uint32

const (
	FrameFlagNone FrameFlag = 0

	// FrameFlagNoBody on a head frame means no Data or End frames follow.
	FrameFlagNoBody FrameFlag = 1 << 0
)

const (
	// FrameHeaderSize is the fixed size of the frame header in bytes
	FrameHeaderSize = 32

	// DefaultMaxFrameSize bounds a single frame payload.
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// DefaultChunkSize is the body chunk carried by one Data frame.
	DefaultChunkSize = 32 * 1024
)

var (
	// ErrFrameTooLarge is returned for a payload above the codec limit.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrConnClosed is returned by operations on a closed Conn.
	ErrConnClosed = errors.New("connection closed")
)

// Frame is one unit on the wire.
type Frame struct {
	Type      FrameType
	Flags     FrameFlag
	Sequence  uint32
	Stream    uint64
	Timestamp time.Time
	Payload   []byte
}

// HasFlag checks if a frame flag is set
func (f *Frame) HasFlag(flag FrameFlag) bool {
	return f.Flags&flag != 0
}

// Size returns the encoded size of the frame in bytes
func (f *Frame) Size() int {
	return FrameHeaderSize + len(f.Payload)
}

// UnexpectedFrameError reports a frame that is not valid at this point of
// the exchange.
type UnexpectedFrameError struct {
	Got  FrameType
	Want []FrameType
}

func (e *UnexpectedFrameError) Error() string {
	return fmt.Sprintf("unexpected %s frame, want one of %v", e.Got, e.Want)
}

// AbortError is returned by a body reader when the peer aborted the body.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return "body aborted by peer: " + e.Message
}

// Codec encodes and decodes frames.
type Codec struct {
	maxPayload int
}

// NewCodec creates a codec. maxPayload <= 0 selects DefaultMaxFrameSize.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameSize
	}
	return &Codec{maxPayload: maxPayload}
}

// Encode encodes a frame to binary format
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is nil")
	}

	dataLen := len(f.Payload)
	if dataLen > c.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, dataLen, c.maxPayload)
	}

	buf := make([]byte, FrameHeaderSize+dataLen)
	c.putHeader(buf, f)
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// Decode decodes one complete frame from data.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	f, dataLen, err := c.DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < FrameHeaderSize+dataLen {
		return nil, fmt.Errorf("data too short for frame: expected %d, got %d",
			FrameHeaderSize+dataLen, len(data))
	}
	if dataLen > 0 {
		f.Payload = make([]byte, dataLen)
		copy(f.Payload, data[FrameHeaderSize:FrameHeaderSize+dataLen])
	}
	return f, nil
}

// DecodeHeader decodes the header and returns the payload length.
func (c *Codec) DecodeHeader(data []byte) (*Frame, int, error) {
	if len(data) < FrameHeaderSize {
		return nil, 0, fmt.Errorf("data too short for frame header: %d bytes", len(data))
	}

	f := &Frame{
		Type:      FrameType(binary.BigEndian.Uint32(data[0:4])),
		Flags:     FrameFlag(binary.BigEndian.Uint32(data[4:8])),
		Sequence:  binary.BigEndian.Uint32(data[8:12]),
		Stream:    binary.BigEndian.Uint64(data[12:20]),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(data[20:28]))),
	}

	dataLen := int(binary.BigEndian.Uint32(data[28:32]))
	if dataLen > c.maxPayload {
		return nil, 0, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, dataLen, c.maxPayload)
	}
	return f, dataLen, nil
}

// WriteFrame encodes f and writes it with a single Write call.
func (c *Codec) WriteFrame(w io.Writer, f *Frame) error {
	buf, err := c.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r.
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	f, dataLen, err := c.DecodeHeader(header[:])
	if err != nil {
		return nil, err
	}
	if dataLen > 0 {
		f.Payload = make([]byte, dataLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return f, nil
}

func (c *Codec) putHeader(buf []byte, f *Frame) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Flags))
	binary.BigEndian.PutUint32(buf[8:12], f.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], f.Stream)
	binary.BigEndian.PutUint64(buf[20:28], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(buf[28:32], uint32(len(f.Payload)))
}
