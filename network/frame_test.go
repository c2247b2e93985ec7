package network

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestFrameTypeString(t *testing.T) {
	tests := []struct {
		ft       FrameType
		expected string
	}{
		{FrameRequestHead, "request-head"},
		{FrameResponseHead, "response-head"},
		{FrameData, "data"},
		{FrameEnd, "end"},
		{FrameAbort, "abort"},
		{FrameType(999), "unknown(999)"},
	}

	for _, test := range tests {
		if got := test.ft.String(); got != test.expected {
			t.Errorf("Expected %s, got %s", test.expected, got)
		}
	}
}

func TestCodecEncodeDecode(t *testing.T) {
	codec := NewCodec(0)
	ts := time.Unix(0, 1700000000123456789)

	original := &Frame{
		Type:      FrameRequestHead,
		Flags:     FrameFlagNoBody,
		Sequence:  7,
		Stream:    42,
		Timestamp: ts,
		Payload:   []byte(`{"identity":"a"}`),
	}

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	if len(data) != FrameHeaderSize+len(original.Payload) {
		t.Errorf("Expected %d bytes, got %d", FrameHeaderSize+len(original.Payload), len(data))
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("Expected type %s, got %s", original.Type, decoded.Type)
	}
	if !decoded.HasFlag(FrameFlagNoBody) {
		t.Error("Expected no-body flag to survive encoding")
	}
	if decoded.Sequence != 7 || decoded.Stream != 42 {
		t.Errorf("Unexpected sequence/stream %d/%d", decoded.Sequence, decoded.Stream)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("Expected timestamp %v, got %v", ts, decoded.Timestamp)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Expected payload %q, got %q", original.Payload, decoded.Payload)
	}
}

func TestCodecRejectsLargePayload(t *testing.T) {
	codec := NewCodec(8)

	_, err := codec.Encode(&Frame{Type: FrameData, Payload: make([]byte, 9)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
	}

	// A header announcing too much is rejected before the payload is read.
	big := NewCodec(64)
	data, err := big.Encode(&Frame{Type: FrameData, Payload: make([]byte, 32)})
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	if _, err := codec.ReadFrame(bytes.NewReader(data)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCodecShortInput(t *testing.T) {
	codec := NewCodec(0)

	if _, err := codec.Decode(make([]byte, 10)); err == nil {
		t.Error("Expected error for short header")
	}

	data, _ := codec.Encode(&Frame{Type: FrameData, Payload: []byte("hello")})
	if _, err := codec.Decode(data[:len(data)-1]); err == nil {
		t.Error("Expected error for truncated payload")
	}
	if _, err := codec.ReadFrame(bytes.NewReader(data[:len(data)-1])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
	if _, err := codec.ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestCodecStream(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer

	for i, ft := range []FrameType{FrameResponseHead, FrameData, FrameEnd} {
		if err := codec.WriteFrame(&buf, &Frame{Type: ft, Sequence: uint32(i)}); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
	}

	for i, want := range []FrameType{FrameResponseHead, FrameData, FrameEnd} {
		f, err := codec.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("Failed to read frame %d: %v", i, err)
		}
		if f.Type != want {
			t.Errorf("Frame %d: expected %s, got %s", i, want, f.Type)
		}
	}
}

func TestBodyRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	opts := Options{ChunkSize: 4}
	writer := NewConn(client, opts)
	reader := NewConn(server, opts)
	defer writer.Close()
	defer reader.Close()

	payload := strings.Repeat("abcdefghij", 10)

	errCh := make(chan error, 1)
	go func() {
		body := writer.BodyWriter()
		if _, err := io.Copy(body, strings.NewReader(payload)); err != nil {
			errCh <- err
			return
		}
		errCh <- body.Close()
	}()

	body := reader.BodyReader()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if string(got) != payload {
		t.Errorf("Expected %q, got %q", payload, got)
	}
	if !body.Done() || body.Err() != io.EOF {
		t.Errorf("Expected body to be done with io.EOF, got %v", body.Err())
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Writer failed: %v", err)
	}

	// 100 bytes in 4-byte chunks plus End.
	if got := reader.Statistics().FramesRead; got != 26 {
		t.Errorf("Expected 26 frames read, got %d", got)
	}
}

func TestBodyAbort(t *testing.T) {
	client, server := net.Pipe()
	writer := NewConn(client, Options{})
	reader := NewConn(server, Options{})
	defer writer.Close()
	defer reader.Close()

	go func() {
		body := writer.BodyWriter()
		body.Write([]byte("partial"))
		body.Abort(errors.New("disk on fire"))
	}()

	got, err := io.ReadAll(reader.BodyReader())
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("Expected AbortError, got %v", err)
	}
	if abort.Message != "disk on fire" {
		t.Errorf("Unexpected abort message %q", abort.Message)
	}
	if string(got) != "partial" {
		t.Errorf("Expected partial body, got %q", got)
	}
}

func TestBodyReaderPeerGone(t *testing.T) {
	client, server := net.Pipe()
	reader := NewConn(server, Options{})
	defer reader.Close()

	go func() {
		c := NewConn(client, Options{})
		c.WriteFrame(FrameData, FrameFlagNone, []byte("x"))
		c.Close()
	}()

	_, err := io.ReadAll(reader.BodyReader())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrameOf(t *testing.T) {
	client, server := net.Pipe()
	writer := NewConn(client, Options{})
	reader := NewConn(server, Options{})
	defer writer.Close()
	defer reader.Close()

	go writer.WriteFrame(FrameData, FrameFlagNone, nil)

	_, err := reader.ReadFrameOf(FrameRequestHead)
	var unexpected *UnexpectedFrameError
	if !errors.As(err, &unexpected) {
		t.Fatalf("Expected UnexpectedFrameError, got %v", err)
	}
	if unexpected.Got != FrameData {
		t.Errorf("Expected data frame, got %s", unexpected.Got)
	}
}

func TestWriteAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client, Options{})
	c.Close()
	c.Close()

	if err := c.WriteFrame(FrameEnd, FrameFlagNone, nil); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Expected ErrConnClosed, got %v", err)
	}
	if !c.IsClosed() {
		t.Error("Expected connection to report closed")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{ChunkSize: 1 << 30, MaxFrameSize: 1024}.withDefaults()
	if o.ChunkSize != 1024 {
		t.Errorf("Expected chunk size clamped to 1024, got %d", o.ChunkSize)
	}
	if o.DialTimeout != DefaultOptions().DialTimeout {
		t.Errorf("Expected default dial timeout, got %v", o.DialTimeout)
	}
}
