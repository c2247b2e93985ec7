package network

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// socketPath returns a short socket path; unix socket paths are limited to
// roughly 100 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dn")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// upperHandler echoes the request body upper-cased.
var upperHandler = HandlerFunc(func(ctx context.Context, conn *Conn) {
	head, err := conn.ReadFrameOf(FrameRequestHead)
	if err != nil {
		return
	}
	body, err := io.ReadAll(conn.BodyReader())
	if err != nil {
		return
	}
	conn.WriteFrame(FrameResponseHead, FrameFlagNone, head.Payload)
	w := conn.BodyWriter()
	w.Write([]byte(strings.ToUpper(string(body))))
	w.Close()
})

func TestServerBasic(t *testing.T) {
	path := socketPath(t)
	server := NewServer(path, upperHandler, Options{}, nil)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if err := server.Start(); err == nil {
		t.Error("Expected error when starting already running server")
	}
	if server.Addr() != path {
		t.Errorf("Expected address %s, got %s", path, server.Addr())
	}
	if server.GetConnectionCount() != 0 {
		t.Errorf("Expected 0 connections, got %d", server.GetConnectionCount())
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected socket file to be removed, stat returned %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("Second stop should be a no-op, got %v", err)
	}
}

func TestServerRoundTrip(t *testing.T) {
	path := socketPath(t)
	server := NewServer(path, upperHandler, Options{ChunkSize: 3}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	ctx := context.Background()
	conn, err := Dial(ctx, path, Options{ChunkSize: 5})
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(FrameRequestHead, FrameFlagNone, []byte("head")); err != nil {
		t.Fatalf("Failed to write head: %v", err)
	}
	body := conn.BodyWriter()
	body.Write([]byte("streamed "))
	body.Write([]byte("body"))
	if err := body.Close(); err != nil {
		t.Fatalf("Failed to close body: %v", err)
	}

	head, err := conn.ReadFrameOf(FrameResponseHead)
	if err != nil {
		t.Fatalf("Failed to read response head: %v", err)
	}
	if string(head.Payload) != "head" {
		t.Errorf("Expected echoed head, got %q", head.Payload)
	}

	got, err := io.ReadAll(conn.BodyReader())
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if string(got) != "STREAMED BODY" {
		t.Errorf("Expected STREAMED BODY, got %q", got)
	}

	stats := server.GetStatistics()
	if stats.TotalConnections != 1 {
		t.Errorf("Expected 1 total connection, got %d", stats.TotalConnections)
	}
	if !stats.Running {
		t.Error("Expected server to be running")
	}
}

func TestServerRemovesStaleSocket(t *testing.T) {
	path := socketPath(t)

	// Leave a socket file behind without a listener.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected stale socket file: %v", err)
	}

	server := NewServer(path, upperHandler, Options{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start over stale socket: %v", err)
	}
	server.Stop()
}

func TestServerRefusesLiveSocket(t *testing.T) {
	path := socketPath(t)

	first := NewServer(path, upperHandler, Options{}, nil)
	if err := first.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer first.Stop()

	second := NewServer(path, upperHandler, Options{}, nil)
	if err := second.Start(); err == nil {
		second.Stop()
		t.Fatal("Expected second server on a live socket to fail")
	}
}

func TestServerRefusesRegularFile(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("not a socket"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	server := NewServer(path, upperHandler, Options{}, nil)
	if err := server.Start(); err == nil {
		server.Stop()
		t.Fatal("Expected start over a regular file to fail")
	}
}

func TestServerShutdownClosesStuckConnections(t *testing.T) {
	path := socketPath(t)
	entered := make(chan struct{})
	stuck := HandlerFunc(func(ctx context.Context, conn *Conn) {
		close(entered)
		conn.ReadFrame()
	})

	server := NewServer(path, stuck, Options{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	conn, err := Dial(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.Shutdown(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not force-close the stuck connection")
	}

	if server.GetConnectionCount() != 0 {
		t.Errorf("Expected 0 connections after shutdown, got %d", server.GetConnectionCount())
	}
}

func TestDialMissingSocket(t *testing.T) {
	if _, err := Dial(context.Background(), socketPath(t), Options{}); err == nil {
		t.Fatal("Expected dial to a missing socket to fail")
	}
}
