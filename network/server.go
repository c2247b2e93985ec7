package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Handler serves one accepted connection. ctx is cancelled when the server
// stops. The connection is closed after ServeConn returns.
type Handler interface {
	ServeConn(ctx context.Context, conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn *Conn) {
	f(ctx, conn)
}

// Server accepts connections on a unix socket.
type Server struct {
	path    string
	opts    Options
	handler Handler
	logger  *slog.Logger

	listener net.Listener
	running  atomic.Bool

	connections   map[string]*Conn
	connectionsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	totalConnections   atomic.Int64
	currentConnections atomic.Int64
	startTime          time.Time
}

// NewServer creates a server for the socket at path. logger may be nil.
func NewServer(path string, handler Handler, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:        path,
		opts:        opts.withDefaults(),
		handler:     handler,
		logger:      logger.With("socket", path),
		connections: make(map[string]*Conn),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start listens on the socket and starts the accept loop. A stale socket
// file left by a previous process is removed first.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	if err := removeStaleSocket(s.path); err != nil {
		s.running.Store(false)
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("transport server started")
	return nil
}

// Stop closes the listener and every active connection, waits for
// handlers to return and removes the socket file.
func (s *Server) Stop() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting connections and waits for active handlers to
// finish until ctx is done, after which remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.listener.Close()

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
		s.cancel()
		s.closeConnections()
		<-idle
	}
	s.cancel()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove socket file", "error", err)
	}
	s.logger.Info("transport server stopped")
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

// GetConnectionCount returns the number of active connections
func (s *Server) GetConnectionCount() int {
	return int(s.currentConnections.Load())
}

// GetStatistics returns server statistics
func (s *Server) GetStatistics() ServerStatistics {
	return ServerStatistics{
		Address:            s.path,
		Running:            s.running.Load(),
		StartTime:          s.startTime,
		Uptime:             time.Since(s.startTime),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		connection := NewConn(conn, s.opts)
		s.addConnection(connection)
		s.totalConnections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(connection)
	}
}

func (s *Server) handleConnection(conn *Conn) {
	defer s.wg.Done()
	defer s.removeConnection(conn.ID())
	defer conn.Close()

	s.handler.ServeConn(s.ctx, conn)
}

func (s *Server) addConnection(conn *Conn) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()

	s.connections[conn.ID()] = conn
	s.currentConnections.Add(1)
}

func (s *Server) removeConnection(connID string) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()

	if _, exists := s.connections[connID]; exists {
		delete(s.connections, connID)
		s.currentConnections.Add(-1)
	}
}

func (s *Server) closeConnections() {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()

	for _, conn := range s.connections {
		conn.Close()
	}
}

// removeStaleSocket deletes path if it is a socket nobody is listening on.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%s is in use by another process", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}

// ServerStatistics holds statistics for a server
type ServerStatistics struct {
	Address            string        `json:"address"`
	Running            bool          `json:"running"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
}

// String returns the string representation of server statistics
func (ss ServerStatistics) String() string {
	return fmt.Sprintf("Server[%s] Running=%t Uptime=%s Connections=%d/%d",
		ss.Address, ss.Running, ss.Uptime.Truncate(time.Second),
		ss.CurrentConnections, ss.TotalConnections)
}
