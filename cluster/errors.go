package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is wrapped by every ConnectionError.
	ErrUnreachable = errors.New("host unreachable")

	// ErrClosed is returned by a Coordinator after Close.
	ErrClosed = errors.New("coordinator is closed")

	// ErrNotReady is returned by a launcher whose host never accepted a
	// connection within the ready timeout.
	ErrNotReady = errors.New("host did not become ready")

	// ErrExited is returned by a launcher whose host exited during startup.
	ErrExited = errors.New("host exited during startup")
)

// ClusterError represents an error that occurred in cluster operations
type ClusterError struct {
	Operation string
	Host      int
	Err       error
}

func (e *ClusterError) Error() string {
	if e.Host >= 0 {
		return fmt.Sprintf("cluster %s failed for host %d: %v", e.Operation, e.Host, e.Err)
	}
	return fmt.Sprintf("cluster %s failed: %v", e.Operation, e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}

// ConnectionError means a host socket could not be reached, or the
// connection broke before a complete response head arrived. It is never
// produced by the actor itself.
type ConnectionError struct {
	Host       int
	SocketPath string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to host %d at %s: %v", e.Host, e.SocketPath, e.Err)
}

// Unwrap returns ErrUnreachable and the underlying cause.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// SpawnError means a configured host process could not be started. It is
// fatal for NewCoordinator.
type SpawnError struct {
	Host       int
	SocketPath string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn host %d at %s: %v", e.Host, e.SocketPath, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// RemoteError carries the message of an error raised inside a host.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
