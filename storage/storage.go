// Package storage provides the persistence collaborators that back actors.
//
// A Provider opens one Handle per actor identity. The handle is owned by the
// actor's container and outlives the actor's in-memory instance: hibernating
// an actor keeps its handle open so a later wake does not have to locate the
// storage again.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Handle.Get when the key holds no record.
var ErrNotFound = errors.New("storage: record not found")

// ErrClosed is returned by operations on a closed handle or provider.
var ErrClosed = errors.New("storage: closed")

// Handle is a get/put record store scoped to one actor identity.
type Handle interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous record.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the record under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the handle. Persisted records are kept.
	Close() error
}

// Provider opens storage handles keyed by actor identity.
type Provider interface {
	// Open returns a handle for identity.
	Open(ctx context.Context, identity string) (Handle, error)

	// Close releases provider-wide resources.
	Close() error
}

// Options selects and configures a provider in New.
type Options struct {
	// Type is one of "memory", "file" or "redis".
	Type string

	// Dir is the root directory of the file provider.
	Dir string

	// Redis configures the redis provider.
	Redis RedisOptions
}

// New builds the provider named by opts.Type.
func New(opts Options) (Provider, error) {
	switch opts.Type {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(opts.Dir)
	case "redis":
		return NewRedis(opts.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
	}
}
