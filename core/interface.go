package core

import (
	"context"

	"github.com/najoast/durable/storage"
)

// Dispatchable is anything that accepts requests for one actor identity:
// a local reference into the Registry, or a remote stub that forwards over a
// socket. Callers cannot tell the two apart.
type Dispatchable interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// Actor is a constructed actor instance. Handle is never called concurrently
// for the same identity.
type Actor interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// Hibernator is implemented by actors that want a hook before their instance
// is dropped by the idle sweeper. The storage handle is still open when it
// runs.
type Hibernator interface {
	Hibernate(ctx context.Context) error
}

// Factory constructs an actor bound to its storage handle and environment.
type Factory func(ctx context.Context, store storage.Handle, env Env) (Actor, error)

// Resolver maps a descriptor to the factory that builds it.
type Resolver interface {
	Resolve(d Descriptor) (Factory, error)
}
