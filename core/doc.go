// Package core implements the in-process half of the durable actor runtime.
//
// An actor is a stateful object addressed by a string identity. The Registry
// owns one Container per identity; the container serializes access to its
// actor, wakes it lazily through a Factory resolved from a Descriptor, and
// hibernates it when the idle sweeper finds it unused. Actor state lives in a
// storage.Handle owned by the container, so hibernation only drops memory.
//
// Request and Response carry HTTP-shaped messages with streamed bodies. They
// are the only thing an actor sees; whether the caller sits in the same
// process or on the other side of a socket is decided by the cluster package.
package core
