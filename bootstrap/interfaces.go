// Package bootstrap wires configuration, logging, storage and the actor
// runtime into a runnable process with ordered startup and shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service is one startable part of an Application.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Health must not block on the service's own work.
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus is one service's answer to a health check.
type HealthStatus struct {
	State     HealthState    `json:"state"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthState classifies a HealthStatus.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// LifecycleManager starts services after their dependencies and stops them
// in the opposite order.
type LifecycleManager interface {
	Register(name string, service Service, deps ...string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (map[string]HealthStatus, error)

	// Services lists registered names, sorted.
	Services() []string

	// AddListener registers fn for every LifecycleEvent. Listeners run
	// synchronously on the goroutine calling Start or Stop.
	AddListener(fn func(LifecycleEvent))
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventRegistered    EventType = "service.registered"
	EventStarting      EventType = "lifecycle.starting"
	EventStarted       EventType = "lifecycle.started"
	EventStopping      EventType = "lifecycle.stopping"
	EventStopped       EventType = "lifecycle.stopped"
	EventServiceStart  EventType = "service.starting"
	EventServiceUp     EventType = "service.started"
	EventServiceFailed EventType = "service.start_failed"
	EventServiceStop   EventType = "service.stopping"
	EventServiceDown   EventType = "service.stopped"
	EventStopFailed    EventType = "service.stop_failed"
)

// LifecycleEvent is delivered to listeners. Service is empty for
// manager-wide events.
type LifecycleEvent struct {
	Type      EventType      `json:"type"`
	Service   string         `json:"service,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     error          `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
}

// ApplicationError tags a failure with the lifecycle step and service.
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("bootstrap %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("bootstrap %s %s: %v", e.Operation, e.Service, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
