package cluster

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/najoast/durable/core"
)

// Failure kinds carried in ResponseEnvelope.Failure.
const (
	FailureResolution   = "resolution"
	FailureConstruction = "construction"
	FailureHandler      = "handler"
	FailureCancelled    = "cancelled"
	FailureProtocol     = "protocol"
)

// RequestEnvelope is the head of a forwarded request. The body follows as
// data frames.
type RequestEnvelope struct {
	RequestID  string          `json:"request_id"`
	Identity   string          `json:"identity"`
	Descriptor core.Descriptor `json:"descriptor"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Header     http.Header     `json:"header,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// ResponseEnvelope is the head of a response. A non-empty Failure means the
// call failed inside the host and no body follows.
type ResponseEnvelope struct {
	RequestID string      `json:"request_id"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Failure   string      `json:"failure,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// failureEnvelope classifies err for the wire.
func failureEnvelope(requestID string, err error) ResponseEnvelope {
	env := ResponseEnvelope{RequestID: requestID}

	var (
		rerr *core.ResolutionError
		cerr *core.ConstructionError
		herr *core.HandlerError
	)
	switch {
	case errors.As(err, &rerr):
		env.Status = http.StatusNotFound
		env.Failure = FailureResolution
		env.Message = rerr.Err.Error()
	case errors.As(err, &cerr):
		env.Status = http.StatusServiceUnavailable
		env.Failure = FailureConstruction
		env.Message = cerr.Err.Error()
	case errors.As(err, &herr):
		env.Status = http.StatusInternalServerError
		env.Failure = FailureHandler
		env.Message = herr.Err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		env.Status = http.StatusServiceUnavailable
		env.Failure = FailureCancelled
		env.Message = err.Error()
	default:
		env.Status = http.StatusBadRequest
		env.Failure = FailureProtocol
		env.Message = err.Error()
	}
	return env
}

// Err rebuilds the error a local call would have returned. It returns nil
// when the envelope carries no failure.
func (e *ResponseEnvelope) Err(host int, identity string, d core.Descriptor) error {
	if e.Failure == "" {
		return nil
	}

	remote := &RemoteError{Kind: e.Failure, Message: e.Message}
	switch e.Failure {
	case FailureResolution:
		return &core.ResolutionError{Descriptor: d, Err: core.ErrUnknownDescriptor}
	case FailureConstruction:
		return &core.ConstructionError{Identity: identity, Descriptor: d, Err: remote}
	case FailureHandler:
		return &core.HandlerError{Identity: identity, Err: remote}
	default:
		return &ClusterError{Operation: "dispatch", Host: host, Err: remote}
	}
}
