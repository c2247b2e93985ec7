package core

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

// Descriptor references the code that implements an actor. It is plain data
// so it can cross process boundaries; a Resolver maps it back to a Factory.
type Descriptor struct {
	Module string `json:"module" yaml:"module"`
	Type   string `json:"type" yaml:"type"`
}

// String returns "module#type".
func (d Descriptor) String() string {
	return d.Module + "#" + d.Type
}

// IsZero reports whether d names nothing.
func (d Descriptor) IsZero() bool {
	return d.Module == "" && d.Type == ""
}

// Env is the environment bindings handed to every actor factory.
type Env map[string]string

// Clone returns a copy of e.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Request is an HTTP-shaped request delivered to an actor.
type Request struct {
	Method string
	Path   string
	Header http.Header

	// Body streams the request payload. A nil Body means no payload.
	Body io.ReadCloser
}

// NewRequest builds a request. body may be nil.
func NewRequest(method, path string, body io.Reader) *Request {
	req := &Request{
		Method: strings.ToUpper(method),
		Path:   path,
		Header: make(http.Header),
	}
	if body != nil {
		rc, ok := body.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(body)
		}
		req.Body = rc
	}
	return req
}

// ReadBody reads and closes the request body.
func (r *Request) ReadBody() ([]byte, error) {
	return readAll(r.Body)
}

// Response is an HTTP-shaped response produced by an actor. Any status is a
// valid response; only a returned error marks the call as failed.
type Response struct {
	Status int
	Header http.Header

	// Body streams the response payload. A nil Body means no payload.
	Body io.ReadCloser
}

// NewResponse builds a response with an in-memory body.
func NewResponse(status int, body []byte) *Response {
	resp := &Response{Status: status, Header: make(http.Header)}
	if len(body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp
}

// NewStreamResponse builds a response whose body is streamed from body.
func NewStreamResponse(status int, body io.ReadCloser) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// ReadBody reads and closes the response body.
func (r *Response) ReadBody() ([]byte, error) {
	return readAll(r.Body)
}

func readAll(rc io.ReadCloser) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
