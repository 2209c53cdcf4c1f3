// Package transport sends provider payloads over the wire.
//
// Providers speak one of two transports: plain JSON over HTTP (OpenAI, Claude)
// or the AWS Bedrock runtime API. A Mux picks the sender by Kind so the
// dispatcher never needs to know which one it is talking to.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind string

const (
	KindHTTP    Kind = "http"
	KindBedrock Kind = "bedrock"
)

// Request is one fully built provider call.
type Request struct {
	Kind     Kind
	Provider string
	Endpoint string
	Headers  map[string]string
	Payload  any
}

// Sender delivers a request and returns the raw provider response body.
type Sender interface {
	Send(ctx context.Context, req Request) (json.RawMessage, error)
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

// IsTimeout reports whether err came from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether another attempt against the same provider can
// succeed. Client errors that will fail identically every time are not.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return true
	}
	switch statusErr.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity:
		return false
	default:
		return true
	}
}

// Mux routes requests to the sender registered for their Kind.
type Mux struct {
	senders map[Kind]Sender
}

func NewMux() *Mux {
	return &Mux{senders: make(map[Kind]Sender)}
}

func (m *Mux) Handle(kind Kind, s Sender) {
	m.senders[kind] = s
}

func (m *Mux) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	s, ok := m.senders[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no sender for transport %q", req.Kind)
	}
	return s.Send(ctx, req)
}
