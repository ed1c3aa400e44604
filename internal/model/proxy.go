// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds an outbound call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodyBytes bounds outbound request and remote response bodies.
const DefaultMaxBodyBytes int64 = 100 << 20

// OutboundRequest describes one call against the remote base address.
// It is built fresh for every inbound request.
type OutboundRequest struct {
	URL          string
	Method       string
	Header       http.Header
	Body         []byte // nil for read-only methods
	Timeout      time.Duration
	MaxBodyBytes int64
}

// RemoteResponse is a fully read remote answer.
type RemoteResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Data is Body decoded as JSON when the payload is JSON, otherwise the
	// body text. It is nil for an empty body.
	Data any
}
