package client

import (
	"fmt"
	"net/http"

	"restproxy/internal/model"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindStatus means the remote answered with a non-2xx status.
	KindStatus Kind = iota + 1
	// KindNoResponse means the call was sent but no usable answer arrived
	// (timeout, connection refused, DNS failure, abort, oversized response).
	KindNoResponse
	// KindSetup means the call could not be built or sent.
	KindSetup
)

// String returns a short label for the kind.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindNoResponse:
		return "no_response"
	case KindSetup:
		return "setup"
	default:
		return "unknown"
	}
}

// Error is returned by Transport implementations for every failed call.
type Error struct {
	Kind Kind

	// Set for KindStatus only.
	Status int
	Data   any
	Header http.Header

	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t.Kind == e.Kind
}

func newStatusError(resp *model.RemoteResponse) *Error {
	return &Error{
		Kind:    KindStatus,
		Status:  resp.StatusCode,
		Data:    resp.Data,
		Header:  resp.Header,
		Message: remoteMessage(resp),
	}
}

func newNoResponseError(cause error) *Error {
	return &Error{Kind: KindNoResponse, Message: "no response received", Cause: cause}
}

func newSetupError(cause error) *Error {
	return &Error{Kind: KindSetup, Message: "request setup failed", Cause: cause}
}

// remoteMessage prefers the "message" field of a JSON object body.
func remoteMessage(resp *model.RemoteResponse) string {
	if obj, ok := resp.Data.(map[string]any); ok {
		if msg, ok := obj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("Request failed with status code %d", resp.StatusCode)
}
