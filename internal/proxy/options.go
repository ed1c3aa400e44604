// Package proxy forwards inbound echo requests to a remote base address and
// relays the remote answer, or a normalized error, back to the caller.
//
// A Controller is built once from Options and hands out one echo handler per
// route through Route. Each call builds a fresh model.OutboundRequest, runs it
// through the configured client.Transport and writes exactly one reply.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"restproxy/internal/client"
	"restproxy/internal/metrics"
	"restproxy/internal/model"
)

// ErrInvalidConfig is matched by every *ConfigError.
var ErrInvalidConfig = errors.New("invalid proxy configuration")

// ConfigError reports a rejected Options value.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("proxy config error at %s: %s", e.Field, e.Message)
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok || target == ErrInvalidConfig
}

// HeaderFunc builds the outbound headers for an inbound request. The result
// is cloned before the proxy touches it.
type HeaderFunc func(c echo.Context) http.Header

// ResponseHeaderFunc returns extra headers to set on a successful reply.
type ResponseHeaderFunc func(resp *model.RemoteResponse) http.Header

// ErrorHandler writes the reply for a failed call.
type ErrorHandler func(err *NormalizedError, c echo.Context) error

// EnrichHook may replace or annotate an error before it is rendered. It
// receives a copy; returning an error or a nil/message-less value keeps the
// original error.
type EnrichHook func(ctx context.Context, err *NormalizedError, c echo.Context) (*NormalizedError, error)

// Options configures a Controller. BaseAddress, HeaderGenerator and Transport
// are required; nil hooks mean "not supplied".
type Options struct {
	BaseAddress     string
	HeaderGenerator HeaderFunc
	Transport       client.Transport

	// Timeout bounds each outbound call; zero means model.DefaultTimeout.
	Timeout time.Duration
	// MaxBodyBytes bounds outbound and remote bodies; zero means model.DefaultMaxBodyBytes.
	MaxBodyBytes int64

	ResponseHeaderGenerator ResponseHeaderFunc
	ErrorResponseHandler    ErrorHandler
	ErrorEnrichmentHook     EnrichHook

	// Debug logs every composed outbound request at info level.
	Debug   bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) validate() error {
	if o.BaseAddress == "" {
		return &ConfigError{Field: "BaseAddress", Message: "base address is required"}
	}
	u, err := url.Parse(o.BaseAddress)
	if err != nil {
		return &ConfigError{Field: "BaseAddress", Message: fmt.Sprintf("not a valid URL: %v", err)}
	}
	if u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "BaseAddress", Message: fmt.Sprintf("must be an absolute URL; got %q", o.BaseAddress)}
	}
	if o.HeaderGenerator == nil {
		return &ConfigError{Field: "HeaderGenerator", Message: "header generator is required"}
	}
	if o.Transport == nil {
		return &ConfigError{Field: "Transport", Message: "transport is required"}
	}
	if o.Timeout < 0 {
		return &ConfigError{Field: "Timeout", Message: "must be non-negative"}
	}
	if o.MaxBodyBytes < 0 {
		return &ConfigError{Field: "MaxBodyBytes", Message: "must be non-negative"}
	}
	return nil
}

type modeKind int

const (
	modeDefault modeKind = iota
	modeRaw
	modeCustom
)

// ResponseHandler fully owns the reply for a successful remote call.
type ResponseHandler func(c echo.Context, resp *model.RemoteResponse) error

// ResponseMode selects how a successful remote answer is written.
type ResponseMode struct {
	kind    modeKind
	handler ResponseHandler
}

var (
	// Default mirrors the remote status, applies the response header
	// generator and sends the remote body unchanged.
	Default = ResponseMode{kind: modeDefault}
	// Raw mirrors the remote status and body without extra headers.
	Raw = ResponseMode{kind: modeRaw}
)

// Custom hands the remote response to h. A nil h behaves as Default.
func Custom(h ResponseHandler) ResponseMode {
	if h == nil {
		return Default
	}
	return ResponseMode{kind: modeCustom, handler: h}
}

// String returns the mode name.
func (m ResponseMode) String() string {
	switch m.kind {
	case modeRaw:
		return "raw"
	case modeCustom:
		return "custom"
	default:
		return "default"
	}
}
