package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"restproxy/internal/client"
)

// Error codes set by the proxy. Enrichment hooks may set any other code.
const (
	CodeNetworkError = "NETWORK_ERROR"
	CodeRequestError = "REQUEST_ERROR"
	CodeUnknownError = "UNKNOWN_ERROR"
)

// NormalizedError is the single shape every failed call is reduced to.
type NormalizedError struct {
	Message string
	Status  int
	Code    string
	// Data is the remote error payload, if any.
	Data any
	// Header holds the remote response headers (rate limit, retry hints).
	Header http.Header
}

// Error implements the error interface.
func (e *NormalizedError) Error() string {
	code := e.Code
	if code == "" {
		code = CodeUnknownError
	}
	return fmt.Sprintf("%s (%d): %s", code, e.Status, e.Message)
}

// Clone returns a copy whose header map can be modified independently.
func (e *NormalizedError) Clone() *NormalizedError {
	cp := *e
	if e.Header != nil {
		cp.Header = e.Header.Clone()
	}
	return &cp
}

// Classify maps a transport failure to a NormalizedError.
func Classify(err error) *NormalizedError {
	var terr *client.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case client.KindStatus:
			return &NormalizedError{
				Message: terr.Message,
				Status:  terr.Status,
				Data:    terr.Data,
				Header:  terr.Header,
			}
		case client.KindNoResponse:
			return &NormalizedError{
				Message: "Network error: No response received",
				Status:  http.StatusServiceUnavailable,
				Code:    CodeNetworkError,
			}
		case client.KindSetup:
			if terr.Cause != nil {
				return requestSetupError(terr.Cause)
			}
		}
	}
	return requestSetupError(err)
}

func requestSetupError(err error) *NormalizedError {
	return &NormalizedError{
		Message: "Request setup error: " + err.Error(),
		Status:  http.StatusInternalServerError,
		Code:    CodeRequestError,
	}
}

// handleError runs the enrichment hook and then the error handler. Neither
// stage can prevent a reply: hook failures keep the original error and
// handler failures fall back to DefaultErrorHandler.
func (p *Controller) handleError(c echo.Context, nerr *NormalizedError) error {
	nerr = p.enrich(c, nerr)

	if p.opts.Metrics != nil {
		code := nerr.Code
		if code == "" {
			code = CodeUnknownError
		}
		p.opts.Metrics.UpstreamErrors.WithLabelValues(code).Inc()
	}

	if h := p.opts.ErrorResponseHandler; h != nil {
		err := safeCall(func() error { return h(nerr, c) })
		if err == nil {
			return nil
		}
		p.logger.Warn("error response handler failed; using default",
			"err", err,
			"path", c.Request().URL.Path,
		)
		if c.Response().Committed {
			return nil
		}
	}
	return DefaultErrorHandler(nerr, c)
}

func (p *Controller) enrich(c echo.Context, nerr *NormalizedError) *NormalizedError {
	hook := p.opts.ErrorEnrichmentHook
	if hook == nil {
		return nerr
	}

	var out *NormalizedError
	err := safeCall(func() error {
		var herr error
		out, herr = hook(c.Request().Context(), nerr.Clone(), c)
		return herr
	})
	if err != nil {
		p.logger.Warn("error enrichment hook failed; keeping original error",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return nerr
	}
	if out == nil || out.Message == "" {
		return nerr
	}
	return out
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// skippedErrorHeaders describe the remote body, which the error reply replaces.
var skippedErrorHeaders = map[string]bool{
	"Content-Length":    true,
	"Content-Type":      true,
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
}

// DefaultErrorHandler writes {"error":{"message","code","details"?}} with the
// error's status (500 when unset) and re-applies the remote headers.
func DefaultErrorHandler(err *NormalizedError, c echo.Context) error {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	code := err.Code
	if code == "" {
		code = CodeUnknownError
	}

	h := c.Response().Header()
	for k, vals := range err.Header {
		k = http.CanonicalHeaderKey(k)
		if skippedErrorHeaders[k] {
			continue
		}
		h[k] = append([]string(nil), vals...)
	}

	return c.JSON(status, errorBody{Error: errorPayload{
		Message: err.Message,
		Code:    code,
		Details: err.Data,
	}})
}
