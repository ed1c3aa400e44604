package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"restproxy/internal/client"
	"restproxy/internal/config"
	"restproxy/internal/metrics"
	"restproxy/internal/middleware"
	"restproxy/internal/model"
	"restproxy/internal/pathutil"
	"restproxy/internal/proxy"
)

const headerAcceptEncoding = "Accept-Encoding"

// NewController builds the proxy controller from the [upstream], [errors]
// and [log] config sections.
func NewController(cfg *config.Config, transport client.Transport, logger *slog.Logger, m *metrics.Metrics) (*proxy.Controller, error) {
	return proxy.New(proxy.Options{
		BaseAddress:             cfg.Upstream.BaseURL,
		HeaderGenerator:         HeaderGenerator(&cfg.Upstream),
		Transport:               transport,
		Timeout:                 cfg.Upstream.Timeout(),
		MaxBodyBytes:            cfg.Upstream.MaxBodyBytes,
		ResponseHeaderGenerator: ResponseHeaders(cfg.Upstream.ExposeHeaders),
		ErrorEnrichmentHook:     ErrorEnricher(&cfg.Errors),
		Debug:                   cfg.Log.Debug,
		Logger:                  logger,
		Metrics:                 m,
	})
}

// HeaderGenerator returns outbound headers made of the static [upstream.headers]
// table, the inbound headers named in forward_headers and the request id.
// Hop-by-hop headers and Accept-Encoding are never sent: the transport owns
// compression and relays bodies already decoded.
func HeaderGenerator(cfg *config.UpstreamConfig) proxy.HeaderFunc {
	static := pathutil.HeaderFrom(cfg.Headers)
	static.Del(headerAcceptEncoding)
	forward := make([]string, 0, len(cfg.ForwardHeaders))
	for _, name := range cfg.ForwardHeaders {
		if middleware.IsHopByHop(name) || http.CanonicalHeaderKey(name) == headerAcceptEncoding {
			continue
		}
		forward = append(forward, http.CanonicalHeaderKey(name))
	}

	return func(c echo.Context) http.Header {
		h := static.Clone()
		if h == nil {
			h = make(http.Header)
		}
		in := c.Request().Header
		for _, name := range forward {
			if vals := in.Values(name); len(vals) > 0 {
				h[name] = append([]string(nil), vals...)
			}
		}
		if id := requestID(c); id != "" {
			h.Set(echo.HeaderXRequestID, id)
		}
		return h
	}
}

// ResponseHeaders copies the named remote headers onto successful replies.
// It returns nil when there is nothing to expose.
func ResponseHeaders(names []string) proxy.ResponseHeaderFunc {
	if len(names) == 0 {
		return nil
	}
	canonical := make([]string, len(names))
	for i, name := range names {
		canonical[i] = http.CanonicalHeaderKey(name)
	}
	return func(resp *model.RemoteResponse) http.Header {
		out := make(http.Header, len(canonical))
		for _, name := range canonical {
			if vals := resp.Header.Values(name); len(vals) > 0 {
				out[name] = append([]string(nil), vals...)
			}
		}
		return out
	}
}

// ErrorEnricher maps remote statuses to application codes through the
// [errors.codes] table and stamps the request id into the error headers.
// Errors that already carry a code keep it. Returns nil when disabled.
func ErrorEnricher(cfg *config.ErrorsConfig) proxy.EnrichHook {
	if len(cfg.Codes) == 0 && !cfg.RequestID {
		return nil
	}
	codes := cfg.Codes
	stampID := cfg.RequestID

	return func(_ context.Context, nerr *proxy.NormalizedError, c echo.Context) (*proxy.NormalizedError, error) {
		if nerr.Code == "" {
			if code, ok := codes[strconv.Itoa(nerr.Status)]; ok {
				nerr.Code = code
			}
		}
		if stampID {
			if id := requestID(c); id != "" {
				if nerr.Header == nil {
					nerr.Header = make(http.Header)
				}
				nerr.Header.Set(echo.HeaderXRequestID, id)
			}
		}
		return nerr, nil
	}
}

// requestID prefers the id assigned by the RequestID middleware.
func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
