// Package client provides the upstream HTTP transport used by the proxy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"restproxy/internal/config"
	"restproxy/internal/metrics"
	"restproxy/internal/model"
)

// ErrURLRequired is returned when an outbound request carries no URL.
var ErrURLRequired = errors.New("url is required")

// Transport performs one outbound call and returns the fully read response.
// Failures are reported as *Error, except ErrURLRequired.
type Transport interface {
	Perform(ctx context.Context, req *model.OutboundRequest) (*model.RemoteResponse, error)
}

// UpstreamClient sends requests to the remote base address.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// Per-call timeouts come from each OutboundRequest.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	idle := cfg.Upstream.IdleConnections
	if idle <= 0 {
		idle = 100
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        idle,
		MaxIdleConnsPerHost: idle,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Perform executes req. A non-2xx answer is returned as a KindStatus *Error
// carrying the fully read remote body.
func (c *UpstreamClient) Perform(ctx context.Context, req *model.OutboundRequest) (*model.RemoteResponse, error) {
	if req == nil || req.URL == "" {
		return nil, ErrURLRequired
	}

	limit := req.MaxBodyBytes
	if limit <= 0 {
		limit = model.DefaultMaxBodyBytes
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTimeout
	}

	if int64(len(req.Body)) > limit {
		return nil, newSetupError(fmt.Errorf("request body of %d bytes exceeds limit of %d bytes", len(req.Body), limit))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, newSetupError(fmt.Errorf("build upstream request: %w", err))
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", httpReq.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	method := metrics.NormalizeMethod(req.Method)
	if err != nil {
		c.observe(method, "", start)
		return nil, newNoResponseError(fmt.Errorf("upstream request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	c.observe(method, strconv.Itoa(resp.StatusCode), start)
	if err != nil {
		return nil, newNoResponseError(fmt.Errorf("read upstream response: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, newNoResponseError(fmt.Errorf("maxContentLength size of %d exceeded", limit))
	}

	remote := &model.RemoteResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Data:       decodeBody(resp.Header.Get("Content-Type"), data),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(remote)
	}
	return remote, nil
}

func (c *UpstreamClient) observe(method, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != "" {
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
}

// decodeBody returns the JSON value of data when it is JSON, otherwise its text.
func decodeBody(contentType string, data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") || mediaType == "" {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}
