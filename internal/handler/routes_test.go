package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"restproxy/internal/client"
	"restproxy/internal/config"
	"restproxy/internal/metrics"
	"restproxy/internal/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := discardLogger()
	m := metrics.New()

	ctrl, err := NewController(cfg, client.NewUpstreamClient(cfg, logger, m), logger, m)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	e := echo.New()
	e.Use(middleware.MetricsMiddleware(m))
	if err := RegisterRoutes(e, ctrl, NewHealthHandler(cfg, "test"), m, cfg, logger); err != nil {
		t.Fatalf("RegisterRoutes: %v", err)
	}
	return e
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"method": r.Method, "path": r.URL.Path})
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstream.URL,
			TimeoutMS:       10000,
			IdleConnections: 10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Routes: []config.RouteConfig{
			{Method: "GET", Path: "/users/:id", UpstreamPath: "/v2/people/:id", Mode: "default"},
			{Method: "POST", Path: "/users", Mode: "raw"},
			{Method: "ANY", Path: "/things/*", Mode: "default"},
		},
	}
	e := newTestServer(t, cfg)

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantUpstream string
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, ""},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, ""},
		{"GET /users/:id uses template", http.MethodGet, "/users/7", http.StatusOK, "/v2/people/7"},
		{"POST /users keeps path", http.MethodPost, "/users", http.StatusOK, "/users"},
		{"PUT /things/* via ANY", http.MethodPut, "/things/a/b", http.StatusOK, "/things/a/b"},
		{"DELETE /things/* via ANY", http.MethodDelete, "/things/x", http.StatusOK, "/things/x"},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound, ""},
		{"DELETE /users/:id not registered", http.MethodDelete, "/users/7", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantUpstream == "" {
				return
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["path"] != tt.wantUpstream {
				t.Errorf("upstream path = %q, want %q", body["path"], tt.wantUpstream)
			}
			if body["method"] != tt.method {
				t.Errorf("upstream method = %q, want %q", body["method"], tt.method)
			}
		})
	}

	t.Run("metrics endpoint", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Body.String(), `restproxy_http_requests_total{method="GET",route="/users/:id",status_code="200"}`) {
			t.Error("metrics output missing proxied route counter")
		}
	})
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "http://127.0.0.1:1", IdleConnections: 1},
		Routes:   []config.RouteConfig{{Method: "GET", Path: "/users"}},
	}
	e := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_UnknownMode(t *testing.T) {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "http://127.0.0.1:1", IdleConnections: 1},
		Routes:   []config.RouteConfig{{Method: "GET", Path: "/users", Mode: "stream"}},
	}
	logger := discardLogger()
	ctrl, err := NewController(cfg, client.NewUpstreamClient(cfg, logger, nil), logger, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	err = RegisterRoutes(echo.New(), ctrl, NewHealthHandler(cfg, "test"), metrics.New(), cfg, logger)
	if err == nil || !strings.Contains(err.Error(), "stream") {
		t.Errorf("RegisterRoutes() error = %v, want unknown mode error", err)
	}
}
