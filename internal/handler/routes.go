package handler

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"restproxy/internal/config"
	"restproxy/internal/metrics"
	"restproxy/internal/proxy"
)

// RegisterRoutes wires the service endpoints and one proxied route per
// [[routes]] entry onto the Echo instance.
func RegisterRoutes(e *echo.Echo, ctrl *proxy.Controller, health *HealthHandler, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) error {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, r := range cfg.Routes {
		mode, err := responseMode(r.Mode)
		if err != nil {
			return fmt.Errorf("route %s %s: %w", r.Method, r.Path, err)
		}
		h := ctrl.Route(r.UpstreamPath, mode)
		if r.Method == "ANY" {
			e.Any(r.Path, h)
		} else {
			e.Add(r.Method, r.Path, h)
		}
		logger.Debug("route registered",
			"method", r.Method,
			"path", r.Path,
			"upstream_path", r.UpstreamPath,
			"mode", mode.String(),
		)
	}
	return nil
}

func responseMode(name string) (proxy.ResponseMode, error) {
	switch name {
	case "", "default":
		return proxy.Default, nil
	case "raw":
		return proxy.Raw, nil
	default:
		return proxy.Default, fmt.Errorf("unknown response mode %q", name)
	}
}
