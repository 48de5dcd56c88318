package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xllm-go/internal/config"
	"xllm-go/internal/metrics"
)

// RegisterRoutes wires the RPC methods onto the relay's Echo instance.
func RegisterRoutes(e *echo.Echo, rpc *RPCHandler) {
	e.POST(ForwardRequestPath, rpc.ForwardRequest)
	e.POST(ForwardObfuscatedRequestPath, rpc.ForwardObfuscatedRequest)
}

// RegisterAdminRoutes wires health, status and, when enabled, metrics. m may be nil.
func RegisterAdminRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
