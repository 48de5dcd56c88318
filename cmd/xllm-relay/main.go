package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"xllm-go/internal/client"
	"xllm-go/internal/config"
	"xllm-go/internal/diag"
	"xllm-go/internal/handler"
	"xllm-go/internal/metrics"
	"xllm-go/internal/middleware"
	"xllm-go/internal/relay"
	"xllm-go/internal/service"
	"xllm-go/internal/transport"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("xllm-relay"),
		kong.Description("Obfuscating relay for LLM API requests."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newSink,
			newUpstreamClient,
			service.NewForwarder,
			func(f *service.Forwarder) transport.Forwarder { return f },
			newTransport,
			newEcho,
			handler.NewRPCHandler,
			handler.NewHealthHandler,
			relay.NewServer,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startRelay),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newSink(logger *slog.Logger, m *metrics.Metrics) diag.Sink {
	return diag.NewLogSink(logger, m)
}

func newUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.UpstreamClient {
	return client.NewUpstreamClient(cfg.UpstreamTimeout(), cfg.Upstream.IdleConnections, logger, m)
}

func newTransport(cfg *config.Config) (transport.Transport, error) {
	sealer, err := cfg.Sealer()
	if err != nil {
		return nil, err
	}
	return transport.New(cfg.TransportMode(), sealer, "")
}

// newEcho builds the HTTP front-end. In the RPC modes it serves the RPC methods
// on the relay port; in stream mode it only serves the admin routes.
func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Replies are only written once the upstream call finished, so the write
	// deadline must cover the whole exchange.
	e.Server.WriteTimeout = cfg.ExchangeTimeout() + 10*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.RPCMetrics(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerRoutes(e *echo.Echo, cfg *config.Config, rpc *handler.RPCHandler, health *handler.HealthHandler, m *metrics.Metrics) {
	if cfg.TransportMode() != transport.ModeStream {
		handler.RegisterRoutes(e, rpc)
	}
	handler.RegisterAdminRoutes(e, cfg, health, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startRelay(lc fx.Lifecycle, srv *relay.Server, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	adminAddr := ""
	if srv.Mode() == transport.ModeStream {
		adminAddr = cfg.Admin.Addr()
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := srv.Listen(cfg.Server.Addr())
			if err != nil {
				return err
			}
			logger.Info("starting relay", "addr", cfg.Server.Addr(), "mode", string(srv.Mode()), "version", version)
			go func() {
				if err := srv.Serve(ln); err != nil {
					logger.Error("relay error", "err", err)
				}
			}()

			if adminAddr == "" {
				return nil
			}
			adminLn, err := net.Listen("tcp", adminAddr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", adminAddr, err)
			}
			logger.Info("starting admin server", "addr", adminAddr)
			go func() {
				if err := e.Server.Serve(adminLn); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if adminAddr != "" {
				if err := e.Shutdown(ctx); err != nil {
					logger.Warn("admin shutdown", "err", err)
				}
			}
			return srv.Shutdown(ctx)
		},
	})
}
