// Package middleware provides Echo middleware for the relay's RPC front-end.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/diag"
)

// RequestLogger returns an Echo middleware that tags each call with an exchange
// ID and logs it with slog once the handler returns.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			ctx := diag.WithExchangeID(c.Request().Context())
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.InfoContext(ctx, "rpc call",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"exchange_id", diag.ExchangeID(ctx),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
