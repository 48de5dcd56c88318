package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/metrics"
)

// errorKindKey is the echo context key carrying the relay error kind of a call.
const errorKindKey = "xllm.error_kind"

// SetErrorKind records why a call failed, for RPCMetrics to label it with.
func SetErrorKind(c echo.Context, kind string) {
	c.Set(errorKindKey, kind)
}

// RPCMetrics records one sample per inbound call, labelled by RPC method and
// by the relay error kind set through SetErrorKind. Failures without a kind
// (body limit, routing) are labelled "rejected".
func RPCMetrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RPCInFlight.Inc()
			defer m.RPCInFlight.Dec()

			rpc := metrics.RPCName(c.Request().URL.Path)
			if n := c.Request().ContentLength; n >= 0 && c.Request().Method == http.MethodPost {
				m.RPCRequestBytes.WithLabelValues(rpc).Observe(float64(n))
			}

			start := time.Now()
			err := next(c)

			// An *echo.HTTPError has not been written yet; the central error
			// handler does that after us.
			statusCode := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				statusCode = he.Code
			}

			kind, _ := c.Get(errorKindKey).(string)
			switch {
			case kind != "":
			case statusCode >= 400:
				kind = "rejected"
			default:
				kind = "none"
			}

			m.RPCCalls.WithLabelValues(rpc, strconv.Itoa(statusCode), kind).Inc()
			m.RPCDuration.WithLabelValues(rpc).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
