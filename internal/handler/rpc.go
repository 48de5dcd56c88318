package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/config"
	"xllm-go/internal/diag"
	"xllm-go/internal/middleware"
	"xllm-go/internal/model"
	"xllm-go/internal/transport"
)

// RPC method paths.
const (
	ForwardRequestPath           = "/rpc/ForwardRequest"
	ForwardObfuscatedRequestPath = "/rpc/ForwardObfuscatedRequest"
)

// RPCHandler serves the two RPC methods. Each call is one exchange.
type RPCHandler struct {
	plain      transport.Transport
	obfuscated transport.Transport
	forwarder  transport.Forwarder
	sink       diag.Sink
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRPCHandler creates an RPCHandler. The obfuscated payload is sealed only
// when relay.encrypt_obfuscated is set.
func NewRPCHandler(cfg *config.Config, fwd transport.Forwarder, sink diag.Sink, logger *slog.Logger) (*RPCHandler, error) {
	var obf *transport.Obfuscated
	if cfg.Relay.EncryptObfuscated {
		sealer, err := cfg.Sealer()
		if err != nil {
			return nil, err
		}
		if sealer == nil {
			return nil, fmt.Errorf("relay.encrypt_obfuscated requires crypto.key")
		}
		obf = transport.NewObfuscated(sealer, "")
	} else {
		obf = transport.NewObfuscated(nil, "")
	}

	return &RPCHandler{
		plain:      transport.NewRPC(),
		obfuscated: obf,
		forwarder:  fwd,
		sink:       sink,
		timeout:    cfg.ExchangeTimeout(),
		logger:     logger.With("component", "rpc_handler"),
	}, nil
}

// ForwardRequest handles the plain structured method.
func (h *RPCHandler) ForwardRequest(c echo.Context) error {
	return h.serve(c, h.plain)
}

// ForwardObfuscatedRequest handles the opaque-payload method.
func (h *RPCHandler) ForwardObfuscatedRequest(c echo.Context) error {
	return h.serve(c, h.obfuscated)
}

func (h *RPCHandler) serve(c echo.Context, t transport.Transport) error {
	ctx := c.Request().Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	peer := c.RealIP()
	h.sink.Emit(ctx, diag.Event{Kind: diag.ConnectionAccepted, Transport: string(t.Mode()), Peer: peer})

	in, err := io.ReadAll(c.Request().Body)
	if err != nil {
		// Body limit exceeded or client went away; echo reports the former.
		return err
	}

	res := transport.Exchange(ctx, t, h.forwarder, h.sink, in, peer)
	if res.State == transport.Done {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, res.Reply)
	}
	return h.mapError(c, res)
}

func (h *RPCHandler) mapError(c echo.Context, res transport.Result) error {
	status := StatusFor(res.Err)
	middleware.SetErrorKind(c, model.Kind(res.Err))
	h.logger.Debug("rpc exchange failed",
		"err", diag.Sanitize(res.Err),
		"state", res.FailedIn.String(),
		"status", status,
		"path", c.Request().URL.Path,
	)

	if res.Reply == nil {
		return c.JSON(status, map[string]string{
			"error": model.Kind(res.Err),
		})
	}
	return c.Blob(status, echo.MIMEApplicationJSON, res.Reply)
}

// StatusFor maps an exchange error to the HTTP status of the RPC reply.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrUnsupportedMethod),
		errors.Is(err, model.ErrMalformedEnvelope),
		errors.Is(err, model.ErrTruncatedCiphertext),
		errors.Is(err, model.ErrAuthenticationFailed),
		errors.Is(err, model.ErrEmptyRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSerialization):
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}
