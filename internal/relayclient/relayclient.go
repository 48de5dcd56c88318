// Package relayclient sends requests to an LLM API, either directly or through
// an xllm relay using one of its transports.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"xllm-go/internal/client"
	"xllm-go/internal/config"
	"xllm-go/internal/diag"
	"xllm-go/internal/handler"
	"xllm-go/internal/model"
	"xllm-go/internal/service"
	"xllm-go/internal/transport"
)

// ErrRelayStatus is returned when the relay's HTTP front-end rejects a call
// before any exchange ran, for example on a body or rate limit.
var ErrRelayStatus = errors.New("relay rejected call")

// Doer performs one request and returns the upstream response.
type Doer interface {
	Do(ctx context.Context, req *model.Request) (*model.Response, error)
}

// New returns the Doer selected by cfg: a Direct client when the relay is off,
// otherwise one for the configured transport.
func New(cfg *config.ClientConfig, logger *slog.Logger) (Doer, error) {
	if !cfg.Global.Proxy {
		up := client.NewUpstreamClient(cfg.Timeout(), 2, logger, nil)
		return NewDirect(service.NewForwarder(up, diag.Discard, logger)), nil
	}

	sealer, err := cfg.Sealer()
	if err != nil {
		return nil, err
	}
	mode := cfg.TransportMode()
	switch mode {
	case transport.ModeStream:
		s, err := NewStream(cfg.Global.ProxyURL, transport.NewStream(sealer, cfg.Global.ProxyURL), cfg.Timeout())
		if err != nil {
			return nil, err
		}
		return s, nil
	case transport.ModeRPC:
		return NewRPC(cfg.Global.ProxyURL, transport.NewRPC(), cfg.Timeout()), nil
	case transport.ModeObfuscated:
		if !cfg.Global.EncryptObfuscated {
			sealer = nil
		}
		return NewRPC(cfg.Global.ProxyURL, transport.NewObfuscated(sealer, cfg.Global.ProxyURL), cfg.Timeout()), nil
	}
	return nil, fmt.Errorf("unknown transport %q", mode)
}

// Direct calls the upstream itself.
type Direct struct {
	fwd transport.Forwarder
}

// NewDirect wraps fwd.
func NewDirect(fwd transport.Forwarder) *Direct {
	return &Direct{fwd: fwd}
}

// Do implements Doer.
func (d *Direct) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	return d.fwd.Execute(ctx, req)
}

// Stream speaks the one-exchange-per-connection TCP transport.
type Stream struct {
	addr    string
	t       transport.Transport
	timeout time.Duration
}

// NewStream returns a Stream client for proxyURL, which may be host:port or a
// URL whose host part is used.
func NewStream(proxyURL string, t transport.Transport, timeout time.Duration) (*Stream, error) {
	addr, err := hostPort(proxyURL)
	if err != nil {
		return nil, err
	}
	return &Stream{addr: addr, t: t, timeout: timeout}, nil
}

// Do implements Doer.
func (s *Stream) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	frame, err := s.t.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", s.addr, err)
	}
	defer func() { _ = conn.Close() }()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("send to relay: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return nil, fmt.Errorf("send to relay: %w", err)
		}
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read from relay: %w", err)
	}
	return s.t.DecodeResponse(reply)
}

// RPC calls one of the relay's RPC methods over HTTP.
type RPC struct {
	http *resty.Client
	t    transport.Transport
	path string
}

// NewRPC returns an RPC client. The method is chosen by t's mode.
func NewRPC(proxyURL string, t transport.Transport, timeout time.Duration) *RPC {
	base := proxyURL
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	path := handler.ForwardRequestPath
	if t.Mode() == transport.ModeObfuscated {
		path = handler.ForwardObfuscatedRequestPath
	}
	return &RPC{
		http: resty.New().SetBaseURL(strings.TrimRight(base, "/")).SetTimeout(timeout),
		t:    t,
		path: path,
	}
}

// Do implements Doer. Relay failures come back as error documents and are
// returned as errors wrapping the matching model sentinel.
func (r *RPC) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	frame, err := r.t.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(frame).
		Post(r.path)
	if err != nil {
		return nil, fmt.Errorf("call relay: %w", err)
	}

	if resp.IsError() && !isRelayFailure(resp.Body()) {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRelayStatus, resp.StatusCode(), errorText(resp.Body()))
	}
	out, err := r.t.DecodeResponse(resp.Body())
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrRelayStatus, resp.StatusCode())
	}
	return out, nil
}

// failureDoc covers both shapes of a relay failure reply: an RPC error
// document or a routing envelope carrying an encoded Failure.
type failureDoc struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Payload []byte `json:"payload"`
}

// isRelayFailure reports whether b is a failure produced by an exchange, as
// opposed to a rejection by the HTTP front-end (body limit, rate limit).
func isRelayFailure(b []byte) bool {
	var doc failureDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return false
	}
	return len(doc.Payload) > 0 || model.IsKind(doc.Error)
}

func errorText(b []byte) string {
	var doc failureDoc
	if err := json.Unmarshal(b, &doc); err == nil {
		switch {
		case doc.Error != "" && doc.Message != "":
			return doc.Error + ": " + doc.Message
		case doc.Error != "":
			return doc.Error
		case doc.Message != "":
			return doc.Message
		}
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return strings.TrimSpace(string(b))
}

// hostPort extracts host:port from a relay address.
func hostPort(proxyURL string) (string, error) {
	s := strings.TrimSpace(proxyURL)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("parse proxy_url: %w", err)
		}
		s = u.Host
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return "", fmt.Errorf("proxy_url %q: want host:port: %w", proxyURL, err)
	}
	return s, nil
}
