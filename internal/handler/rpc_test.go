package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/client"
	"xllm-go/internal/config"
	"xllm-go/internal/diag"
	"xllm-go/internal/metrics"
	"xllm-go/internal/middleware"
	"xllm-go/internal/model"
	"xllm-go/internal/service"
	"xllm-go/internal/transport"
)

var testKey = strings.Repeat("01", 32)

func newTestRelay(t *testing.T, cfg *config.Config, sink diag.Sink) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := service.NewForwarder(client.NewUpstreamClient(5*time.Second, 10, logger, nil), sink, logger)
	h, err := NewRPCHandler(cfg, fwd, sink, logger)
	if err != nil {
		t.Fatalf("NewRPCHandler: %v", err)
	}
	e := echo.New()
	RegisterRoutes(e, h)
	return e
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Anthropic-Ratelimit-Requests-Remaining", "49")
		w.Header().Set("Request-Id", "req_123")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"echo":` + string(b) + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(e *echo.Echo, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestForwardRequest_Plain(t *testing.T) {
	upstream := newUpstream(t)
	rec := &diag.Recorder{}
	e := newTestRelay(t, &config.Config{}, rec)

	tr := transport.NewRPC()
	h := model.Header{}
	h.Set("content-type", "application/json")
	in, err := tr.EncodeRequest(&model.Request{
		Method: model.MethodPost,
		URL:    upstream.URL + "/v1/messages",
		Header: h,
		Body:   []byte(`{"x":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	res := post(e, ForwardRequestPath, in)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.Code, res.Body.String())
	}
	resp, err := tr.DecodeResponse(res.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("upstream status = %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"echo":{"x":1}}` {
		t.Errorf("body = %s", resp.Body)
	}
	if resp.Header.Has("anthropic-ratelimit-requests-remaining") || resp.Header.Has("request-id") {
		t.Errorf("suppressed headers leaked: %v", resp.Header)
	}
	if resp.Header.Get("content-type") != "application/json" {
		t.Errorf("content-type missing: %v", resp.Header)
	}
	if rec.Count(diag.ExchangeCompleted) != 1 || rec.Count(diag.ConnectionAccepted) != 1 {
		t.Errorf("events = %+v", rec.Events())
	}
}

func TestForwardObfuscatedRequest_Sealed(t *testing.T) {
	upstream := newUpstream(t)
	cfg := &config.Config{
		Relay:  config.RelayConfig{EncryptObfuscated: true},
		Crypto: config.CryptoConfig{Key: testKey},
	}
	e := newTestRelay(t, cfg, diag.Discard)

	sealer, err := cfg.Sealer()
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewObfuscated(sealer, "")
	in, err := tr.EncodeRequest(&model.Request{Method: model.MethodPut, URL: upstream.URL, Header: model.Header{}, Body: []byte(`{"y":2}`)})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(in, []byte("127.0.0.1")) {
		t.Fatal("sealed frame leaks the upstream address")
	}

	res := post(e, ForwardObfuscatedRequestPath, in)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.Code, res.Body.String())
	}
	resp, err := tr.DecodeResponse(res.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if string(resp.Body) != `{"echo":{"y":2}}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestForwardObfuscatedRequest_WrongKey(t *testing.T) {
	cfg := &config.Config{
		Relay:  config.RelayConfig{EncryptObfuscated: true},
		Crypto: config.CryptoConfig{Key: testKey},
	}
	e := newTestRelay(t, cfg, diag.Discard)

	other := &config.Config{Crypto: config.CryptoConfig{Key: strings.Repeat("02", 32)}}
	sealer, err := other.Sealer()
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewObfuscated(sealer, "")
	in, err := tr.EncodeRequest(&model.Request{Method: model.MethodGet, URL: "http://example.invalid", Header: model.Header{}})
	if err != nil {
		t.Fatal(err)
	}

	res := post(e, ForwardObfuscatedRequestPath, in)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.Code)
	}
	// The reply is sealed under the relay's key, so the client cannot read it.
	if _, err := tr.DecodeResponse(res.Body.Bytes()); !errors.Is(err, model.ErrAuthenticationFailed) {
		t.Errorf("client decode err = %v", err)
	}
}

func TestForwardRequest_Failures(t *testing.T) {
	e := newTestRelay(t, &config.Config{}, diag.Discard)
	tr := transport.NewRPC()

	encode := func(method model.Method, url string) []byte {
		b, err := tr.EncodeRequest(&model.Request{Method: method, URL: url, Header: model.Header{}})
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	tests := []struct {
		name       string
		body       []byte
		wantStatus int
		wantErr    error
	}{
		{"unsupported method", encode("TRACE", "http://127.0.0.1:1/"), http.StatusBadRequest, model.ErrUnsupportedMethod},
		{"malformed", []byte("not json"), http.StatusBadRequest, model.ErrMalformedEnvelope},
		{"empty body", nil, http.StatusBadRequest, model.ErrMalformedEnvelope},
		{"unreachable", encode(model.MethodGet, "http://127.0.0.1:1/"), http.StatusBadGateway, model.ErrUpstreamUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := post(e, ForwardRequestPath, tt.body)
			if res.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", res.Code, tt.wantStatus, res.Body.String())
			}
			_, err := tr.DecodeResponse(res.Body.Bytes())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("client err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestForwardRequest_FailureKindInMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := service.NewForwarder(client.NewUpstreamClient(5*time.Second, 10, logger, nil), nil, logger)
	h, err := NewRPCHandler(&config.Config{}, fwd, diag.Discard, logger)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	e := echo.New()
	e.Use(middleware.RPCMetrics(m))
	RegisterRoutes(e, h)

	body, err := transport.NewRPC().EncodeRequest(&model.Request{Method: "TRACE", URL: "http://127.0.0.1:1/", Header: model.Header{}})
	if err != nil {
		t.Fatal(err)
	}
	if res := post(e, ForwardRequestPath, body); res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", res.Code)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "xllm_relay_rpc_calls_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["rpc"] == "ForwardRequest" && labels["error_kind"] == "unsupported_method" && labels["status_code"] == "400" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected xllm_relay_rpc_calls_total{rpc=ForwardRequest,status_code=400,error_kind=unsupported_method}")
	}
}

func TestNewRPCHandler_EncryptWithoutKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Relay: config.RelayConfig{EncryptObfuscated: true}}
	if _, err := NewRPCHandler(cfg, nil, diag.Discard, logger); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrUnsupportedMethod, http.StatusBadRequest},
		{model.ErrAuthenticationFailed, http.StatusBadRequest},
		{model.ErrTruncatedCiphertext, http.StatusBadRequest},
		{model.ErrUpstreamUnreachable, http.StatusBadGateway},
		{model.ErrSerialization, http.StatusInternalServerError},
		{fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
