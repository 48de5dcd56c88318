package diag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"xllm-go/internal/metrics"
)

func TestWithExchangeID(t *testing.T) {
	ctx := context.Background()
	if ExchangeID(ctx) != "" {
		t.Fatal("expected empty exchange id on bare context")
	}
	a := ExchangeID(WithExchangeID(ctx))
	b := ExchangeID(WithExchangeID(ctx))
	if a == "" || b == "" || a == b {
		t.Errorf("exchange ids = %q, %q; want two distinct non-empty ids", a, b)
	}
}

func TestLogSink_WritesAndCounts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := metrics.New()
	s := NewLogSink(logger, m)

	ctx := WithExchangeID(context.Background())
	s.Emit(ctx, Event{Kind: ConnectionAccepted, Transport: "stream", Peer: "127.0.0.1:1"})
	s.Emit(ctx, Event{Kind: HeaderUnrecognized, Transport: "stream", Header: "x-new"})
	s.Emit(ctx, Event{
		Kind:      ForwardFailed,
		Transport: "stream",
		URL:       "https://user:pw@example.test/v1?key=secret",
		Err:       fmt.Errorf("get https://example.test/?api_key=secret: %w", errors.New("refused")),
	})

	out := buf.String()
	if !strings.Contains(out, ExchangeID(ctx)) {
		t.Error("log output should carry the exchange id")
	}
	if strings.Contains(out, "secret") || strings.Contains(out, "pw@") {
		t.Errorf("log output leaks credentials: %s", out)
	}
	if !strings.Contains(out, `"header":"x-new"`) {
		t.Errorf("expected unrecognized header in log output: %s", out)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[f.GetName()] += c.GetValue()
			}
		}
	}
	if counts["xllm_relay_connections_total"] != 1 {
		t.Errorf("connections_total = %v, want 1", counts["xllm_relay_connections_total"])
	}
	if counts["xllm_relay_exchanges_total"] != 1 {
		t.Errorf("exchanges_total = %v, want 1", counts["xllm_relay_exchanges_total"])
	}
	if counts["xllm_relay_response_headers_total"] != 1 {
		t.Errorf("response_headers_total = %v, want 1", counts["xllm_relay_response_headers_total"])
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Emit(context.Background(), Event{Kind: HeaderSuppressed})
	r.Emit(context.Background(), Event{Kind: HeaderSuppressed})
	r.Emit(context.Background(), Event{Kind: ExchangeCompleted})
	if r.Count(HeaderSuppressed) != 2 {
		t.Errorf("Count(HeaderSuppressed) = %d, want 2", r.Count(HeaderSuppressed))
	}
	if len(r.Events()) != 3 {
		t.Errorf("len(Events()) = %d, want 3", len(r.Events()))
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts api_key in URL",
			err:  `Get "https://example.test/v1?api_key=secret123&q=1": connection refused`,
			want: `Get "https://example.test/v1?api_key=[REDACTED]&q=1": connection refused`,
		},
		{
			name: "redacts token at end of URL",
			err:  `Get "https://example.test/v1?token=abc": EOF`,
			want: `Get "https://example.test/v1?token=[REDACTED]": EOF`,
		},
		{
			name: "no secret unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(errors.New(tt.err)); got != tt.want {
				t.Errorf("Sanitize() = %q, want %q", got, tt.want)
			}
		})
	}
}
