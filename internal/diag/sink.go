// Package diag carries relay events to logs and metrics.
//
// The forwarding core never formats log lines itself; it emits Events to a Sink
// supplied at construction.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"xllm-go/internal/metrics"
)

// Kind identifies an event.
type Kind string

// Event kinds.
const (
	ConnectionAccepted Kind = "connection_accepted"
	EmptyRequest       Kind = "empty_request"
	DecodeFailed       Kind = "decode_failed"
	ForwardFailed      Kind = "forward_failed"
	EncodeFailed       Kind = "encode_failed"
	HeaderSuppressed   Kind = "header_suppressed"
	HeaderUnrecognized Kind = "header_unrecognized"
	ExchangeCompleted  Kind = "exchange_completed"
)

// Event is one observation made while handling an exchange.
type Event struct {
	Kind      Kind
	Transport string
	Peer      string
	Method    string
	URL       string
	Header    string
	Status    int
	Err       error
	Duration  time.Duration
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

type exchangeIDKey struct{}

// WithExchangeID returns ctx tagged with a new random exchange ID.
func WithExchangeID(ctx context.Context) context.Context {
	return context.WithValue(ctx, exchangeIDKey{}, uuid.NewString())
}

// ExchangeID returns the ID stored by WithExchangeID, or "".
func ExchangeID(ctx context.Context) string {
	id, _ := ctx.Value(exchangeIDKey{}).(string)
	return id
}

// LogSink writes events to slog and, when metrics are configured, counts them.
type LogSink struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLogSink creates a LogSink. m may be nil.
func NewLogSink(logger *slog.Logger, m *metrics.Metrics) *LogSink {
	return &LogSink{
		logger:  logger.With("component", "relay"),
		metrics: m,
	}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{"event", string(e.Kind)}
	if id := ExchangeID(ctx); id != "" {
		attrs = append(attrs, "exchange_id", id)
	}
	if e.Transport != "" {
		attrs = append(attrs, "transport", e.Transport)
	}
	if e.Peer != "" {
		attrs = append(attrs, "peer", e.Peer)
	}
	if e.Method != "" {
		attrs = append(attrs, "method", e.Method)
	}
	if e.URL != "" {
		attrs = append(attrs, "url", RedactURL(e.URL))
	}
	if e.Header != "" {
		attrs = append(attrs, "header", e.Header)
	}
	if e.Status != 0 {
		attrs = append(attrs, "status", e.Status)
	}
	if e.Duration != 0 {
		attrs = append(attrs, "duration_ms", e.Duration.Milliseconds())
	}
	if e.Err != nil {
		attrs = append(attrs, "err", Sanitize(e.Err))
	}

	switch e.Kind {
	case DecodeFailed, ForwardFailed, EncodeFailed:
		s.logger.WarnContext(ctx, "exchange failed", attrs...)
	case HeaderUnrecognized:
		s.logger.InfoContext(ctx, "forwarding unrecognized header", attrs...)
	case HeaderSuppressed, ConnectionAccepted, EmptyRequest:
		s.logger.DebugContext(ctx, "relay event", attrs...)
	default:
		s.logger.InfoContext(ctx, "exchange completed", attrs...)
	}

	s.count(e)
}

func (s *LogSink) count(e Event) {
	if s.metrics == nil {
		return
	}
	switch e.Kind {
	case ConnectionAccepted:
		s.metrics.ConnectionsTotal.WithLabelValues(e.Transport).Inc()
	case HeaderSuppressed:
		s.metrics.HeaderVerdicts.WithLabelValues("suppress").Inc()
	case HeaderUnrecognized:
		s.metrics.HeaderVerdicts.WithLabelValues("unknown").Inc()
	case EmptyRequest:
		s.metrics.ExchangesTotal.WithLabelValues(e.Transport, "empty").Inc()
	case DecodeFailed:
		s.metrics.ExchangesTotal.WithLabelValues(e.Transport, "decode_failed").Inc()
	case ForwardFailed:
		s.metrics.ExchangesTotal.WithLabelValues(e.Transport, "forward_failed").Inc()
	case EncodeFailed:
		s.metrics.ExchangesTotal.WithLabelValues(e.Transport, "encode_failed").Inc()
	case ExchangeCompleted:
		s.metrics.ExchangesTotal.WithLabelValues(e.Transport, "ok").Inc()
		s.metrics.ExchangeDuration.WithLabelValues(e.Transport).Observe(e.Duration.Seconds())
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
