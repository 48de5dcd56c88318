// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RPCCalls        *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
	RPCRequestBytes *prometheus.HistogramVec
	RPCInFlight     prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ConnectionsTotal *prometheus.CounterVec
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	HeaderVerdicts   *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xllm_relay_rpc_calls_total",
			Help: "Inbound calls by RPC method, HTTP status and relay error kind.",
		}, []string{"rpc", "status_code", "error_kind"}),

		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xllm_relay_rpc_call_duration_seconds",
			Help:    "Inbound call latency in seconds, including the upstream exchange.",
			Buckets: defaultBuckets,
		}, []string{"rpc"}),

		RPCRequestBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xllm_relay_rpc_request_bytes",
			Help:    "Size of inbound RPC request frames.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"rpc"}),

		RPCInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xllm_relay_rpc_calls_in_flight",
			Help: "Number of inbound calls currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xllm_relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xllm_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xllm_relay_connections_total",
			Help: "Inbound connections or calls accepted, by transport.",
		}, []string{"transport"}),

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xllm_relay_exchanges_total",
			Help: "Finished exchanges by transport and outcome.",
		}, []string{"transport", "outcome"}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xllm_relay_exchange_duration_seconds",
			Help:    "Time from decoded request to encoded response.",
			Buckets: defaultBuckets,
		}, []string{"transport"}),

		HeaderVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xllm_relay_response_headers_total",
			Help: "Upstream response headers seen, by filter verdict.",
		}, []string{"verdict"}),
	}

	reg.MustRegister(
		m.RPCCalls,
		m.RPCDuration,
		m.RPCRequestBytes,
		m.RPCInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ConnectionsTotal,
		m.ExchangesTotal,
		m.ExchangeDuration,
		m.HeaderVerdicts,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// rpcNames maps relay routes to their RPC label. Everything else, including
// metric scrapes, is "other".
var rpcNames = map[string]string{
	"/rpc/ForwardRequest":           "ForwardRequest",
	"/rpc/ForwardObfuscatedRequest": "ForwardObfuscatedRequest",
	"/healthz":                      "healthz",
	"/relay/status":                 "status",
}

// RPCName returns a bounded RPC label for an inbound request path.
func RPCName(path string) string {
	if name, ok := rpcNames[path]; ok {
		return name
	}
	return "other"
}
