// Package service implements the outbound forwarding step of the relay.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"xllm-go/internal/client"
	"xllm-go/internal/diag"
	"xllm-go/internal/headerfilter"
	"xllm-go/internal/model"
)

// Forwarder executes decoded requests against their upstream URL and filters the
// response headers. It is safe for concurrent use.
type Forwarder struct {
	client *client.UpstreamClient
	sink   diag.Sink
	logger *slog.Logger
}

// NewForwarder creates a Forwarder. A nil sink discards events.
func NewForwarder(c *client.UpstreamClient, sink diag.Sink, logger *slog.Logger) *Forwarder {
	if sink == nil {
		sink = diag.Discard
	}
	return &Forwarder{
		client: c,
		sink:   sink,
		logger: logger.With("component", "forwarder"),
	}
}

// Execute performs exactly one outbound request for req. The method is checked
// before any network activity. Upstream non-2xx statuses are returned as normal
// responses; only transport failures produce ErrUpstreamUnreachable.
func (f *Forwarder) Execute(ctx context.Context, req *model.Request) (*model.Response, error) {
	method, err := model.ParseMethod(string(req.Method))
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(req.Header))
	for _, k := range req.Header.Keys() {
		header.Set(k, req.Header[k])
	}

	f.logger.DebugContext(ctx, "forwarding request",
		"method", method,
		"url", diag.RedactURL(req.URL),
	)

	up, err := f.client.Do(ctx, string(method), req.URL, header, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, err)
	}

	return &model.Response{
		StatusCode: up.StatusCode,
		Header:     f.filterResponseHeaders(ctx, up.Header),
		Body:       up.Body,
	}, nil
}

// filterResponseHeaders drops suppressed headers and flattens multi-valued ones.
func (f *Forwarder) filterResponseHeaders(ctx context.Context, src http.Header) model.Header {
	dst := make(model.Header, len(src))
	for name, vals := range src {
		switch headerfilter.Classify(name) {
		case headerfilter.Suppress:
			f.sink.Emit(ctx, diag.Event{Kind: diag.HeaderSuppressed, Header: name})
			continue
		case headerfilter.Unknown:
			f.sink.Emit(ctx, diag.Event{Kind: diag.HeaderUnrecognized, Header: name})
		}
		dst.Set(name, strings.Join(vals, ", "))
	}
	return dst
}
