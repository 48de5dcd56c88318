// Package transport implements the three wire shapes the relay speaks.
//
// Every variant turns inbound bytes into a model.Request and a model.Response into
// outbound bytes (relay side), and does the reverse on the client side. The
// forwarding itself is shared and driven by Exchange.
package transport

import (
	"context"
	"fmt"
	"strings"

	"xllm-go/internal/envelope"
	"xllm-go/internal/model"
)

// Mode names a transport variant.
type Mode string

// Transport modes.
const (
	ModeStream     Mode = "stream"
	ModeRPC        Mode = "rpc"
	ModeObfuscated Mode = "obfuscated"
)

// ParseMode maps a config value to a Mode. Empty selects ModeStream.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStream:
		return ModeStream, nil
	case ModeRPC:
		return ModeRPC, nil
	case ModeObfuscated:
		return ModeObfuscated, nil
	}
	return "", fmt.Errorf("unknown transport %q (want stream, rpc or obfuscated)", s)
}

// Transport encodes and decodes one exchange.
type Transport interface {
	Mode() Mode

	// EncodeRequest and DecodeResponse are used by the client.
	EncodeRequest(req *model.Request) ([]byte, error)
	DecodeResponse(b []byte) (*model.Response, error)

	// DecodeRequest, EncodeResponse and EncodeFailure are used by the relay.
	DecodeRequest(b []byte) (*model.Request, error)
	EncodeResponse(resp *model.Response) ([]byte, error)
	EncodeFailure(err error) ([]byte, error)
}

// Forwarder performs the outbound call for a decoded request.
type Forwarder interface {
	Execute(ctx context.Context, req *model.Request) (*model.Response, error)
}

// New returns the Transport for mode. sealer is required for ModeStream and
// optional for ModeObfuscated; proxyURL is the routing hint written by clients.
func New(mode Mode, sealer *envelope.Sealer, proxyURL string) (Transport, error) {
	switch mode {
	case ModeStream:
		if sealer == nil {
			return nil, fmt.Errorf("stream transport requires a key")
		}
		return NewStream(sealer, proxyURL), nil
	case ModeRPC:
		return NewRPC(), nil
	case ModeObfuscated:
		return NewObfuscated(sealer, proxyURL), nil
	}
	return nil, fmt.Errorf("unknown transport %q", mode)
}
