package transport

import (
	"encoding/json"
	"fmt"

	"xllm-go/internal/diag"
	"xllm-go/internal/envelope"
	"xllm-go/internal/model"
)

// routed is the codec shared by the transports that wrap a binary payload in a
// model.RoutingEnvelope. The payload is sealed when sealer is set.
type routed struct {
	sealer   *envelope.Sealer
	proxyURL string
}

func (r routed) wrap(plain []byte, proxyURL string) ([]byte, error) {
	payload := plain
	if r.sealer != nil {
		var err error
		if payload, err = r.sealer.Encrypt(plain); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(model.RoutingEnvelope{ProxyURL: proxyURL, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	return b, nil
}

func (r routed) unwrap(b []byte) ([]byte, error) {
	var env model.RoutingEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedEnvelope, err)
	}
	if r.sealer == nil {
		return env.Payload, nil
	}
	return r.sealer.Decrypt(env.Payload)
}

func (r routed) EncodeRequest(req *model.Request) ([]byte, error) {
	plain, err := envelope.MarshalRequest(req)
	if err != nil {
		return nil, err
	}
	return r.wrap(plain, r.proxyURL)
}

func (r routed) DecodeRequest(b []byte) (*model.Request, error) {
	plain, err := r.unwrap(b)
	if err != nil {
		return nil, err
	}
	return envelope.UnmarshalRequest(plain)
}

func (r routed) EncodeResponse(resp *model.Response) ([]byte, error) {
	plain, err := envelope.MarshalResponse(resp)
	if err != nil {
		return nil, err
	}
	return r.wrap(plain, "")
}

func (r routed) EncodeFailure(err error) ([]byte, error) {
	return r.EncodeResponse(&model.Response{Failure: &model.Failure{
		Kind:    model.Kind(err),
		Message: diag.Sanitize(err),
	}})
}

func (r routed) DecodeResponse(b []byte) (*model.Response, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty response", model.ErrMalformedEnvelope)
	}
	plain, err := r.unwrap(b)
	if err != nil {
		return nil, err
	}
	resp, err := envelope.UnmarshalResponse(plain)
	if err != nil {
		return nil, err
	}
	if resp.Failure != nil {
		return nil, resp.Failure.Err()
	}
	return resp, nil
}

// Stream is the encrypted one-exchange-per-connection transport. Request and
// response frames are JSON routing envelopes whose payload is always sealed.
type Stream struct {
	routed
}

// NewStream returns a Stream transport. sealer must not be nil.
func NewStream(sealer *envelope.Sealer, proxyURL string) *Stream {
	return &Stream{routed{sealer: sealer, proxyURL: proxyURL}}
}

// Mode implements Transport.
func (*Stream) Mode() Mode { return ModeStream }

// DecodeRequest implements Transport. Zero bytes means the peer closed without
// sending anything.
func (s *Stream) DecodeRequest(b []byte) (*model.Request, error) {
	if len(b) == 0 {
		return nil, model.ErrEmptyRequest
	}
	return s.routed.DecodeRequest(b)
}

// Obfuscated carries the binary-encoded request inside a routing envelope sent
// as an RPC message. Without a sealer it only hides the request's shape, not its
// content.
type Obfuscated struct {
	routed
}

// NewObfuscated returns an Obfuscated transport. sealer may be nil.
func NewObfuscated(sealer *envelope.Sealer, proxyURL string) *Obfuscated {
	return &Obfuscated{routed{sealer: sealer, proxyURL: proxyURL}}
}

// Mode implements Transport.
func (*Obfuscated) Mode() Mode { return ModeObfuscated }
