package transport

import (
	"encoding/json"
	"fmt"

	"xllm-go/internal/diag"
	"xllm-go/internal/model"
)

// rpcResponse is the JSON document returned by ForwardRequest. Error is set
// instead of the response fields when the call failed.
type rpcResponse struct {
	StatusCode int          `json:"status_code,omitempty"`
	Header     model.Header `json:"headers,omitempty"`
	Body       []byte       `json:"body,omitempty"`
	Error      string       `json:"error,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// RPC is the plain structured transport: requests and responses travel as JSON
// documents with no envelope and no application-level encryption.
type RPC struct{}

// NewRPC returns an RPC transport.
func NewRPC() *RPC { return &RPC{} }

// Mode implements Transport.
func (*RPC) Mode() Mode { return ModeRPC }

// EncodeRequest implements Transport.
func (*RPC) EncodeRequest(req *model.Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	return b, nil
}

// DecodeRequest implements Transport.
func (*RPC) DecodeRequest(b []byte) (*model.Request, error) {
	var req model.Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedEnvelope, err)
	}
	if req.Method == "" || req.URL == "" {
		return nil, fmt.Errorf("%w: request without method or url", model.ErrMalformedEnvelope)
	}
	method, err := model.ParseMethod(string(req.Method))
	if err != nil {
		return nil, err
	}
	req.Method = method
	h := model.Header{}
	for _, k := range req.Header.Keys() {
		h.Set(k, req.Header[k])
	}
	req.Header = h
	return &req, nil
}

// EncodeResponse implements Transport.
func (*RPC) EncodeResponse(resp *model.Response) ([]byte, error) {
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return nil, fmt.Errorf("%w: status code %d out of range", model.ErrSerialization, resp.StatusCode)
	}
	b, err := json.Marshal(rpcResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	return b, nil
}

// EncodeFailure implements Transport.
func (*RPC) EncodeFailure(err error) ([]byte, error) {
	b, mErr := json.Marshal(rpcResponse{Error: model.Kind(err), Message: diag.Sanitize(err)})
	if mErr != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, mErr)
	}
	return b, nil
}

// DecodeResponse implements Transport.
func (*RPC) DecodeResponse(b []byte) (*model.Response, error) {
	var doc rpcResponse
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedEnvelope, err)
	}
	if doc.Error != "" {
		return nil, model.ErrorFromKind(doc.Error, doc.Message)
	}
	if doc.StatusCode < 100 || doc.StatusCode > 599 {
		return nil, fmt.Errorf("%w: status code %d out of range", model.ErrMalformedEnvelope, doc.StatusCode)
	}
	if doc.Header == nil {
		doc.Header = model.Header{}
	}
	return &model.Response{StatusCode: doc.StatusCode, Header: doc.Header, Body: doc.Body}, nil
}
