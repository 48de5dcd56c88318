// Package envelope serializes requests and responses for the wire and seals them
// with a pre-shared key.
//
// The plain form is protobuf wire format written with protowire, so every field is
// tagged and unknown fields can be skipped by older peers:
//
//	Request:  1 method, 2 url, 3 header (repeated {1 name, 2 value}), 4 body
//	Response: 1 status_code, 2 header (repeated {1 name, 2 value}), 3 body,
//	          15 failure {1 kind, 2 message}
//
// Header entries are written in sorted name order, so equal values always
// serialize to equal bytes.
package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"xllm-go/internal/model"
)

const (
	reqMethod protowire.Number = 1
	reqURL    protowire.Number = 2
	reqHeader protowire.Number = 3
	reqBody   protowire.Number = 4

	respStatus  protowire.Number = 1
	respHeader  protowire.Number = 2
	respBody    protowire.Number = 3
	respFailure protowire.Number = 15

	entryName  protowire.Number = 1
	entryValue protowire.Number = 2

	failureKind    protowire.Number = 1
	failureMessage protowire.Number = 2
)

// MarshalRequest returns the canonical encoding of req.
func MarshalRequest(req *model.Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", model.ErrSerialization)
	}
	var b []byte
	b = appendString(b, reqMethod, string(req.Method))
	b = appendString(b, reqURL, req.URL)
	b = appendHeader(b, reqHeader, req.Header)
	if len(req.Body) > 0 {
		b = protowire.AppendTag(b, reqBody, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Body)
	}
	return b, nil
}

// UnmarshalRequest decodes bytes produced by MarshalRequest.
func UnmarshalRequest(b []byte) (*model.Request, error) {
	req := &model.Request{Header: model.Header{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Method = model.Method(v)
			return n, nil
		case num == reqURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.URL = v
			return n, nil
		case num == reqHeader && typ == protowire.BytesType:
			return consumeEntry(b, req.Header)
		case num == reqBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			req.Body = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if req.Method == "" || req.URL == "" {
		return nil, fmt.Errorf("%w: request without method or url", model.ErrMalformedEnvelope)
	}
	if req.Method, err = model.ParseMethod(string(req.Method)); err != nil {
		return nil, err
	}
	return req, nil
}

// MarshalResponse returns the canonical encoding of resp.
func MarshalResponse(resp *model.Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", model.ErrSerialization)
	}
	var b []byte
	if resp.Failure != nil {
		var f []byte
		f = appendString(f, failureKind, resp.Failure.Kind)
		f = appendString(f, failureMessage, resp.Failure.Message)
		b = protowire.AppendTag(b, respFailure, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
		return b, nil
	}
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return nil, fmt.Errorf("%w: status code %d out of range", model.ErrSerialization, resp.StatusCode)
	}
	b = protowire.AppendTag(b, respStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.StatusCode))
	b = appendHeader(b, respHeader, resp.Header)
	if len(resp.Body) > 0 {
		b = protowire.AppendTag(b, respBody, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Body)
	}
	return b, nil
}

// UnmarshalResponse decodes bytes produced by MarshalResponse.
func UnmarshalResponse(b []byte) (*model.Response, error) {
	resp := &model.Response{Header: model.Header{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == respStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && (v < 100 || v > 599) {
				return 0, fmt.Errorf("%w: status code %d out of range", model.ErrMalformedEnvelope, v)
			}
			resp.StatusCode = int(v)
			return n, nil
		case num == respHeader && typ == protowire.BytesType:
			return consumeEntry(b, resp.Header)
		case num == respBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			resp.Body = append([]byte(nil), v...)
			return n, nil
		case num == respFailure && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f, err := unmarshalFailure(v)
			if err != nil {
				return 0, err
			}
			resp.Failure = f
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Failure == nil && resp.StatusCode == 0 {
		return nil, fmt.Errorf("%w: response without status code", model.ErrMalformedEnvelope)
	}
	return resp, nil
}

func unmarshalFailure(b []byte) (*model.Failure, error) {
	f := &model.Failure{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == failureKind || num == failureMessage) {
			v, n := protowire.ConsumeString(b)
			if num == failureKind {
				f.Kind = v
			} else {
				f.Message = v
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// walk iterates over the fields of one message. fn receives the bytes following the
// tag and returns how many of them the field value used.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", model.ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", model.ErrMalformedEnvelope, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendHeader(b []byte, num protowire.Number, h model.Header) []byte {
	for _, k := range h.Keys() {
		var e []byte
		e = appendString(e, entryName, k)
		e = protowire.AppendTag(e, entryValue, protowire.BytesType)
		e = protowire.AppendString(e, h[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func consumeEntry(b []byte, h model.Header) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	var name, value string
	err := walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == entryName || num == entryValue) {
			s, m := protowire.ConsumeString(b)
			if num == entryName {
				name = s
			} else {
				value = s
			}
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return 0, err
	}
	if name == "" {
		return 0, fmt.Errorf("%w: header entry without name", model.ErrMalformedEnvelope)
	}
	h.Set(name, value)
	return n, nil
}
