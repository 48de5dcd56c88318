// Package model defines the request, response and envelope types carried by the relay.
package model

import (
	"fmt"
	"slices"
	"strings"
)

// Method is an HTTP verb the relay is willing to forward.
type Method string

// Supported methods.
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodPatch  Method = "PATCH"
	MethodHead   Method = "HEAD"
)

// Methods lists every supported method.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead}

// ParseMethod normalizes s to upper case and checks it against Methods.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(Methods, m) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
	return m, nil
}

// Header maps header names to values. Names keep the case they were set with but
// are compared case-insensitively; at most one entry exists per folded name.
type Header map[string]string

// Set stores value under name, replacing any entry whose name differs only in case.
func (h Header) Set(name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = value
}

// Get returns the value stored under name, ignoring case.
func (h Header) Get(name string) string {
	v, _ := h.lookup(name)
	return v
}

// Has reports whether an entry exists for name, ignoring case.
func (h Header) Has(name string) bool {
	_, ok := h.lookup(name)
	return ok
}

// Del removes the entry for name, ignoring case.
func (h Header) Del(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// Keys returns the header names in sorted order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns a copy of h. A nil Header clones to an empty one.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (h Header) lookup(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Request is one HTTP request to be performed by the relay.
//
// Method is kept as received so that a decoded request naming an unsupported verb
// can still be rejected by the forwarder before any network I/O.
type Request struct {
	Method Method `json:"method"`
	URL    string `json:"url"`
	Header Header `json:"headers"`
	Body   []byte `json:"body"`
}

// NewRequest builds a Request, rejecting unsupported methods.
func NewRequest(method, url string, header Header, body []byte) (*Request, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("request url is required")
	}
	h := make(Header, len(header))
	for _, k := range header.Keys() {
		h.Set(k, header[k])
	}
	return &Request{Method: m, URL: url, Header: h, Body: body}, nil
}

// Response is the upstream answer as seen by the client, after header filtering.
type Response struct {
	StatusCode int    `json:"status_code"`
	Header     Header `json:"headers"`
	Body       []byte `json:"body"`

	// Failure is set instead of the fields above when the relay could not
	// complete the exchange and reports it in-band.
	Failure *Failure `json:"failure,omitempty"`
}

// Failure describes an exchange that failed at the relay.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RoutingEnvelope is the wire wrapper of the stream and obfuscated transports.
// ProxyURL is never encrypted; Payload is opaque.
type RoutingEnvelope struct {
	ProxyURL string `json:"proxy_url,omitempty"`
	Payload  []byte `json:"payload"`
}
