package model

import (
	"errors"
	"fmt"
)

// Exchange errors. Every failure surfaced by the relay wraps exactly one of these.
var (
	ErrUnsupportedMethod    = errors.New("unsupported method")
	ErrUpstreamUnreachable  = errors.New("upstream unreachable")
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrTruncatedCiphertext  = errors.New("truncated ciphertext")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrEmptyRequest         = errors.New("empty request")
	ErrSerialization        = errors.New("serialization error")
)

var kinds = []struct {
	name string
	err  error
}{
	{"unsupported_method", ErrUnsupportedMethod},
	{"upstream_unreachable", ErrUpstreamUnreachable},
	{"malformed_envelope", ErrMalformedEnvelope},
	{"truncated_ciphertext", ErrTruncatedCiphertext},
	{"authentication_failed", ErrAuthenticationFailed},
	{"empty_request", ErrEmptyRequest},
	{"serialization_error", ErrSerialization},
}

// Kind returns the wire name of the sentinel wrapped by err, or "internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}

// KindInternal names failures that wrap none of the exchange errors.
const KindInternal = "internal"

// IsKind reports whether name is a failure kind the relay reports.
func IsKind(name string) bool {
	if name == KindInternal {
		return true
	}
	for _, k := range kinds {
		if k.name == name {
			return true
		}
	}
	return false
}

// ErrorFromKind rebuilds an error reported by the relay so that errors.Is works
// against the sentinels on the client side.
func ErrorFromKind(kind, message string) error {
	for _, k := range kinds {
		if k.name == kind {
			if message == "" {
				return k.err
			}
			return fmt.Errorf("%w: relay: %s", k.err, message)
		}
	}
	return fmt.Errorf("relay: %s: %s", kind, message)
}

// Err converts an in-band failure to an error.
func (f *Failure) Err() error {
	return ErrorFromKind(f.Kind, f.Message)
}
