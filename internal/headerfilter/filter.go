// Package headerfilter decides which upstream response headers may reach the client.
//
// Headers that identify the model provider or the CDN in front of it are dropped.
// Unrecognized names are forwarded, and callers are expected to report them so that
// a new identifying header shows up in diagnostics.
package headerfilter

import "strings"

// Verdict is the classification of a single header name.
type Verdict int

const (
	// Unknown headers are forwarded but should be reported.
	Unknown Verdict = iota
	// Forward marks generic HTTP headers.
	Forward
	// Suppress marks provider-identifying headers.
	Suppress
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// forwardable are generic headers passed through unchanged.
var forwardable = map[string]bool{
	"content-type":              true,
	"content-length":            true,
	"content-encoding":          true,
	"cache-control":             true,
	"expires":                   true,
	"etag":                      true,
	"last-modified":             true,
	"date":                      true,
	"server":                    true,
	"connection":                true,
	"keep-alive":                true,
	"strict-transport-security": true,
	"x-content-type-options":    true,
	"x-frame-options":           true,
	"x-xss-protection":          true,
}

// suppressedPrefixes cover vendor API namespaces, rate-limit and request-id headers.
var suppressedPrefixes = []string{
	"anthropic-",
	"openai-",
	"x-ratelimit",
	"ratelimit-",
	"x-request-id",
}

// suppressed are exact names of proxy/CDN trace headers and similar.
var suppressed = map[string]bool{
	"request-id":      true,
	"cf-ray":          true,
	"cf-cache-status": true,
	"x-cache":         true,
	"x-cache-status":  true,
	"x-amz-cf-id":     true,
	"x-amz-cf-pop":    true,
	"via":             true,
	"x-robots-tag":    true,
	"retry-after":     true,
}

// Classify returns the verdict for name. Comparison ignores case.
func Classify(name string) Verdict {
	n := strings.ToLower(strings.TrimSpace(name))
	if forwardable[n] {
		return Forward
	}
	if suppressed[n] {
		return Suppress
	}
	for _, p := range suppressedPrefixes {
		if strings.HasPrefix(n, p) {
			return Suppress
		}
	}
	return Unknown
}

// IsForwardable reports whether name may be sent back to the client.
func IsForwardable(name string) bool {
	return Classify(name) != Suppress
}
