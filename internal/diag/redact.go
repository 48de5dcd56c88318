package diag

import (
	"net/url"
	"regexp"
)

// secretQueryPattern matches credential-looking query parameters in URLs embedded in error messages.
var secretQueryPattern = regexp.MustCompile(`(?i)((?:api_?key|key|token|access_token)=)[^&\s"]+`)

// Sanitize redacts credentials from an error message.
func Sanitize(err error) string {
	return secretQueryPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

// RedactURL drops userinfo and query from u for logging.
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "[unparseable]"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
