package fault

import (
	"net/url"
	"regexp"
)

// MaxMessageBytes caps the persisted error message.
const MaxMessageBytes = 4 * 1024

const truncationMarker = "...[truncated]"

var (
	urlQueryPattern   = regexp.MustCompile(`(https?://[^\s"'?#]+)\?[^\s"']*`)
	bearerPattern     = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	authHeaderPattern = regexp.MustCompile(`(?i)authorization:\s*[^\s,;"']+`)
	apiKeyPattern     = regexp.MustCompile(`(?i)(api[_-]?key["':=\s]+)[A-Za-z0-9._~+/-]+`)
	pdfDataPattern    = regexp.MustCompile(`data:application/pdf;base64,[A-Za-z0-9+/=]*`)
)

// Redact strips URL query strings, Authorization headers, bearer tokens, API
// keys, and inline PDF payloads from s. Applied to every message before it is
// logged or persisted.
func Redact(s string) string {
	s = pdfDataPattern.ReplaceAllString(s, "data:application/pdf;base64,[redacted]")
	s = urlQueryPattern.ReplaceAllString(s, "$1?[redacted]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
	s = authHeaderPattern.ReplaceAllString(s, "Authorization: [redacted]")
	s = apiKeyPattern.ReplaceAllString(s, "${1}[redacted]")
	return s
}

// Truncate clamps s to max bytes, appending a marker when cut. The cut backs
// off to a UTF-8 rune boundary.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncationMarker
}

// PersistableMessage renders err for jobs.error_message: stage-tagged,
// redacted, and capped at MaxMessageBytes.
func PersistableMessage(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(Redact(err.Error()), MaxMessageBytes)
}

// SafeURL reduces raw to scheme://host/path for logging. Query strings and
// fragments never reach the logs.
func SafeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable-url]"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
