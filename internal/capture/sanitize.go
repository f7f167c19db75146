package capture

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments that must never leave
// the capture boundary.
var sensitiveParams = []string{"token", "key", "password", "secret", "auth", "session"}

const maxTitleLength = 256

// SanitizeURL strips sensitive query parameters from a URL before it is
// stored. Unparseable URLs are returned with their query dropped entirely.
func SanitizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexByte(rawURL, '?'); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}

	query := u.Query()
	for name := range query {
		if isSensitiveParam(name) {
			query.Del(name)
		}
	}
	u.RawQuery = query.Encode()
	u.Fragment = ""

	return u.String()
}

// SanitizeTitle bounds a page title before storage
func SanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLength {
		return title[:maxTitleLength]
	}
	return title
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range sensitiveParams {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
