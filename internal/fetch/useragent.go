package fetch

import "strings"

// DefaultUserAgent is a desktop Chrome UA used when none (or an API client UA) is supplied.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var apiClientPrefixes = []string{
	"curl/",
	"node-fetch/",
	"python-requests/",
	"go-http-client/",
	"wget/",
	"libwww-perl/",
	"java/",
	"okhttp/",
	"axios/",
}

// IsAPIClient reports whether ua identifies a programmatic HTTP client.
func IsAPIClient(ua string) bool {
	lower := strings.ToLower(ua)
	for _, prefix := range apiClientPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// BrowserUserAgent returns ua unless it is empty or an API client string.
func BrowserUserAgent(ua string) string {
	if strings.TrimSpace(ua) == "" || IsAPIClient(ua) {
		return DefaultUserAgent
	}
	return ua
}

// UserAgentOrDefault returns ua, or DefaultUserAgent when blank.
func UserAgentOrDefault(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return DefaultUserAgent
	}
	return ua
}
