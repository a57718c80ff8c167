package util

import (
	"fmt"
	"net/url"
	"strings"
)

// HostAllowed reports whether host equals one of allowed or is a
// subdomain of one. Matching is case-insensitive and ignores a leading
// "www.".
func HostAllowed(host string, allowed []string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, d := range allowed {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ValidateFetchURL parses rawURL and checks that it is an http(s) URL on
// an allowed host.
func ValidateFetchURL(rawURL string, allowed []string) (*url.URL, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %s: %w", rawURL, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %q: only http and https allowed", parsedURL.Scheme)
	}
	if !HostAllowed(parsedURL.Hostname(), allowed) {
		return nil, fmt.Errorf("security violation: URL hostname %s is not in allowlist", parsedURL.Hostname())
	}
	return parsedURL, nil
}
