package crawl

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes an http(s) URL so the same page queued twice
// compares equal. Scheme and host are lowercased, default ports and fragments
// dropped and query parameters sorted.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	switch {
	case u.Scheme == "http" && u.Port() == "80":
		u.Host = u.Hostname()
	case u.Scheme == "https" && u.Port() == "443":
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}
