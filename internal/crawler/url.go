package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename replaces any character outside [A-Za-z0-9._-] with '_'.
func SanitizeFilename(host string) string {
	return invalidFilenameChars.ReplaceAllString(host, "_")
}

// NormalizeHost trims and lowercases a hostname from the input list.
func NormalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// HostKey returns the lowercase host[:port] of rawURL, the key under which
// robots state is stored.
func HostKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}
