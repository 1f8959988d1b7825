package crawler

import "errors"

// Error taxonomy for per-host failures. These are recorded into HostState and
// never surface to the top level.
var (
	// ErrRobotsDisallowed is returned when robots.txt forbids a fetch.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrRateLimited marks an HTTP 429 response.
	ErrRateLimited = errors.New("HTTP 429")
)
