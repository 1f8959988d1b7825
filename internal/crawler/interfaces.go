package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs a single GET and returns the body plus metadata. Non-2xx
// responses are returned without error; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// HostStates gives an attempt read/write access to per-host state. Writers
// replace one half of a record so concurrent attempts touching the other
// half are not clobbered.
type HostStates interface {
	Get(host string) HostState
	PutRobots(host string, rs RobotsState)
	PutNodeInfo(host string, ns NodeInfoState)
}

// RobotsDecision is the answer of a robots policy for one URL.
type RobotsDecision struct {
	Allowed bool
	// Fetched is true when robots.txt was requested from the origin.
	Fetched bool
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, states HostStates, rawURL string, now time.Time) RobotsDecision
}

// Keyer maps a hostname to its rate-limiting key.
type Keyer interface {
	KeyFor(ctx context.Context, host string) string
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
