// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"time"
)

// NodeInfoStatus is the tagged result of a NodeInfo discovery attempt.
type NodeInfoStatus string

// NodeInfo status values persisted in the host state file. The zero value
// means the host was never attempted.
const (
	StatusOK          NodeInfoStatus = "ok"
	StatusNoWellKnown NodeInfoStatus = "no_wellknown"
	StatusNoLinks     NodeInfoStatus = "no_links"
	StatusFetchError  NodeInfoStatus = "fetch_error"
)

// Valid reports whether s is one of the persisted status values.
func (s NodeInfoStatus) Valid() bool {
	switch s {
	case StatusOK, StatusNoWellKnown, StatusNoLinks, StatusFetchError:
		return true
	default:
		return false
	}
}

// RobotsState records the last robots.txt decision for a host.
type RobotsState struct {
	LastChecked *time.Time `json:"last_checked"`
	Allowed     *bool      `json:"allowed"`
	Error       *string    `json:"error"`
}

// NodeInfoState records the NodeInfo crawl history for a host.
type NodeInfoState struct {
	LastChecked *time.Time     `json:"last_checked"`
	Status      NodeInfoStatus `json:"status,omitempty"`
	Error       *string        `json:"error"`
	LastSuccess *time.Time     `json:"last_success"`
	LastError   *time.Time     `json:"last_error"`
}

// HostState is the durable per-host record kept across runs.
type HostState struct {
	Robots   RobotsState   `json:"robots"`
	NodeInfo NodeInfoState `json:"nodeinfo"`
}

// InErrorBackoff reports whether the last error is newer than the last
// success and younger than ttl.
func (n NodeInfoState) InErrorBackoff(now time.Time, ttl time.Duration) bool {
	if n.LastError == nil || ttl <= 0 {
		return false
	}
	if n.LastSuccess != nil && !n.LastError.After(*n.LastSuccess) {
		return false
	}
	return now.Sub(*n.LastError) < ttl
}

// Outcome is the result of one host visit.
type Outcome struct {
	Status NodeInfoStatus
	// URL is the NodeInfo document URL once one was selected.
	URL string
	// Error describes non-ok outcomes; empty on success.
	Error string
	// RateLimited is set when the last failing fetch returned HTTP 429.
	RateLimited bool
	// Requests counts HTTP requests actually sent, robots.txt included.
	Requests int
	// Document holds the raw NodeInfo JSON on success.
	Document json.RawMessage
}

// OK reports whether the outcome carries a NodeInfo document.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Record is the artifact written for each successful fetch.
type Record struct {
	Hostname    string          `json:"hostname"`
	NodeInfoURL string          `json:"nodeinfo_url"`
	NodeInfo    json.RawMessage `json:"nodeinfo"`
}

// TimePtr returns a pointer to t normalised to UTC.
func TimePtr(t time.Time) *time.Time {
	utc := t.UTC()
	return &utc
}

// StringPtr returns nil for empty strings and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
