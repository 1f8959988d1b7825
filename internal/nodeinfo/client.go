// Package nodeinfo implements the two-hop NodeInfo discovery protocol:
// /.well-known/nodeinfo lists versioned schema links, and the highest
// version's href points at the document itself.
package nodeinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/metrics"
)

// WellKnownPath is the discovery document location.
const WellKnownPath = "/.well-known/nodeinfo"

// Link is one entry of the discovery document.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// Client discovers and fetches NodeInfo documents.
type Client struct {
	fetcher crawler.Fetcher
	robots  crawler.RobotsPolicy
	logger  *zap.Logger
}

// New builds a Client; every fetch is checked against robots first.
func New(fetcher crawler.Fetcher, robots crawler.RobotsPolicy, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{fetcher: fetcher, robots: robots, logger: logger}
}

// attempt accumulates request accounting across the fetches of one visit.
type attempt struct {
	states      crawler.HostStates
	now         time.Time
	requests    int
	rateLimited bool
}

// fetchError is a per-fetch failure with the text persisted in HostState.
type fetchError struct {
	msg string
	err error
}

func (e *fetchError) Error() string { return e.msg }
func (e *fetchError) Unwrap() error { return e.err }

// Discover runs the full protocol for host. It never returns an error; all
// failures are encoded in the Outcome.
func (c *Client) Discover(ctx context.Context, states crawler.HostStates, host string, now time.Time) crawler.Outcome {
	a := &attempt{states: states, now: now}

	wellURL, raw, err := c.fetchWellKnown(ctx, a, host)
	if err != nil {
		return a.outcome(crawler.StatusNoWellKnown, "", err)
	}
	links, err := parseLinks(raw)
	if err != nil {
		return a.outcome(crawler.StatusNoWellKnown, "", err)
	}

	href, ok := PickBestLink(links)
	if !ok {
		return a.outcome(crawler.StatusNoLinks, "", nil)
	}
	docURL, err := resolveHref(wellURL, href)
	if err != nil {
		return a.outcome(crawler.StatusFetchError, href, err)
	}

	body, err := c.fetchJSON(ctx, a, docURL, "nodeinfo")
	if err != nil {
		return a.outcome(crawler.StatusFetchError, docURL, err)
	}
	out := a.outcome(crawler.StatusOK, docURL, nil)
	out.Document = body
	return out
}

func (a *attempt) outcome(status crawler.NodeInfoStatus, docURL string, err error) crawler.Outcome {
	out := crawler.Outcome{
		Status:      status,
		URL:         docURL,
		Requests:    a.requests,
		RateLimited: a.rateLimited && status != crawler.StatusOK,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// fetchWellKnown tries https and then http. A 429 on https is not retried
// over http.
func (c *Client) fetchWellKnown(ctx context.Context, a *attempt, host string) (string, []byte, error) {
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		u := scheme + "://" + host + WellKnownPath
		body, err := c.fetchJSON(ctx, a, u, "wellknown")
		if err == nil {
			return u, body, nil
		}
		lastErr = err
		if errors.Is(err, crawler.ErrRateLimited) || ctx.Err() != nil {
			break
		}
	}
	return "", nil, lastErr
}

// fetchJSON checks robots, GETs u and validates the body as JSON.
func (c *Client) fetchJSON(ctx context.Context, a *attempt, u, kind string) ([]byte, error) {
	decision := c.robots.Allowed(ctx, a.states, u, a.now)
	if decision.Fetched {
		a.requests++
	}
	if !decision.Allowed {
		c.logger.Debug("robots.txt disallows fetch", zap.String("url", u))
		return nil, crawler.ErrRobotsDisallowed
	}

	a.requests++
	resp, err := c.fetcher.Fetch(ctx, u)
	if err != nil {
		metrics.ObserveRequest(kind, 0)
		return nil, &fetchError{msg: err.Error(), err: err}
	}
	metrics.ObserveRequest(kind, resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests {
		a.rateLimited = true
		return nil, crawler.ErrRateLimited
	}
	a.rateLimited = false
	if resp.StatusCode != http.StatusOK {
		return nil, &fetchError{msg: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	body := bytes.TrimSpace(resp.Body)
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &fetchError{msg: "JSON decode error: " + err.Error(), err: err}
	}
	if decoded == nil {
		return nil, &fetchError{msg: "JSON decode error: null document"}
	}
	return body, nil
}

func parseLinks(raw []byte) ([]Link, error) {
	var doc struct {
		Links json.RawMessage `json:"links"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &fetchError{msg: "JSON decode error: " + err.Error(), err: err}
	}
	if len(doc.Links) == 0 || bytes.Equal(doc.Links, []byte("null")) {
		return nil, &fetchError{msg: "missing links array"}
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(doc.Links, &entries); err != nil {
		return nil, &fetchError{msg: "links is not an array", err: err}
	}
	links := make([]Link, 0, len(entries))
	for _, e := range entries {
		var l Link
		if err := json.Unmarshal(e, &l); err != nil {
			// Malformed entries are skipped like entries without href.
			continue
		}
		links = append(links, l)
	}
	return links, nil
}

// PickBestLink returns the href whose rel ends in the highest
// "major.minor" version. Unversioned rels rank as 0.0; entries without an
// href are skipped; the first of equal versions wins.
func PickBestLink(links []Link) (string, bool) {
	best := ""
	bestMajor, bestMinor := -1, -1
	for _, l := range links {
		if l.Href == "" {
			continue
		}
		major, minor := relVersion(l.Rel)
		if major > bestMajor || (major == bestMajor && minor > bestMinor) {
			best, bestMajor, bestMinor = l.Href, major, minor
		}
	}
	return best, best != ""
}

func relVersion(rel string) (int, int) {
	rel = strings.TrimRight(rel, "/")
	seg := rel[strings.LastIndex(rel, "/")+1:]
	parts := strings.Split(seg, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0
	}
	if len(parts) < 2 {
		return major, 0
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0
	}
	return major, minor
}

// resolveHref makes href absolute relative to the discovery URL.
func resolveHref(base, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", &fetchError{msg: fmt.Sprintf("invalid href %q: %v", href, err), err: err}
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", &fetchError{msg: "relative href but no base URL", err: err}
	}
	return b.ResolveReference(ref).String(), nil
}
