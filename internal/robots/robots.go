// Package robots decides whether a URL may be fetched, caching each host's
// decision in its persisted HostState.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/metrics"
)

// Config controls the checker.
type Config struct {
	UserAgent string
	// TTL is how long a stored decision is reused; zero always refetches.
	TTL time.Duration
	// AlwaysAllow lists hosts whose robots.txt is not consulted.
	AlwaysAllow []string
}

// Checker enforces robots.txt directives per host.
type Checker struct {
	cfg         Config
	fetcher     crawler.Fetcher
	logger      *zap.Logger
	alwaysAllow map[string]struct{}
}

var _ crawler.RobotsPolicy = (*Checker)(nil)

// New builds a Checker that fetches robots.txt through fetcher.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := make(map[string]struct{}, len(cfg.AlwaysAllow))
	for _, h := range cfg.AlwaysAllow {
		allow[crawler.NormalizeHost(h)] = struct{}{}
	}
	return &Checker{
		cfg:         cfg,
		fetcher:     fetcher,
		logger:      logger,
		alwaysAllow: allow,
	}
}

// Allowed implements crawler.RobotsPolicy. Failures to obtain or parse
// robots.txt allow the fetch.
func (c *Checker) Allowed(ctx context.Context, states crawler.HostStates, rawURL string, now time.Time) crawler.RobotsDecision {
	hostKey, err := crawler.HostKey(rawURL)
	if err != nil {
		c.logger.Debug("unparseable url; allowing", zap.String("url", rawURL), zap.Error(err))
		return crawler.RobotsDecision{Allowed: true}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return crawler.RobotsDecision{Allowed: true}
	}
	if _, ok := c.alwaysAllow[strings.ToLower(parsed.Hostname())]; ok {
		return crawler.RobotsDecision{Allowed: true}
	}

	// One decision per host: it was evaluated against the first path
	// checked and is reused for every later path until it expires.
	hs := states.Get(hostKey)
	if c.fresh(hs.Robots, now) {
		allowed := *hs.Robots.Allowed
		metrics.ObserveRobotsDecision(allowed, true)
		return crawler.RobotsDecision{Allowed: allowed}
	}

	allowed, errText := c.fetch(ctx, parsed)
	if ctx.Err() != nil {
		// The attempt is being abandoned; record nothing.
		return crawler.RobotsDecision{Allowed: allowed, Fetched: true}
	}
	states.PutRobots(hostKey, crawler.RobotsState{
		LastChecked: crawler.TimePtr(now),
		Allowed:     crawler.BoolPtr(allowed),
		Error:       crawler.StringPtr(errText),
	})
	metrics.ObserveRobotsDecision(allowed, false)
	return crawler.RobotsDecision{Allowed: allowed, Fetched: true}
}

func (c *Checker) fresh(rs crawler.RobotsState, now time.Time) bool {
	if c.cfg.TTL <= 0 || rs.LastChecked == nil || rs.Allowed == nil {
		return false
	}
	return now.Sub(*rs.LastChecked) < c.cfg.TTL
}

// fetch retrieves and evaluates robots.txt for parsed, returning the
// decision and an error description to persist.
func (c *Checker) fetch(ctx context.Context, parsed *url.URL) (bool, string) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	resp, err := c.fetcher.Fetch(ctx, robotsURL.String())
	if err != nil {
		metrics.ObserveRequest("robots", 0)
		c.logger.Debug("robots fetch failed; allowing", zap.String("host", parsed.Host), zap.Error(err))
		return true, err.Error()
	}
	metrics.ObserveRequest("robots", resp.StatusCode)
	if resp.StatusCode >= 400 {
		// No enforceable robots file.
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		c.logger.Debug("robots parse failed; allowing", zap.String("host", parsed.Host), zap.Error(err))
		return true, fmt.Sprintf("parse robots: %v", err)
	}
	return data.TestAgent(requestPath(parsed), c.cfg.UserAgent), ""
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
