// Package scheduler selects which hosts are due for a NodeInfo visit.
package scheduler

import (
	"sort"
	"time"

	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
)

// Policy holds the freshness windows and the candidate cap.
type Policy struct {
	NodeInfoTTL time.Duration
	RobotsTTL   time.Duration
	ErrorTTL    time.Duration
	// Limit caps the candidate list; zero means no cap.
	Limit int
}

// Reason explains why a host was left out.
type Reason string

// Exclusion reasons.
const (
	ReasonFresh            Reason = "fresh"
	ReasonRobotsDisallowed Reason = "robots_disallowed"
	ReasonErrorBackoff     Reason = "error_backoff"
)

// Excluded returns why host is not eligible at now, or "" when it is.
func (p Policy) Excluded(hs crawler.HostState, now time.Time) Reason {
	ni := hs.NodeInfo
	if p.NodeInfoTTL > 0 && ni.LastChecked != nil && now.Sub(*ni.LastChecked) < p.NodeInfoTTL {
		return ReasonFresh
	}
	rs := hs.Robots
	if p.RobotsTTL > 0 && rs.Allowed != nil && !*rs.Allowed &&
		rs.LastChecked != nil && now.Sub(*rs.LastChecked) < p.RobotsTTL {
		return ReasonRobotsDisallowed
	}
	if ni.InErrorBackoff(now, p.ErrorTTL) {
		return ReasonErrorBackoff
	}
	return ""
}

// Select normalizes and deduplicates hosts, drops the ineligible ones, and
// orders the rest: never-succeeded hosts first, then oldest success first.
// Equal hosts keep their input order.
func Select(hosts []string, states map[string]crawler.HostState, now time.Time, p Policy) []string {
	type candidate struct {
		host        string
		lastSuccess *time.Time
	}

	seen := make(map[string]struct{}, len(hosts))
	candidates := make([]candidate, 0, len(hosts))
	for _, raw := range hosts {
		host := crawler.NormalizeHost(raw)
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}

		hs := states[host]
		if p.Excluded(hs, now) != "" {
			continue
		}
		candidates = append(candidates, candidate{host: host, lastSuccess: hs.NodeInfo.LastSuccess})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].lastSuccess, candidates[j].lastSuccess
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	if p.Limit > 0 && len(candidates) > p.Limit {
		candidates = candidates[:p.Limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.host
	}
	return out
}
