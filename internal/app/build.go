package app

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/config"
	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/dnskey"
	collyfetcher "github.com/JakeFAU/nodeinfo-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/nodeinfo-crawler/internal/id/uuid"
	"github.com/JakeFAU/nodeinfo-crawler/internal/nodeinfo"
	"github.com/JakeFAU/nodeinfo-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/nodeinfo-crawler/internal/robots"
	"github.com/JakeFAU/nodeinfo-crawler/internal/state"
	"github.com/JakeFAU/nodeinfo-crawler/internal/storage/local"
)

// Options carries test seams for Build.
type Options struct {
	Clock clock.Clock
	// Fetcher replaces the colly fetcher.
	Fetcher crawler.Fetcher
	// Resolver replaces the miekg/dns resolver in ip/subnet mode.
	Resolver dnskey.Resolver
}

// Build wires the production stack from configuration. Failure to create
// the output directory is fatal; an unreadable state file is not.
func Build(cfg config.Config, logger *zap.Logger, opts Options) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	blobs, err := local.New(local.Config{BaseDir: cfg.Crawler.NodeInfoDir})
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	store, err := state.Load(cfg.Crawler.StateFile, logger.Named("state"))
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.Crawler.RequestTimeout,
			MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
			Limiter:      limiterOrNil(cfg.Rate.GlobalRPS),
		})
	}
	checker := robots.New(robots.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		TTL:         cfg.RobotsTTL(),
		AlwaysAllow: cfg.Robots.AlwaysAllow,
	}, fetcher, logger.Named("robots"))
	client := nodeinfo.New(fetcher, checker, logger.Named("nodeinfo"))

	resolver := opts.Resolver
	if resolver == nil && cfg.DNS.Mode != config.KeyModeHost {
		resolver = dnskey.NewDNSResolver(cfg.DNS.Server, cfg.Crawler.RequestTimeout)
	}
	keyer, err := dnskey.New(dnskey.OptionsFromConfig(cfg.DNS), resolver, logger.Named("dnskey"))
	if err != nil {
		return nil, fmt.Errorf("dns keyer: %w", err)
	}

	return NewRunner(cfg, store, blobs, client, keyer, opts.Clock, uuid.New(), logger)
}

// limiterOrNil keeps a disabled limiter out of the fetcher's interface
// value so the nil check there holds.
func limiterOrNil(rps float64) collyfetcher.Limiter {
	l := ratelimit.New(ratelimit.Config{RPS: rps, Burst: 1})
	if l == nil {
		return nil
	}
	return l
}
