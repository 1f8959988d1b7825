// Package dnskey maps hostnames onto the rate-limiting keys used by the
// dispatcher: the hostname itself, its resolved address, or the masked
// subnet of that address.
package dnskey

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/nodeinfo-crawler/internal/config"
	"github.com/JakeFAU/nodeinfo-crawler/internal/metrics"
)

// Resolver returns the A and AAAA addresses of a hostname.
type Resolver interface {
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
}

// Options configures a Keyer.
type Options struct {
	Mode        string
	IPv4Prefix  int
	IPv6Prefix  int
	Concurrency int
	CacheTTL    time.Duration
	CacheSize   int
}

// OptionsFromConfig copies the dns section of cfg.
func OptionsFromConfig(cfg config.DNSConfig) Options {
	return Options{
		Mode:        cfg.Mode,
		IPv4Prefix:  cfg.IPv4Prefix,
		IPv6Prefix:  cfg.IPv6Prefix,
		Concurrency: cfg.Concurrency,
		CacheTTL:    cfg.CacheTTL,
		CacheSize:   cfg.CacheSize,
	}
}

// Keyer resolves hosts to rate keys with a bounded, expiring cache.
type Keyer struct {
	opts     Options
	resolver Resolver
	logger   *zap.Logger

	cache *expirable.LRU[string, string]
	group singleflight.Group
	sem   *semaphore.Weighted
}

// New builds a Keyer. The resolver may be nil in host mode.
func New(opts Options, resolver Resolver, logger *zap.Logger) (*Keyer, error) {
	switch opts.Mode {
	case config.KeyModeHost:
	case config.KeyModeIP, config.KeyModeSubnet:
		if resolver == nil {
			return nil, fmt.Errorf("dns mode %q requires a resolver", opts.Mode)
		}
	default:
		return nil, fmt.Errorf("unknown dns mode %q", opts.Mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.IPv4Prefix == 0 {
		opts.IPv4Prefix = 24
	}
	if opts.IPv6Prefix == 0 {
		opts.IPv6Prefix = 48
	}
	return &Keyer{
		opts:     opts,
		resolver: resolver,
		logger:   logger,
		cache:    expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
	}, nil
}

// KeyFor returns the rate key for host. Resolution failures fall back to
// the hostname; the fallback is cached like any other answer.
func (k *Keyer) KeyFor(ctx context.Context, host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if k.opts.Mode == config.KeyModeHost {
		return host
	}
	if key, ok := k.cache.Get(host); ok {
		return key
	}

	v, _, _ := k.group.Do(host, func() (any, error) {
		if key, ok := k.cache.Get(host); ok {
			return key, nil
		}
		if err := k.sem.Acquire(ctx, 1); err != nil {
			// Cancelled before resolving; don't poison the cache.
			return host, nil
		}
		defer k.sem.Release(1)

		key := k.resolve(ctx, host)
		if ctx.Err() == nil {
			k.cache.Add(host, key)
		}
		return key, nil
	})
	return v.(string)
}

func (k *Keyer) resolve(ctx context.Context, host string) string {
	addrs, err := k.resolver.LookupAddrs(ctx, host)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = fmt.Errorf("no A/AAAA records")
		}
		k.logger.Debug("dns lookup failed; keying by hostname", zap.String("host", host), zap.Error(err))
		metrics.ObserveDNSLookup("fallback")
		return host
	}
	metrics.ObserveDNSLookup("ok")
	addr := pickAddr(addrs)
	if k.opts.Mode == config.KeyModeIP {
		return addr.String()
	}
	return Subnet(addr, k.opts.IPv4Prefix, k.opts.IPv6Prefix)
}

// pickAddr returns the address with the lexicographically smallest text.
func pickAddr(addrs []netip.Addr) netip.Addr {
	texts := make([]string, 0, len(addrs))
	byText := make(map[string]netip.Addr, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		s := a.String()
		if _, seen := byText[s]; seen {
			continue
		}
		byText[s] = a
		texts = append(texts, s)
	}
	sort.Strings(texts)
	return byText[texts[0]]
}

// Subnet masks addr to the configured prefix and returns CIDR text.
func Subnet(addr netip.Addr, v4Bits, v6Bits int) string {
	addr = addr.Unmap()
	bits := v6Bits
	if addr.Is4() {
		bits = v4Bits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return prefix.Masked().String()
}

// Len reports the number of cached keys.
func (k *Keyer) Len() int {
	return k.cache.Len()
}
