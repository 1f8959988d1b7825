package dnskey

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	resolvConfPath = "/etc/resolv.conf"
	fallbackServer = "127.0.0.1:53"
	maxCNAMEHops   = 8
)

// DNSResolver queries a single recursive server for A and AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver targets server ("host:port"); an empty server uses the
// first nameserver in /etc/resolv.conf.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if server == "" {
		server = SystemServer(resolvConfPath)
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: timeout},
	}
}

// SystemServer reads the first nameserver from a resolv.conf file.
func SystemServer(path string) string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || len(cfg.Servers) == 0 {
		return fallbackServer
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// Server returns the upstream address.
func (r *DNSResolver) Server() string {
	return r.server
}

// LookupAddrs implements Resolver.
func (r *DNSResolver) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		mu    sync.Mutex
		addrs []netip.Addr
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		g.Go(func() error {
			found, err := r.query(gctx, host, qtype)
			if err != nil {
				return err
			}
			mu.Lock()
			addrs = append(addrs, found...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if len(addrs) > 0 {
		// One family answering is enough.
		return addrs, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("lookup %s: no addresses", host)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	name := dns.Fqdn(host)
	for range maxCNAMEHops {
		msg := new(dns.Msg)
		msg.SetQuestion(name, qtype)
		msg.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
		if err != nil {
			return nil, fmt.Errorf("lookup %s %s: %w", host, dns.TypeToString[qtype], err)
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, nil
		default:
			return nil, fmt.Errorf("lookup %s %s: %s", host, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
		}

		addrs, target := collect(in.Answer)
		if len(addrs) > 0 || target == "" {
			return addrs, nil
		}
		name = target
	}
	return nil, fmt.Errorf("lookup %s: cname chain too long", host)
}

// collect extracts addresses from an answer section. When only a CNAME is
// present its target is returned so the caller can follow it.
func collect(answer []dns.RR) ([]netip.Addr, string) {
	var (
		addrs  []netip.Addr
		target string
	)
	for _, rr := range answer {
		switch rec := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rec.A); ok {
				addrs = append(addrs, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rec.AAAA); ok {
				addrs = append(addrs, a)
			}
		case *dns.CNAME:
			target = rec.Target
		}
	}
	return addrs, target
}
