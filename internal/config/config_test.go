package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 30 {
		t.Fatalf("expected default concurrency 30, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Crawler.RequestTimeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", cfg.Crawler.RequestTimeout)
	}
	if cfg.NodeInfoTTL() != 24*time.Hour || cfg.RobotsTTL() != 7*24*time.Hour || cfg.ErrorTTL() != 6*time.Hour {
		t.Fatalf("unexpected TTL defaults: %+v", cfg.TTL)
	}
	if cfg.Rate.RetryBudget != 3 || cfg.Rate.PerKeyRPS != 1 {
		t.Fatalf("unexpected rate defaults: %+v", cfg.Rate)
	}
	if cfg.DNS.Mode != KeyModeHost || cfg.DNS.CacheTTL != 10*time.Minute {
		t.Fatalf("unexpected dns defaults: %+v", cfg.DNS)
	}
	if len(cfg.Robots.AlwaysAllow) != 1 || cfg.Robots.AlwaysAllow[0] != "public-api.wordpress.com" {
		t.Fatalf("unexpected robots defaults: %+v", cfg.Robots)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  concurrency: 6
  user_agent: test-agent
  request_timeout: 3s
  max_hosts: 50
ttl:
  nodeinfo_hours: 12
  robots_hours: 0
  error_hours: 1.5
rate:
  per_key_rps: 2
  max_interval: 30s
  retry_budget: 5
  key_overrides:
    - key: 10.0.0.0/24
      rps: 0.2
dns:
  mode: subnet
  ipv4_prefix: 16
  ipv6_prefix: 64
status:
  interval: 5s
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.Concurrency != 6 || cfg.Crawler.UserAgent != "test-agent" || cfg.Crawler.MaxHosts != 50 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.RequestTimeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %v", cfg.Crawler.RequestTimeout)
	}
	if cfg.NodeInfoTTL() != 12*time.Hour || cfg.RobotsTTL() != 0 || cfg.ErrorTTL() != 90*time.Minute {
		t.Fatalf("unexpected ttl overrides: %+v", cfg.TTL)
	}
	if cfg.Rate.MaxInterval != 30*time.Second || cfg.Rate.RetryBudget != 5 {
		t.Fatalf("unexpected rate overrides: %+v", cfg.Rate)
	}
	if len(cfg.Rate.KeyOverrides) != 1 || cfg.Rate.KeyOverrides[0].Key != "10.0.0.0/24" ||
		cfg.Rate.KeyOverrides[0].RPS != 0.2 {
		t.Fatalf("expected key override to be loaded: %+v", cfg.Rate.KeyOverrides)
	}
	if cfg.DNS.Mode != KeyModeSubnet || cfg.DNS.IPv4Prefix != 16 || cfg.DNS.IPv6Prefix != 64 {
		t.Fatalf("unexpected dns overrides: %+v", cfg.DNS)
	}
	if cfg.Status.Interval != 5*time.Second || !cfg.Logging.Development {
		t.Fatalf("unexpected status/logging overrides")
	}
}

func TestLoadFlagsTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("key-mode", KeyModeHost, "")
	flags.Int("N", 0, "")
	flags.Float64("rate", 1, "")
	if err := flags.Parse([]string{"--key-mode=ip", "--N=25", "--rate=0.5"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DNS.Mode != KeyModeIP || cfg.Crawler.MaxHosts != 25 || cfg.Rate.PerKeyRPS != 0.5 {
		t.Fatalf("expected flag overrides, got mode=%s N=%d rate=%v", cfg.DNS.Mode, cfg.Crawler.MaxHosts, cfg.Rate.PerKeyRPS)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Crawler: CrawlerConfig{Concurrency: 1, RequestTimeout: time.Second},
		Rate:    RateConfig{PerKeyRPS: 1, MaxInterval: time.Minute, RetryBudget: 3},
		DNS:     DNSConfig{Mode: KeyModeHost, IPv4Prefix: 24, IPv6Prefix: 48, Concurrency: 4, CacheSize: 10},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"invalid timeout", func(c *Config) { c.Crawler.RequestTimeout = 0 }, "crawler.request_timeout"},
		{"negative ttl", func(c *Config) { c.TTL.ErrorHours = -1 }, "ttl hours"},
		{"invalid rate", func(c *Config) { c.Rate.PerKeyRPS = 0 }, "rate.per_key_rps"},
		{"invalid override", func(c *Config) {
			c.Rate.KeyOverrides = []KeyOverride{{Key: "x", RPS: 0}}
		}, "rate.key_overrides"},
		{"invalid mode", func(c *Config) { c.DNS.Mode = "asn" }, "dns.mode"},
		{"invalid v4 prefix", func(c *Config) { c.DNS.IPv4Prefix = 33 }, "dns.ipv4_prefix"},
		{"invalid v6 prefix", func(c *Config) { c.DNS.IPv6Prefix = 129 }, "dns.ipv6_prefix"},
		{"invalid max interval", func(c *Config) { c.Rate.MaxInterval = 0 }, "rate.max_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
