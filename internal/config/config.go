// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Key modes understood by the DNS keyer.
const (
	KeyModeHost   = "host"
	KeyModeIP     = "ip"
	KeyModeSubnet = "subnet"
)

// DefaultUserAgent identifies the crawler to remote origins and robots.txt.
const DefaultUserAgent = "fetch-nodeinfo-bot (+https://arewedecentralizedyet.online/)"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	TTL     TTLConfig     `mapstructure:"ttl"`
	Rate    RateConfig    `mapstructure:"rate"`
	DNS     DNSConfig     `mapstructure:"dns"`
	Robots  RobotsConfig  `mapstructure:"robots"`
	Status  StatusConfig  `mapstructure:"status"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlerConfig governs the worker pool and fetch behavior.
type CrawlerConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	MaxHosts       int           `mapstructure:"max_hosts"`
	HostsFile      string        `mapstructure:"hosts_file"`
	NodeInfoDir    string        `mapstructure:"nodeinfo_dir"`
	StateFile      string        `mapstructure:"state_file"`
}

// TTLConfig holds the re-crawl windows in hours.
type TTLConfig struct {
	NodeInfoHours float64 `mapstructure:"nodeinfo_hours"`
	RobotsHours   float64 `mapstructure:"robots_hours"`
	ErrorHours    float64 `mapstructure:"error_hours"`
}

// RateConfig controls per-key pacing.
type RateConfig struct {
	PerKeyRPS    float64       `mapstructure:"per_key_rps"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	RetryBudget  int           `mapstructure:"retry_budget"`
	KeyOverrides []KeyOverride `mapstructure:"key_overrides"`
	GlobalRPS    float64       `mapstructure:"global_rps"`
}

// KeyOverride pins a slower target rate on a known problematic rate key.
type KeyOverride struct {
	Key string  `mapstructure:"key"`
	RPS float64 `mapstructure:"rps"`
}

// DNSConfig controls how hosts are grouped into rate keys.
type DNSConfig struct {
	Mode        string        `mapstructure:"mode"`
	IPv4Prefix  int           `mapstructure:"ipv4_prefix"`
	IPv6Prefix  int           `mapstructure:"ipv6_prefix"`
	Server      string        `mapstructure:"server"`
	Concurrency int           `mapstructure:"concurrency"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	CacheSize   int           `mapstructure:"cache_size"`
}

// RobotsConfig lists hosts whose blanket disallow rules are ignored.
type RobotsConfig struct {
	AlwaysAllow []string `mapstructure:"always_allow"`
}

// StatusConfig sets the status report cadence; zero disables reports.
type StatusConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// APIConfig enables the optional status/metrics endpoint.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment, with flags taking precedence.
// An empty path searches the working directory and the XDG config home.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NODEINFO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "nodeinfo-crawler"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
	v.SetDefault("crawler.concurrency", 30)
	v.SetDefault("crawler.request_timeout", "10s")
	v.SetDefault("crawler.max_body_bytes", 2*1024*1024)
	v.SetDefault("crawler.max_hosts", 0)
	v.SetDefault("crawler.hosts_file", "")
	v.SetDefault("crawler.nodeinfo_dir", "data/nodeinfo")
	v.SetDefault("crawler.state_file", "data/nodeinfo-state.json")
	v.SetDefault("ttl.nodeinfo_hours", 24.0)
	v.SetDefault("ttl.robots_hours", 24.0*7)
	v.SetDefault("ttl.error_hours", 6.0)
	v.SetDefault("rate.per_key_rps", 1.0)
	v.SetDefault("rate.max_interval", "120s")
	v.SetDefault("rate.retry_budget", 3)
	v.SetDefault("rate.key_overrides", []KeyOverride{})
	v.SetDefault("rate.global_rps", 0.0)
	v.SetDefault("dns.mode", KeyModeHost)
	v.SetDefault("dns.ipv4_prefix", 24)
	v.SetDefault("dns.ipv6_prefix", 48)
	v.SetDefault("dns.server", "")
	v.SetDefault("dns.concurrency", 64)
	v.SetDefault("dns.cache_ttl", "10m")
	v.SetDefault("dns.cache_size", 100000)
	v.SetDefault("robots.always_allow", []string{"public-api.wordpress.com"})
	v.SetDefault("status.interval", "30s")
	v.SetDefault("api.listen_addr", "")
	v.SetDefault("logging.development", false)
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"nodeinfo-ttl-hours": "ttl.nodeinfo_hours",
	"robots-ttl-hours":   "ttl.robots_hours",
	"error-ttl-hours":    "ttl.error_hours",
	"rate":               "rate.per_key_rps",
	"global-rate":        "rate.global_rps",
	"key-mode":           "dns.mode",
	"ipv4-prefix":        "dns.ipv4_prefix",
	"ipv6-prefix":        "dns.ipv6_prefix",
	"concurrency":        "crawler.concurrency",
	"N":                  "crawler.max_hosts",
	"status-interval":    "status.interval",
	"listen":             "api.listen_addr",
	"dev":                "logging.development",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxHosts < 0 {
		return fmt.Errorf("crawler.max_hosts must be >= 0")
	}
	if c.TTL.NodeInfoHours < 0 || c.TTL.RobotsHours < 0 || c.TTL.ErrorHours < 0 {
		return fmt.Errorf("ttl hours must be >= 0")
	}
	if c.Rate.PerKeyRPS <= 0 {
		return fmt.Errorf("rate.per_key_rps must be > 0")
	}
	for _, o := range c.Rate.KeyOverrides {
		if o.Key == "" || o.RPS <= 0 {
			return fmt.Errorf("rate.key_overrides entries need a key and rps > 0")
		}
	}
	if c.Rate.MaxInterval <= 0 {
		return fmt.Errorf("rate.max_interval must be > 0")
	}
	if c.Rate.RetryBudget < 0 {
		return fmt.Errorf("rate.retry_budget must be >= 0")
	}
	if c.Rate.GlobalRPS < 0 {
		return fmt.Errorf("rate.global_rps must be >= 0")
	}
	switch c.DNS.Mode {
	case KeyModeHost, KeyModeIP, KeyModeSubnet:
	default:
		return fmt.Errorf("dns.mode must be one of host, ip, subnet; got %q", c.DNS.Mode)
	}
	if c.DNS.IPv4Prefix < 0 || c.DNS.IPv4Prefix > 32 {
		return fmt.Errorf("dns.ipv4_prefix must be within 0..32")
	}
	if c.DNS.IPv6Prefix < 0 || c.DNS.IPv6Prefix > 128 {
		return fmt.Errorf("dns.ipv6_prefix must be within 0..128")
	}
	if c.DNS.Concurrency <= 0 {
		return fmt.Errorf("dns.concurrency must be > 0")
	}
	if c.DNS.CacheSize <= 0 {
		return fmt.Errorf("dns.cache_size must be > 0")
	}
	if c.Status.Interval < 0 {
		return fmt.Errorf("status.interval must be >= 0")
	}
	return nil
}

// Hours converts a fractional hour count to a duration.
func Hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// NodeInfoTTL returns the NodeInfo re-crawl window.
func (c Config) NodeInfoTTL() time.Duration {
	return Hours(c.TTL.NodeInfoHours)
}

// RobotsTTL returns the robots.txt decision lifetime.
func (c Config) RobotsTTL() time.Duration {
	return Hours(c.TTL.RobotsHours)
}

// ErrorTTL returns the error backoff window.
func (c Config) ErrorTTL() time.Duration {
	return Hours(c.TTL.ErrorHours)
}
