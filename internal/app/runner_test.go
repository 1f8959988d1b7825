package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/nodeinfo-crawler/internal/config"
	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/nodeinfo-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/nodeinfo-crawler/internal/state"
)

// fediverse serves several fake instances keyed by Host header and counts
// hits per host and path.
type fediverse struct {
	mu   sync.Mutex
	hits map[string]int
}

func (f *fediverse) count(host, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[host+path]
}

func (f *fediverse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(r.Host)
	f.mu.Lock()
	f.hits[host+r.URL.Path]++
	f.mu.Unlock()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	wellKnown := `{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"` +
		scheme + `://` + host + `/nodeinfo/2.0"}]}`

	switch {
	case r.URL.Path == "/robots.txt" && host == "d.example":
		w.WriteHeader(http.StatusForbidden)
	case r.URL.Path == "/robots.txt" && host == "e.example":
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	case r.URL.Path == "/robots.txt":
		http.NotFound(w, r)
	case host == "b.example":
		http.NotFound(w, r)
	case host == "c.example":
		w.WriteHeader(http.StatusTooManyRequests)
	case r.URL.Path == "/.well-known/nodeinfo":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(wellKnown))
	case r.URL.Path == "/nodeinfo/2.0":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"2.0","software":{"name":"mastodon","version":"4.2.0"}}`))
	default:
		http.NotFound(w, r)
	}
}

// startFediverse serves the fake instances for every hostname.
func startFediverse(t *testing.T) (*fediverse, http.RoundTripper) {
	t.Helper()
	fv := &fediverse{hits: make(map[string]int)}
	return fv, routeAllHosts(t, fv)
}

// routeAllHosts serves h for every hostname: port 443 on a TLS server and
// anything else on a plain one.
func routeAllHosts(t *testing.T, h http.Handler) http.RoundTripper {
	t.Helper()
	plain := httptest.NewServer(h)
	secure := httptest.NewTLSServer(h)
	t.Cleanup(plain.Close)
	t.Cleanup(secure.Close)

	dialer := &net.Dialer{Timeout: 2 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			target := plain.Listener.Addr().String()
			if strings.HasSuffix(addr, ":443") {
				target = secure.Listener.Addr().String()
			}
			return dialer.DialContext(ctx, network, target)
		},
		// #nosec G402 -- test server certificate.
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: true,
	}
	return transport
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Crawler: config.CrawlerConfig{
			UserAgent:      config.DefaultUserAgent,
			Concurrency:    4,
			RequestTimeout: 5 * time.Second,
			MaxBodyBytes:   1 << 20,
			NodeInfoDir:    filepath.Join(dir, "nodeinfo"),
			StateFile:      filepath.Join(dir, "state.json"),
		},
		TTL:  config.TTLConfig{NodeInfoHours: 24, RobotsHours: 168, ErrorHours: 6},
		Rate: config.RateConfig{PerKeyRPS: 20, MaxInterval: time.Second, RetryBudget: 3},
		DNS: config.DNSConfig{
			Mode:        config.KeyModeHost,
			IPv4Prefix:  24,
			IPv6Prefix:  48,
			Concurrency: 4,
			CacheTTL:    time.Minute,
			CacheSize:   100,
		},
	}
}

func buildRunner(t *testing.T, cfg config.Config, transport http.RoundTripper, logger *zap.Logger) *Runner {
	t.Helper()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.RequestTimeout,
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
		Transport:    transport,
	})
	runner, err := Build(cfg, logger, Options{Fetcher: fetcher})
	require.NoError(t, err)
	return runner
}

func TestRunnerScenarios(t *testing.T) {
	fv, transport := startFediverse(t)
	cfg := testConfig(t)
	core, logs := observer.New(zap.WarnLevel)
	runner := buildRunner(t, cfg, transport, zap.New(core))
	require.NotEmpty(t, runner.RunID())

	hosts := []string{"a.example", "B.example", "c.example", "d.example", "e.example", " A.example "}
	summary, err := runner.Run(context.Background(), hosts)
	require.NoError(t, err)

	require.Equal(t, 6, summary.Hosts)
	require.Equal(t, 5, summary.Candidates)
	require.Equal(t, 5, summary.Stats.Completed)
	require.Equal(t, 2, summary.Stats.ByStatus[crawler.StatusOK])
	require.Equal(t, 2, summary.Artifacts)
	require.Equal(t, 3, summary.Stats.ByStatus[crawler.StatusNoWellKnown])

	store, err := state.Load(cfg.Crawler.StateFile, nil)
	require.NoError(t, err)
	require.Equal(t, 5, store.Len())

	a := store.Get("a.example")
	require.Equal(t, crawler.StatusOK, a.NodeInfo.Status)
	require.NotNil(t, a.NodeInfo.LastSuccess)
	require.Nil(t, a.NodeInfo.Error)
	require.NotNil(t, a.Robots.Allowed)
	require.True(t, *a.Robots.Allowed)

	b := store.Get("b.example")
	require.Equal(t, crawler.StatusNoWellKnown, b.NodeInfo.Status)
	require.NotNil(t, b.NodeInfo.Error)
	require.Equal(t, "HTTP 404", *b.NodeInfo.Error)
	require.Equal(t, 2, fv.count("b.example", "/.well-known/nodeinfo"), "https then http")
	require.NotNil(t, b.NodeInfo.LastError)

	c := store.Get("c.example")
	require.Equal(t, crawler.StatusNoWellKnown, c.NodeInfo.Status)
	require.Equal(t, "HTTP 429", *c.NodeInfo.Error)
	require.Equal(t, 3, fv.count("c.example", "/.well-known/nodeinfo"))
	require.Equal(t, 1, summary.Stats.GaveUp)

	d := store.Get("d.example")
	require.Equal(t, crawler.StatusOK, d.NodeInfo.Status)
	require.True(t, *d.Robots.Allowed)
	require.Equal(t, "HTTP 403", *d.Robots.Error)

	e := store.Get("e.example")
	require.Equal(t, crawler.StatusNoWellKnown, e.NodeInfo.Status)
	require.Equal(t, "disallowed by robots.txt", *e.NodeInfo.Error)
	require.False(t, *e.Robots.Allowed)
	require.Zero(t, fv.count("e.example", "/.well-known/nodeinfo"))

	matches, err := filepath.Glob(filepath.Join(cfg.Crawler.NodeInfoDir, "a.example", "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var rec crawler.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "a.example", rec.Hostname)
	require.Equal(t, "https://a.example/nodeinfo/2.0", rec.NodeInfoURL)
	require.Contains(t, string(rec.NodeInfo), "mastodon")

	var failed int
	for _, entry := range logs.FilterMessage("nodeinfo fetch failed").All() {
		if entry.ContextMap()["host"] == "c.example" {
			failed++
		}
	}
	require.Equal(t, 3, failed)

	snap := runner.Snapshot(3)
	require.Equal(t, 5, snap.Completed)
	require.Zero(t, snap.Queued)
}

func TestRunnerSecondRunSkipsEverything(t *testing.T) {
	fv, transport := startFediverse(t)
	cfg := testConfig(t)
	hosts := []string{"a.example", "b.example", "e.example"}

	_, err := buildRunner(t, cfg, transport, nil).Run(context.Background(), hosts)
	require.NoError(t, err)
	before := fv.count("a.example", "/.well-known/nodeinfo")

	summary, err := buildRunner(t, cfg, transport, nil).Run(context.Background(), hosts)
	require.NoError(t, err)
	require.Zero(t, summary.Candidates)
	require.Equal(t, before, fv.count("a.example", "/.well-known/nodeinfo"))
}

func TestRunnerMaxHosts(t *testing.T) {
	_, transport := startFediverse(t)
	cfg := testConfig(t)
	cfg.Crawler.MaxHosts = 1

	summary, err := buildRunner(t, cfg, transport, nil).Run(context.Background(), []string{"a.example", "d.example"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Candidates)
	require.Equal(t, 1, summary.Stats.Completed)
}

func TestRunnerCancelledStillSaves(t *testing.T) {
	_, transport := startFediverse(t)
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := buildRunner(t, cfg, transport, nil).Run(ctx, []string{"a.example"})
	require.NoError(t, err)
	require.Zero(t, summary.Stats.ByStatus[crawler.StatusOK])

	_, err = os.Stat(cfg.Crawler.StateFile)
	require.NoError(t, err)
	store, err := state.Load(cfg.Crawler.StateFile, nil)
	require.NoError(t, err)
	require.Equal(t, crawler.NodeInfoStatus(""), store.Get("a.example").NodeInfo.Status)
}

func TestSnapshotBeforeRun(t *testing.T) {
	_, transport := startFediverse(t)
	runner := buildRunner(t, testConfig(t), transport, nil)
	snap := runner.Snapshot(5)
	require.Zero(t, snap.Total)
	require.False(t, snap.At.IsZero())
}

func TestApplyOutcome(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var ni crawler.NodeInfoState

	ApplyOutcome(&ni, crawler.Outcome{Status: crawler.StatusFetchError, Error: "HTTP 500"}, now)
	require.Equal(t, crawler.StatusFetchError, ni.Status)
	require.Equal(t, "HTTP 500", *ni.Error)
	require.Equal(t, now, *ni.LastError)
	require.Nil(t, ni.LastSuccess)

	later := now.Add(time.Hour)
	ApplyOutcome(&ni, crawler.Outcome{Status: crawler.StatusOK}, later)
	require.Equal(t, crawler.StatusOK, ni.Status)
	require.Nil(t, ni.Error)
	require.Equal(t, later, *ni.LastSuccess)
	require.Equal(t, later, *ni.LastChecked)
	require.Equal(t, now, *ni.LastError, "last_error is kept")
}

func TestLoadHosts(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "hosts.json")
	require.NoError(t, os.WriteFile(good, []byte(`["a.example", "b.example"]`), 0o600))
	hosts, err := LoadHosts(good)
	require.NoError(t, err)
	require.Equal(t, []string{"a.example", "b.example"}, hosts)

	obj := filepath.Join(dir, "obj.json")
	require.NoError(t, os.WriteFile(obj, []byte(`{"hosts":[]}`), 0o600))
	_, err = LoadHosts(obj)
	require.ErrorContains(t, err, "JSON array")

	_, err = LoadHosts(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestBuildRejectsUnusableOutputDir(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Crawler.NodeInfoDir = filepath.Join(file, "sub")

	_, err := Build(cfg, nil, Options{})
	require.ErrorContains(t, err, "output directory")
}

func TestRunnerCrossHostRobotsKeepsOtherHostResult(t *testing.T) {
	cfg := testConfig(t)
	var runner *Runner
	bCommitted := func() bool {
		return runner.store.Get("b.example").NodeInfo.Status == crawler.StatusOK
	}

	doc := []byte(`{"version":"2.0","software":{"name":"pleroma"}}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := strings.ToLower(r.Host)
		switch {
		case r.URL.Path == "/robots.txt":
			http.NotFound(w, r)
		case r.URL.Path == "/.well-known/nodeinfo" && host == "a.example":
			_, _ = w.Write([]byte(`{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://b.example/shared/2.0"}]}`))
		case r.URL.Path == "/.well-known/nodeinfo" && host == "b.example":
			_, _ = w.Write([]byte(`{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://b.example/nodeinfo/2.0"}]}`))
		case r.URL.Path == "/shared/2.0":
			// Hold a's document until b's own attempt has committed.
			deadline := time.Now().Add(4 * time.Second)
			for !bCommitted() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			_, _ = w.Write(doc)
		case r.URL.Path == "/nodeinfo/2.0":
			_, _ = w.Write(doc)
		default:
			http.NotFound(w, r)
		}
	})
	runner = buildRunner(t, cfg, routeAllHosts(t, handler), nil)

	summary, err := runner.Run(context.Background(), []string{"a.example", "b.example"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Stats.ByStatus[crawler.StatusOK])

	store, err := state.Load(cfg.Crawler.StateFile, nil)
	require.NoError(t, err)
	b := store.Get("b.example")
	require.Equal(t, crawler.StatusOK, b.NodeInfo.Status)
	require.NotNil(t, b.NodeInfo.LastSuccess)
	require.NotNil(t, b.NodeInfo.LastChecked)
	require.NotNil(t, b.Robots.Allowed)

	a := store.Get("a.example")
	require.Equal(t, crawler.StatusOK, a.NodeInfo.Status)
}
