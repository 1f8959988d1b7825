package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/api"
	"github.com/JakeFAU/nodeinfo-crawler/internal/app"
	"github.com/JakeFAU/nodeinfo-crawler/internal/config"
	"github.com/JakeFAU/nodeinfo-crawler/internal/logging"
)

func newCrawlCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [hosts.json] [nodeinfo_dir] [state_file]",
		Short: "Run one crawl over a host list",
		Long: `Crawl reads a JSON array of hostnames, selects the hosts that are due,
and writes one JSON artifact per successful fetch under nodeinfo_dir.
Positional arguments override crawler.hosts_file, crawler.nodeinfo_dir and
crawler.state_file from the config file.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, *cfgFile, args)
		},
	}

	f := cmd.Flags()
	f.Float64("nodeinfo-ttl-hours", 24, "skip hosts with a NodeInfo success younger than this")
	f.Float64("robots-ttl-hours", 24*7, "reuse robots.txt decisions younger than this")
	f.Float64("error-ttl-hours", 6, "skip hosts whose last error is younger than this")
	f.Float64("rate", 1, "target requests per second per rate key")
	f.Float64("global-rate", 0, "process-wide request cap per second (0 disables)")
	f.String("key-mode", config.KeyModeHost, "rate key grouping: host, ip or subnet")
	f.Int("ipv4-prefix", 24, "IPv4 prefix length in subnet mode")
	f.Int("ipv6-prefix", 48, "IPv6 prefix length in subnet mode")
	f.Int("concurrency", 30, "number of concurrent workers")
	f.Int("N", 0, "crawl at most N hosts (0 means all)")
	f.Duration("status-interval", 30*time.Second, "status report interval (0 disables)")
	f.String("listen", "", "serve /healthz, /status and /metrics on this address")
	return cmd
}

func runCrawl(cmd *cobra.Command, cfgFile string, args []string) (err error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	applyArgs(&cfg, args)
	if cfg.Crawler.HostsFile == "" {
		return errors.New("no host list: pass hosts.json or set crawler.hosts_file")
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	hosts, err := app.LoadHosts(cfg.Crawler.HostsFile)
	if err != nil {
		return err
	}
	runner, err := app.Build(cfg, logger, app.Options{})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	stopAPI := startAPI(ctx, cfg.API.ListenAddr, runner, logger)

	summary, runErr := runner.Run(ctx, hosts)
	err = multierr.Append(runErr, stopAPI())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d/%d candidates completed, %d ok\n",
		summary.RunID, summary.Stats.Completed, summary.Candidates, summary.Artifacts)
	return nil
}

func applyArgs(cfg *config.Config, args []string) {
	if len(args) > 0 {
		cfg.Crawler.HostsFile = args[0]
	}
	if len(args) > 1 {
		cfg.Crawler.NodeInfoDir = args[1]
	}
	if len(args) > 2 {
		cfg.Crawler.StateFile = args[2]
	}
}

// startAPI serves the status endpoint in the background when addr is set.
// The returned func stops it and reports any serve error.
func startAPI(ctx context.Context, addr string, runner *app.Runner, logger *zap.Logger) func() error {
	if addr == "" {
		return func() error { return nil }
	}
	srvCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- api.NewServer(runner, logger.Named("api")).ListenAndServe(srvCtx, addr)
	}()
	return func() error {
		cancel()
		return <-errCh
	}
}
