// Package app coordinates one crawl run: candidate selection, dispatch,
// state updates, artifact output and the final state flush.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/config"
	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/dispatcher"
	"github.com/JakeFAU/nodeinfo-crawler/internal/hash/sha256"
	"github.com/JakeFAU/nodeinfo-crawler/internal/scheduler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/state"
	"github.com/JakeFAU/nodeinfo-crawler/internal/status"
	"github.com/JakeFAU/nodeinfo-crawler/internal/storage/local"
)

// Discoverer runs the NodeInfo protocol for one host.
type Discoverer interface {
	Discover(ctx context.Context, states crawler.HostStates, host string, now time.Time) crawler.Outcome
}

// Runner owns the long-lived pieces of a crawl.
type Runner struct {
	cfg      config.Config
	store    *state.Store
	blobs    crawler.BlobStore
	discover Discoverer
	keyer    crawler.Keyer
	clock    clock.Clock
	logger   *zap.Logger
	runID    string

	mu   sync.RWMutex
	disp *dispatcher.Dispatcher
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Hosts      int
	Candidates int
	Artifacts  int
	Stats      dispatcher.Stats
	Elapsed    time.Duration
}

// NewRunner assembles a Runner from already-built parts.
func NewRunner(
	cfg config.Config,
	store *state.Store,
	blobs crawler.BlobStore,
	discover Discoverer,
	keyer crawler.Keyer,
	clk clock.Clock,
	idGen crawler.IDGenerator,
	logger *zap.Logger,
) (*Runner, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	return &Runner{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		discover: discover,
		keyer:    keyer,
		clock:    clk,
		logger:   logger.With(zap.String("run_id", runID)),
		runID:    runID,
	}, nil
}

// RunID identifies this run in logs and on the status endpoint.
func (r *Runner) RunID() string {
	return r.runID
}

// Snapshot returns the dispatcher view, or an empty one before dispatch.
func (r *Runner) Snapshot(topN int) dispatcher.Snapshot {
	r.mu.RLock()
	disp := r.disp
	r.mu.RUnlock()
	if disp == nil {
		return dispatcher.Snapshot{At: r.clock.Now()}
	}
	return disp.Snapshot(topN)
}

// Policy derives the scheduler policy from configuration.
func Policy(cfg config.Config) scheduler.Policy {
	return scheduler.Policy{
		NodeInfoTTL: cfg.NodeInfoTTL(),
		RobotsTTL:   cfg.RobotsTTL(),
		ErrorTTL:    cfg.ErrorTTL(),
		Limit:       cfg.Crawler.MaxHosts,
	}
}

// Run crawls the eligible subset of hosts and saves the state file once,
// whether the run finished or ctx was cancelled.
func (r *Runner) Run(ctx context.Context, hosts []string) (Summary, error) {
	start := r.clock.Now()
	candidates := scheduler.Select(hosts, r.store.Snapshot(), start, Policy(r.cfg))
	r.logger.Info("candidates selected",
		zap.Int("hosts", len(hosts)),
		zap.Int("candidates", len(candidates)),
		zap.Int("known_hosts", r.store.Len()),
	)

	disp := dispatcher.New(dispatcher.ConfigFrom(r.cfg), r.keyer, r.visit(), r.clock, r.logger.Named("dispatcher"))
	r.mu.Lock()
	r.disp = disp
	r.mu.Unlock()

	reportCtx, stopReport := context.WithCancel(ctx)
	reporter := status.New(disp, r.cfg.Status.Interval, r.clock, r.logger.Named("status"))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Run(reportCtx)
	}()

	stats := disp.Run(ctx, candidates)
	stopReport()
	wg.Wait()

	summary := Summary{
		RunID:      r.runID,
		Hosts:      len(hosts),
		Candidates: len(candidates),
		Artifacts:  stats.ByStatus[crawler.StatusOK],
		Stats:      stats,
		Elapsed:    r.clock.Since(start),
	}
	if ctx.Err() != nil {
		r.logger.Warn("run interrupted; saving state", zap.Int("abandoned", stats.Abandoned))
	}
	status.Summary(r.logger, stats, summary.Elapsed)

	if err := r.store.Save(); err != nil {
		return summary, fmt.Errorf("save state: %w", err)
	}
	r.logger.Info("state saved", zap.String("path", r.store.Path()), zap.Int("hosts", r.store.Len()))
	return summary, nil
}

// visit runs one attempt inside a state transaction. Cancelled attempts are
// never committed.
func (r *Runner) visit() dispatcher.VisitFunc {
	return func(ctx context.Context, job dispatcher.Job) crawler.Outcome {
		now := r.clock.Now()
		tx := r.store.Begin()
		out := r.discover.Discover(ctx, tx, job.Host, now)
		if ctx.Err() != nil {
			return out
		}

		if out.OK() {
			rec := crawler.Record{Hostname: job.Host, NodeInfoURL: out.URL, NodeInfo: out.Document}
			uri, err := local.WriteRecord(ctx, r.blobs, rec, now)
			if err != nil {
				if ctx.Err() != nil {
					return out
				}
				r.logger.Error("artifact write failed", zap.String("host", job.Host), zap.Error(err))
				out.Status = crawler.StatusFetchError
				out.Error = err.Error()
				out.Document = nil
			} else {
				r.logger.Debug("nodeinfo archived",
					zap.String("host", job.Host),
					zap.String("uri", uri),
					zap.String("sha256", sha256.Sum(out.Document)),
				)
			}
		}

		ni := tx.Get(job.Host).NodeInfo
		ApplyOutcome(&ni, out, now)
		tx.PutNodeInfo(job.Host, ni)
		tx.Commit()

		if !out.OK() {
			r.logger.Warn("nodeinfo fetch failed",
				zap.String("host", job.Host),
				zap.String("status", string(out.Status)),
				zap.String("error", out.Error),
				zap.Int("attempt", job.Attempt),
			)
		}
		return out
	}
}

// ApplyOutcome records an attempt in the host's NodeInfo state.
func ApplyOutcome(ni *crawler.NodeInfoState, out crawler.Outcome, now time.Time) {
	ni.LastChecked = crawler.TimePtr(now)
	ni.Status = out.Status
	ni.Error = crawler.StringPtr(out.Error)
	if out.OK() {
		ni.LastSuccess = crawler.TimePtr(now)
	} else {
		ni.LastError = crawler.TimePtr(now)
	}
}

// LoadHosts reads a JSON array of hostnames.
func LoadHosts(path string) ([]string, error) {
	// #nosec G304 -- the host list path is operator supplied.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host list: %w", err)
	}
	var hosts []string
	if err := json.Unmarshal(data, &hosts); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("host list %s must be a JSON array of hostnames", path)
		}
		return nil, fmt.Errorf("parse host list: %w", err)
	}
	return hosts, nil
}
