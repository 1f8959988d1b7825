// Package status periodically logs crawl progress and publishes it as
// Prometheus gauges.
package status

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/dispatcher"
	"github.com/JakeFAU/nodeinfo-crawler/internal/metrics"
)

const topKeys = 5

// Source yields dispatcher snapshots.
type Source interface {
	Snapshot(topN int) dispatcher.Snapshot
}

// Reporter logs one status line per interval.
type Reporter struct {
	source   Source
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	last     dispatcher.Snapshot
	haveLast bool
}

// New builds a Reporter. A zero interval disables periodic reports.
func New(source Source, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Reporter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{source: source, interval: interval, clock: clk, logger: logger}
}

// Run reports until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report logs the current snapshot and updates the gauges.
func (r *Reporter) Report() {
	s := r.source.Snapshot(topKeys)
	rate := r.requestRate(s)
	r.last, r.haveLast = s, true

	metrics.SetQueueState(s.Queued, s.InFlight, s.PendingDNS, s.ElevatedKeys)

	top := make([]keyFields, 0, len(s.TopKeys))
	for _, k := range s.TopKeys {
		top = append(top, keyFields(k))
	}
	r.logger.Info("crawl status",
		zap.Int("total", s.Total),
		zap.Int("completed", s.Completed),
		zap.Int("queued", s.Queued),
		zap.Int("in_flight", s.InFlight),
		zap.Int("pending_dns", s.PendingDNS),
		zap.Int("keys", s.Keys),
		zap.Int("elevated_keys", s.ElevatedKeys),
		zap.Int("requeued", s.Requeued),
		zap.Float64("requests_per_sec", rate),
		zap.Objects("top_keys", top),
	)
}

// requestRate is requests/second since the previous report, or since the
// run started for the first one.
func (r *Reporter) requestRate(s dispatcher.Snapshot) float64 {
	since, base := s.Started, 0
	if r.haveLast {
		since, base = r.last.At, r.last.Requests
	}
	elapsed := s.At.Sub(since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Requests-base) / elapsed
}

type keyFields dispatcher.KeySnapshot

func (k keyFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("key", k.Key)
	enc.AddInt("queued", k.Queued)
	enc.AddInt("active", k.Active)
	enc.AddDuration("interval", k.Interval)
	return nil
}

// Summary logs the final per-status counts.
func Summary(logger *zap.Logger, stats dispatcher.Stats, elapsed time.Duration) {
	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fields := []zap.Field{
		zap.Int("total", stats.Total),
		zap.Int("completed", stats.Completed),
		zap.Int("attempts", stats.Attempts),
		zap.Int("requests", stats.Requests),
		zap.Int("requeued", stats.Requeued),
		zap.Int("gave_up", stats.GaveUp),
		zap.Int("abandoned", stats.Abandoned),
		zap.Duration("elapsed", elapsed),
	}
	for _, s := range statuses {
		fields = append(fields, zap.Int(s, stats.ByStatus[crawler.NodeInfoStatus(s)]))
	}
	logger.Info("crawl finished", fields...)
}
