// Package dispatcher drains per-key host queues with a fixed worker pool,
// pacing each rate key independently and adapting its interval to 429s and
// successes.
package dispatcher

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/nodeinfo-crawler/internal/config"
	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
	"github.com/JakeFAU/nodeinfo-crawler/internal/metrics"
)

const shrinkFactor = 0.9

// Config controls the worker pool and per-key pacing.
type Config struct {
	Workers        int
	DNSConcurrency int
	// PerKeyRPS sets the default floor interval (1/rps).
	PerKeyRPS   float64
	MaxInterval time.Duration
	RetryBudget int
	// KeyOverrides sets a slower rate for specific keys.
	KeyOverrides map[string]float64
}

// ConfigFrom maps the loaded configuration onto dispatcher settings.
func ConfigFrom(cfg config.Config) Config {
	overrides := make(map[string]float64, len(cfg.Rate.KeyOverrides))
	for _, o := range cfg.Rate.KeyOverrides {
		overrides[o.Key] = o.RPS
	}
	return Config{
		Workers:        cfg.Crawler.Concurrency,
		DNSConcurrency: cfg.DNS.Concurrency,
		PerKeyRPS:      cfg.Rate.PerKeyRPS,
		MaxInterval:    cfg.Rate.MaxInterval,
		RetryBudget:    cfg.Rate.RetryBudget,
		KeyOverrides:   overrides,
	}
}

// Job is one dispatched visit.
type Job struct {
	Host         string
	Key          string
	Attempt      int
	DispatchedAt time.Time

	stamp    time.Time
	previous time.Time
}

// VisitFunc runs one attempt for a host.
type VisitFunc func(ctx context.Context, job Job) crawler.Outcome

// Stats summarizes a finished run.
type Stats struct {
	Total     int
	Completed int
	ByStatus  map[crawler.NodeInfoStatus]int
	Attempts  int
	Requests  int
	Requeued  int
	GaveUp    int
	Abandoned int
}

// Dispatcher owns the queues and pacing state for one run.
type Dispatcher struct {
	cfg    Config
	keyer  crawler.Keyer
	visit  VisitFunc
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	wake  chan struct{}
	keys  map[string]*keyState
	wait  waitHeap
	ready readyHeap

	pendingDNS int
	queued     int
	inFlight   int
	started    time.Time
	stats      Stats
}

// New builds a Dispatcher. A nil clock uses the wall clock.
func New(cfg Config, keyer crawler.Keyer, visit VisitFunc, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DNSConcurrency <= 0 {
		cfg.DNSConcurrency = cfg.Workers
	}
	if cfg.PerKeyRPS <= 0 {
		cfg.PerKeyRPS = 1
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		keyer:  keyer,
		visit:  visit,
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}),
		keys:   make(map[string]*keyState),
		stats:  Stats{ByStatus: make(map[crawler.NodeInfoStatus]int)},
	}
}

// Run resolves every host to a rate key and visits them all, returning
// when every host is done or ctx is cancelled. It must be called once.
func (d *Dispatcher) Run(ctx context.Context, hosts []string) Stats {
	d.mu.Lock()
	d.started = d.clock.Now()
	d.pendingDNS = len(hosts)
	d.stats.Total = len(hosts)
	d.mu.Unlock()

	d.logger.Info("dispatch starting",
		zap.Int("hosts", len(hosts)),
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("floor", d.floorFor("")),
		zap.Duration("max_interval", d.cfg.MaxInterval),
	)

	fed := make(chan struct{})
	go func() {
		defer close(fed)
		d.feed(ctx, hosts)
	}()

	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	<-fed

	return d.Stats()
}

// feed resolves keys with bounded concurrency and enqueues each host.
func (d *Dispatcher) feed(ctx context.Context, hosts []string) {
	var g errgroup.Group
	g.SetLimit(d.cfg.DNSConcurrency)
	for i, host := range hosts {
		if ctx.Err() != nil {
			d.dropPending(len(hosts) - i)
			break
		}
		g.Go(func() error {
			key := d.keyer.KeyFor(ctx, host)
			d.enqueue(key, pending{host: host, attempt: 1}, true)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) dropPending(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingDNS -= n
	d.broadcastLocked()
}

func (d *Dispatcher) enqueue(key string, p pending, fromDNS bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fromDNS {
		d.pendingDNS--
	}
	d.pushLocked(d.keyLocked(key), p)
	d.broadcastLocked()
}

func (d *Dispatcher) keyLocked(key string) *keyState {
	k, ok := d.keys[key]
	if ok {
		return k
	}
	floor := d.floorFor(key)
	ceiling := d.cfg.MaxInterval
	if ceiling < floor {
		ceiling = floor
	}
	k = &keyState{
		key:      key,
		interval: floor,
		floor:    floor,
		ceiling:  ceiling,
		budget:   d.cfg.RetryBudget,
		waitIdx:  -1,
		readyIdx: -1,
	}
	d.keys[key] = k
	return k
}

func (d *Dispatcher) floorFor(key string) time.Duration {
	rps := d.cfg.PerKeyRPS
	if o, ok := d.cfg.KeyOverrides[key]; ok && o > 0 {
		rps = o
	}
	return time.Duration(float64(time.Second) / rps)
}

func (d *Dispatcher) pushLocked(k *keyState, p pending) {
	k.queue = append(k.queue, p)
	d.queued++
	switch {
	case k.readyIdx >= 0:
		heap.Fix(&d.ready, k.readyIdx)
	case k.waitIdx < 0:
		heap.Push(&d.wait, k)
	}
}

// broadcastLocked wakes every waiting worker.
func (d *Dispatcher) broadcastLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func (d *Dispatcher) finishedLocked() bool {
	return d.pendingDNS == 0 && d.queued == 0 && d.inFlight == 0
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		job, ok := d.next(ctx)
		if !ok {
			return
		}
		out := d.visit(ctx, job)
		if ctx.Err() != nil {
			d.abandon(job)
			return
		}
		d.complete(job, out)
	}
}

// next blocks until a key is ready and pops its head, or reports false
// when the run is over.
func (d *Dispatcher) next(ctx context.Context) (Job, bool) {
	waitStart := d.clock.Now()
	d.mu.Lock()
	for {
		if ctx.Err() != nil || d.finishedLocked() {
			d.mu.Unlock()
			return Job{}, false
		}
		now := d.clock.Now()
		if job, ok := d.popLocked(now); ok {
			d.mu.Unlock()
			metrics.ObserveDispatchWait(now.Sub(waitStart))
			return job, true
		}

		var delay time.Duration
		if len(d.wait) > 0 {
			delay = d.wait[0].nextAllowed.Sub(now)
		}
		wake := d.wake
		d.mu.Unlock()

		if delay > 0 {
			timer := d.clock.Timer(delay)
			select {
			case <-ctx.Done():
			case <-wake:
			case <-timer.C:
			}
			timer.Stop()
		} else {
			select {
			case <-ctx.Done():
			case <-wake:
			}
		}
		d.mu.Lock()
	}
}

// popLocked promotes keys whose time has come and dispatches from the
// largest ready queue.
func (d *Dispatcher) popLocked(now time.Time) (Job, bool) {
	for len(d.wait) > 0 && !d.wait[0].nextAllowed.After(now) {
		k := heap.Pop(&d.wait).(*keyState)
		heap.Push(&d.ready, k)
	}
	if len(d.ready) == 0 {
		return Job{}, false
	}
	k := heap.Pop(&d.ready).(*keyState)
	p := k.queue[0]
	k.queue[0] = pending{}
	k.queue = k.queue[1:]
	d.queued--

	job := Job{
		Host:         p.host,
		Key:          k.key,
		Attempt:      p.attempt,
		DispatchedAt: now,
		previous:     k.nextAllowed,
	}
	k.nextAllowed = now.Add(k.interval)
	job.stamp = k.nextAllowed
	k.active++
	d.inFlight++
	if len(k.queue) > 0 {
		heap.Push(&d.wait, k)
	}
	return job, true
}

func (d *Dispatcher) abandon(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if k, ok := d.keys[job.Key]; ok {
		k.active--
	}
	d.inFlight--
	d.stats.Abandoned++
	d.broadcastLocked()
}

// complete applies an attempt's outcome to the key's pacing state.
func (d *Dispatcher) complete(job Job, out crawler.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := d.keys[job.Key]
	k.active--
	d.inFlight--
	d.stats.Attempts++
	d.stats.Requests += out.Requests

	// Nothing reached the origin: give the pacing slot back.
	if out.Requests == 0 && k.nextAllowed.Equal(job.stamp) {
		d.setNextAllowedLocked(k, job.previous)
	}

	done := true
	switch {
	case out.RateLimited:
		if k.budget > 0 {
			k.budget--
		}
		if k.budget > 0 {
			k.interval = min(2*k.interval, k.ceiling)
			if next := d.clock.Now().Add(k.interval); next.After(k.nextAllowed) {
				d.setNextAllowedLocked(k, next)
			}
			d.pushLocked(k, pending{host: job.Host, attempt: job.Attempt + 1})
			d.stats.Requeued++
			metrics.ObserveRequeue()
			done = false
			d.logger.Debug("rate limited; requeued",
				zap.String("host", job.Host),
				zap.String("key", job.Key),
				zap.Int("attempt", job.Attempt),
				zap.Duration("interval", k.interval),
				zap.Int("budget", k.budget),
			)
		} else {
			d.stats.GaveUp++
			d.logger.Debug("rate limited; retry budget exhausted",
				zap.String("host", job.Host),
				zap.String("key", job.Key),
				zap.Duration("interval", k.interval),
			)
		}
	case out.OK():
		k.interval = max(time.Duration(float64(k.interval)*shrinkFactor), k.floor)
		k.budget = d.cfg.RetryBudget
	}

	if done {
		d.stats.Completed++
		d.stats.ByStatus[out.Status]++
		metrics.ObserveOutcome(string(out.Status), out.RateLimited)
	}
	d.broadcastLocked()
}

func (d *Dispatcher) setNextAllowedLocked(k *keyState, t time.Time) {
	k.nextAllowed = t
	if k.waitIdx >= 0 {
		heap.Fix(&d.wait, k.waitIdx)
	}
}

// Stats returns a copy of the run counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.ByStatus = make(map[crawler.NodeInfoStatus]int, len(d.stats.ByStatus))
	for status, n := range d.stats.ByStatus {
		s.ByStatus[status] = n
	}
	return s
}

// KeySnapshot describes one rate key.
type KeySnapshot struct {
	Key         string
	Queued      int
	Active      int
	Interval    time.Duration
	Floor       time.Duration
	Budget      int
	NextAllowed time.Time
}

// Snapshot is a consistent view of the dispatcher for status reporting.
type Snapshot struct {
	At           time.Time
	Started      time.Time
	Total        int
	Completed    int
	Queued       int
	InFlight     int
	PendingDNS   int
	Attempts     int
	Requests     int
	Requeued     int
	Keys         int
	ElevatedKeys int
	// TopKeys holds the busiest keys, largest queue first.
	TopKeys []KeySnapshot
}

// Snapshot reads the current state; topN bounds TopKeys.
func (d *Dispatcher) Snapshot(topN int) Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Snapshot{
		At:         d.clock.Now(),
		Started:    d.started,
		Total:      d.stats.Total,
		Completed:  d.stats.Completed,
		Queued:     d.queued,
		InFlight:   d.inFlight,
		PendingDNS: d.pendingDNS,
		Attempts:   d.stats.Attempts,
		Requests:   d.stats.Requests,
		Requeued:   d.stats.Requeued,
		Keys:       len(d.keys),
	}
	busy := make([]KeySnapshot, 0)
	for _, k := range d.keys {
		if k.interval > k.floor {
			s.ElevatedKeys++
		}
		if len(k.queue) == 0 && k.active == 0 {
			continue
		}
		busy = append(busy, snapshotKey(k))
	}
	sort.Slice(busy, func(i, j int) bool {
		if busy[i].Queued == busy[j].Queued {
			return busy[i].Key < busy[j].Key
		}
		return busy[i].Queued > busy[j].Queued
	})
	if topN >= 0 && len(busy) > topN {
		busy = busy[:topN]
	}
	s.TopKeys = busy
	return s
}

// Key returns the pacing state of one key.
func (d *Dispatcher) Key(key string) (KeySnapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keys[key]
	if !ok {
		return KeySnapshot{}, false
	}
	return snapshotKey(k), true
}

func snapshotKey(k *keyState) KeySnapshot {
	return KeySnapshot{
		Key:         k.key,
		Queued:      len(k.queue),
		Active:      k.active,
		Interval:    k.interval,
		Floor:       k.floor,
		Budget:      k.budget,
		NextAllowed: k.nextAllowed,
	}
}
