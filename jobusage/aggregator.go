// Package jobusage accumulates finalized request metrics into per-job
// traffic deltas and periodically persists them. A delta survives a failed
// persist: it is merged back into the pending bucket and retried on the
// next flush cycle, so usage is delayed but never silently lost.
package jobusage

import (
	"context"
	"flag"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/crawlmeter/crawlmeter/traffic"
)

// DefaultFlushInterval is the background flush interval used when no
// WithFlushInterval option is given.
var DefaultFlushInterval = 30 * time.Second

// Store durably persists traffic increments. Transient failures are
// expected; the aggregator retries on the next flush cycle.
type Store interface {
	AddJobTraffic(ctx context.Context, jobID string, delta traffic.Delta) error
}

// Aggregator buckets finalized request metrics by job and flushes the
// accumulated deltas to its Store on a schedule or on demand. One
// aggregator serves all trackers in a process so concurrent jobs share a
// single flush schedule. It is the caller's responsibility to call Close().
type Aggregator struct {
	log      slog.Logger
	store    Store
	clock    quartz.Clock
	interval time.Duration

	mu      sync.Mutex
	pending map[string]*traffic.Delta

	// flushing admits one flush cycle at a time. RecordRequest is never
	// blocked by it; the cycle owns only its snapshot.
	flushing atomic.Bool

	tickCh   <-chan time.Time
	stopTick func()
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	flushCh  chan int // used for testing.

	recordedBytes    prometheus.Counter
	recordedRequests prometheus.Counter
	flushedJobs      prometheus.Counter
	flushErrors      prometheus.Counter
	pendingJobs      prometheus.Gauge
}

// New returns an Aggregator persisting to store. It is the caller's
// responsibility to call Close().
func New(store Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:      slog.Make(sloghuman.Sink(os.Stderr)),
		store:    store,
		clock:    quartz.NewReal(),
		interval: DefaultFlushInterval,
		pending:  make(map[string]*traffic.Delta),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		recordedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlmeter",
			Subsystem: "jobusage",
			Name:      "recorded_bytes_total",
			Help:      "Bytes accounted across all finalized request metrics.",
		}),
		recordedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlmeter",
			Subsystem: "jobusage",
			Name:      "recorded_requests_total",
			Help:      "Finalized request metrics accepted for accounting.",
		}),
		flushedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlmeter",
			Subsystem: "jobusage",
			Name:      "flushed_jobs_total",
			Help:      "Per-job deltas successfully persisted.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlmeter",
			Subsystem: "jobusage",
			Name:      "flush_errors_total",
			Help:      "Per-job persists that failed and were requeued.",
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crawlmeter",
			Subsystem: "jobusage",
			Name:      "pending_jobs",
			Help:      "Jobs with traffic accumulated but not yet persisted.",
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.interval > 0 {
		ticker := a.clock.NewTicker(a.interval, "jobusage", "flush")
		a.tickCh = ticker.C
		a.stopTick = func() { ticker.Stop() }
	}
	return a
}

type Option func(*Aggregator)

// WithLogger sets the logger used by the aggregator.
func WithLogger(log slog.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// WithClock replaces the clock driving the background schedule. This is
// only used for testing.
func WithClock(clock quartz.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

// WithFlushInterval configures the background flush interval. A
// non-positive interval disables the schedule entirely; flushing then only
// happens through FlushAll and FlushJob.
func WithFlushInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		a.interval = d
	}
}

// WithFlushChannel allows passing a channel that receives the number of
// jobs drained by each completed flush cycle. For testing only and will
// panic if used outside of tests.
func WithFlushChannel(c chan int) Option {
	if flag.Lookup("test.v") == nil {
		panic("developer error: WithFlushChannel is not to be used outside of tests.")
	}
	return func(a *Aggregator) {
		a.flushCh = c
	}
}

// WithRegisterer registers the aggregator's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Aggregator) {
		reg.MustRegister(a.recordedBytes, a.recordedRequests, a.flushedJobs, a.flushErrors, a.pendingJobs)
	}
}

// RecordRequest folds one finalized metric into its job's pending delta.
// It never fails and never performs I/O: metrics without a job, and
// metrics whose total is not positive, are dropped from accounting.
func (a *Aggregator) RecordRequest(m traffic.RequestMetric) {
	if m.JobID == "" || m.TotalBytes <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.pending[m.JobID]
	if !ok {
		d = &traffic.Delta{}
		a.pending[m.JobID] = d
	}
	d.Accumulate(m)
	a.pendingJobs.Set(float64(len(a.pending)))
	a.recordedBytes.Add(float64(m.TotalBytes))
	a.recordedRequests.Inc()
}

// Pending returns a copy of the job's unflushed delta, if any.
func (a *Aggregator) Pending(jobID string) (traffic.Delta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.pending[jobID]
	if !ok {
		return traffic.Delta{}, false
	}
	return *d, true
}

// FlushJob drains and persists one job's pending delta, if any. A failed
// persist requeues the delta; nothing propagates to the caller.
func (a *Aggregator) FlushJob(ctx context.Context, jobID string) {
	a.mu.Lock()
	d, ok := a.pending[jobID]
	if ok {
		delete(a.pending, jobID)
		a.pendingJobs.Set(float64(len(a.pending)))
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	_ = a.persist(ctx, jobID, *d)
}

// FlushAll drains every job's pending delta and persists them, one
// concurrent persist per job, failing and requeueing independently. At most
// one cycle runs at a time: a call while another cycle is draining is a
// no-op, and deltas recorded during a cycle land in the live map, never the
// in-flight snapshot.
func (a *Aggregator) FlushAll(ctx context.Context) {
	if !a.flushing.CompareAndSwap(false, true) {
		return
	}
	var count int
	defer func() {
		a.flushing.Store(false)
		if a.flushCh != nil { // only used for testing
			a.flushCh <- count
		}
	}()

	a.mu.Lock()
	snapshot := a.pending
	a.pending = make(map[string]*traffic.Delta)
	a.pendingJobs.Set(0)
	a.mu.Unlock()

	count = len(snapshot)
	if count == 0 {
		a.log.Debug(ctx, "no pending job traffic to flush")
		return
	}

	var eg errgroup.Group
	for jobID, delta := range snapshot {
		eg.Go(func() error {
			return a.persist(ctx, jobID, *delta)
		})
	}
	if err := eg.Wait(); err != nil {
		a.log.Warn(ctx, "flush cycle completed with requeued jobs", slog.Error(err))
	}
}

// persist writes one job's delta to the store. Deltas with nothing to
// persist are skipped. On failure the delta is merged back into the live
// pending bucket, on top of whatever accumulated since the snapshot.
func (a *Aggregator) persist(ctx context.Context, jobID string, delta traffic.Delta) error {
	if delta.Empty() {
		return nil
	}
	if err := a.store.AddJobTraffic(ctx, jobID, delta); err != nil {
		a.requeue(jobID, delta)
		a.flushErrors.Inc()
		a.log.Error(ctx, "failed to persist job traffic",
			slog.F("job_id", jobID),
			slog.F("total_bytes", delta.TotalBytes),
			slog.Error(err),
		)
		return xerrors.Errorf("persist traffic for job %q: %w", jobID, err)
	}
	a.flushedJobs.Inc()
	a.log.Debug(ctx, "persisted job traffic",
		slog.F("job_id", jobID),
		slog.F("total_bytes", delta.TotalBytes),
		slog.F("request_count", delta.RequestCount),
	)
	return nil
}

func (a *Aggregator) requeue(jobID string, delta traffic.Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.pending[jobID]
	if !ok {
		d = &traffic.Delta{}
		a.pending[jobID] = d
	}
	d.Merge(delta)
	a.pendingJobs.Set(float64(len(a.pending)))
}

// Loop flushes on every tick until Close is called, then flushes once more
// so a short-lived process does not strand pending usage. With the
// schedule disabled it only waits for Close.
// If Loop is called after Close, it will panic. Don't do this.
func (a *Aggregator) Loop() {
	select {
	case <-a.doneCh:
		panic("developer error: Loop called after Close")
	default:
	}
	defer func() {
		a.log.Debug(context.Background(), "aggregator loop exited")
	}()
	for {
		select {
		case <-a.stopCh:
			a.FlushAll(context.Background())
			close(a.doneCh)
			return
		case <-a.tickCh:
			a.FlushAll(context.Background())
		}
	}
}

// Close stops the background schedule and returns once Loop has exited.
// After calling Close(), Loop must not be called.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() {
		a.stopCh <- struct{}{}
		if a.stopTick != nil {
			a.stopTick()
		}
		<-a.doneCh
	})
}
