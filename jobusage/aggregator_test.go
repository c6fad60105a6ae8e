package jobusage_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/crawlmeter/crawlmeter/jobusage"
	"github.com/crawlmeter/crawlmeter/testutil"
	"github.com/crawlmeter/crawlmeter/traffic"
)

func TestAggregatorFlushAll(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", RequestBytes: 120, ResponseBytes: 500, TotalBytes: 620})
	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", RequestBytes: 80, TotalBytes: 80})
	agg.RecordRequest(traffic.RequestMetric{JobID: "j2", ResponseBytes: 300, TotalBytes: 300})

	pending, ok := agg.Pending("j1")
	require.True(t, ok)
	require.Equal(t, traffic.Delta{TotalBytes: 700, RequestBytes: 200, ResponseBytes: 500, RequestCount: 2}, pending)

	agg.FlushAll(ctx)
	count := testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 2, count)

	require.Equal(t, traffic.Delta{TotalBytes: 700, RequestBytes: 200, ResponseBytes: 500, RequestCount: 2}, store.sum("j1"))
	require.Equal(t, traffic.Delta{TotalBytes: 300, ResponseBytes: 300, RequestCount: 1}, store.sum("j2"))

	_, ok = agg.Pending("j1")
	require.False(t, ok)
	_, ok = agg.Pending("j2")
	require.False(t, ok)
}

func TestAggregatorSkipsUnaccountable(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()
	defer agg.Close()

	// No job attribution.
	agg.RecordRequest(traffic.RequestMetric{TotalBytes: 500})
	// Nothing measurable.
	agg.RecordRequest(traffic.RequestMetric{JobID: "j1"})
	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: -10})

	_, ok := agg.Pending("j1")
	require.False(t, ok)

	agg.FlushAll(ctx)
	count := testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 0, count)
	require.Empty(t, store.deltas("j1"))
}

func TestAggregatorRetry(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	store.failNext("j2", 1)
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j2", ResponseBytes: 1000, TotalBytes: 1000})
	agg.FlushAll(ctx)
	testutil.RequireReceive(ctx, t, flushCh)

	// The failed delta is requeued in full.
	pending, ok := agg.Pending("j2")
	require.True(t, ok)
	require.Equal(t, int64(1000), pending.TotalBytes)

	agg.RecordRequest(traffic.RequestMetric{JobID: "j2", RequestBytes: 200, TotalBytes: 200})
	agg.FlushAll(ctx)
	testutil.RequireReceive(ctx, t, flushCh)

	require.Equal(t, traffic.Delta{TotalBytes: 1200, RequestBytes: 200, ResponseBytes: 1000, RequestCount: 2}, store.sum("j2"))
	_, ok = agg.Pending("j2")
	require.False(t, ok)
}

func TestAggregatorFlushIsolation(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	store.failNext("j1", 1)
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 100, ResponseBytes: 100})
	agg.RecordRequest(traffic.RequestMetric{JobID: "j2", TotalBytes: 200, ResponseBytes: 200})

	// One job failing must not hold back the other.
	agg.FlushAll(ctx)
	count := testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 2, count)
	require.Equal(t, traffic.Delta{TotalBytes: 200, ResponseBytes: 200, RequestCount: 1}, store.sum("j2"))

	pending, ok := agg.Pending("j1")
	require.True(t, ok)
	require.Equal(t, int64(100), pending.TotalBytes)
	_, ok = agg.Pending("j2")
	require.False(t, ok)

	agg.FlushAll(ctx)
	testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, traffic.Delta{TotalBytes: 100, ResponseBytes: 100, RequestCount: 1}, store.sum("j1"))
}

func TestAggregatorConcurrentFlushNoOp(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	store.entered = make(chan string)
	store.release = make(chan struct{})
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 100, ResponseBytes: 100})
	testutil.Go(t, func() { agg.FlushAll(ctx) })
	testutil.RequireReceive(ctx, t, store.entered)

	// Recorded while a cycle is draining: lands in the live map, not the
	// in-flight snapshot.
	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 50, RequestBytes: 50})
	// A flush during a running cycle is a no-op.
	agg.FlushAll(ctx)

	close(store.release)
	count := testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 1, count)

	require.Len(t, store.deltas("j1"), 1)
	require.Equal(t, traffic.Delta{TotalBytes: 100, ResponseBytes: 100, RequestCount: 1}, store.sum("j1"))
	pending, ok := agg.Pending("j1")
	require.True(t, ok)
	require.Equal(t, int64(50), pending.TotalBytes)

	// The delta recorded mid-cycle persists on the next cycle. Draining it
	// here also keeps the close-time flush from parking on the entered
	// channel.
	testutil.Go(t, func() { agg.FlushAll(ctx) })
	testutil.RequireReceive(ctx, t, store.entered)
	testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, traffic.Delta{TotalBytes: 150, RequestBytes: 50, ResponseBytes: 100, RequestCount: 2}, store.sum("j1"))
}

func TestAggregatorLoop(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)
	store := newFakeStore()
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithClock(mClock),
		jobusage.WithFlushInterval(time.Minute),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 620, RequestBytes: 120, ResponseBytes: 500})

	mClock.Advance(time.Minute).MustWait(ctx)
	count := testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 1, count)
	require.Equal(t, traffic.Delta{TotalBytes: 620, RequestBytes: 120, ResponseBytes: 500, RequestCount: 1}, store.sum("j1"))

	// An interval with nothing recorded still runs an empty cycle.
	mClock.Advance(time.Minute).MustWait(ctx)
	count = testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 0, count)
}

func TestAggregatorLoopRealClock(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithFlushInterval(testutil.IntervalFast),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 256, ResponseBytes: 256})

	// No mock clock here: let the real ticker drive the cycle and poll
	// for the persist.
	testutil.Eventually(ctx, t, func(context.Context) bool {
		return store.sum("j1").TotalBytes == 256
	}, testutil.IntervalFast)
}

func TestAggregatorFlushJob(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store := newFakeStore()
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithFlushInterval(0),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 100, ResponseBytes: 100})
	agg.RecordRequest(traffic.RequestMetric{JobID: "j2", TotalBytes: 200, ResponseBytes: 200})

	agg.FlushJob(ctx, "j1")
	require.Equal(t, traffic.Delta{TotalBytes: 100, ResponseBytes: 100, RequestCount: 1}, store.sum("j1"))
	require.Empty(t, store.deltas("j2"))

	_, ok := agg.Pending("j1")
	require.False(t, ok)
	pending, ok := agg.Pending("j2")
	require.True(t, ok)
	require.Equal(t, int64(200), pending.TotalBytes)

	// Draining a job with nothing pending is a no-op.
	agg.FlushJob(ctx, "j1")
	require.Len(t, store.deltas("j1"), 1)
}

func TestAggregatorCloseFlushes(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(testutil.Logger(t)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
	)
	go agg.Loop()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 450, ResponseBytes: 450})
	agg.Close()

	ctx := testutil.Context(t, testutil.WaitShort)
	count := testutil.RequireReceive(ctx, t, flushCh)
	require.Equal(t, 1, count)
	require.Equal(t, traffic.Delta{TotalBytes: 450, ResponseBytes: 450, RequestCount: 1}, store.sum("j1"))

	require.Panics(t, func() {
		agg.Loop()
	})
}

func TestAggregatorMetrics(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	reg := prometheus.NewRegistry()
	store := newFakeStore()
	store.failNext("j1", 1)
	flushCh := make(chan int, 1)
	agg := jobusage.New(store,
		jobusage.WithLogger(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)),
		jobusage.WithFlushInterval(0),
		jobusage.WithFlushChannel(flushCh),
		jobusage.WithRegisterer(reg),
	)
	go agg.Loop()
	defer agg.Close()

	agg.RecordRequest(traffic.RequestMetric{JobID: "j1", TotalBytes: 700, ResponseBytes: 700})
	agg.FlushAll(ctx)
	testutil.RequireReceive(ctx, t, flushCh)

	require.NoError(t, promtestutil.GatherAndCompare(reg, strings.NewReader(`
# HELP crawlmeter_jobusage_flush_errors_total Per-job persists that failed and were requeued.
# TYPE crawlmeter_jobusage_flush_errors_total counter
crawlmeter_jobusage_flush_errors_total 1
# HELP crawlmeter_jobusage_pending_jobs Jobs with traffic accumulated but not yet persisted.
# TYPE crawlmeter_jobusage_pending_jobs gauge
crawlmeter_jobusage_pending_jobs 1
# HELP crawlmeter_jobusage_recorded_bytes_total Bytes accounted across all finalized request metrics.
# TYPE crawlmeter_jobusage_recorded_bytes_total counter
crawlmeter_jobusage_recorded_bytes_total 700
`), "crawlmeter_jobusage_flush_errors_total", "crawlmeter_jobusage_pending_jobs", "crawlmeter_jobusage_recorded_bytes_total"))

	// The requeued delta persists on the next cycle and the pending
	// gauge drains.
	agg.FlushAll(ctx)
	testutil.RequireReceive(ctx, t, flushCh)

	metrics, err := reg.Gather()
	require.NoError(t, err)
	require.True(t, testutil.PromGaugeHasValue(t, metrics, 0, "crawlmeter_jobusage_pending_jobs"))
	require.True(t, testutil.PromCounterHasValue(t, metrics, 1, "crawlmeter_jobusage_flushed_jobs_total"))
}

type storeCall struct {
	delta  traffic.Delta
	failed bool
}

// fakeStore records AddJobTraffic calls per job and can be scripted to
// fail or block.
type fakeStore struct {
	mu       sync.Mutex
	calls    map[string][]storeCall
	failures map[string]int

	// entered, when set, receives the job id as a persist begins. release,
	// when set, holds every persist until closed.
	entered chan string
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:    make(map[string][]storeCall),
		failures: make(map[string]int),
	}
}

func (s *fakeStore) AddJobTraffic(_ context.Context, jobID string, delta traffic.Delta) error {
	if s.entered != nil {
		s.entered <- jobID
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call := storeCall{delta: delta}
	if s.failures[jobID] > 0 {
		s.failures[jobID]--
		call.failed = true
	}
	s.calls[jobID] = append(s.calls[jobID], call)
	if call.failed {
		return xerrors.New("store unavailable")
	}
	return nil
}

// failNext makes the next n persists for jobID fail.
func (s *fakeStore) failNext(jobID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[jobID] = n
}

// deltas returns every delta handed to the store for jobID, failed
// persists included.
func (s *fakeStore) deltas(jobID string) []traffic.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ds []traffic.Delta
	for _, call := range s.calls[jobID] {
		ds = append(ds, call.delta)
	}
	return ds
}

// sum merges every successfully persisted delta for jobID, mirroring what
// a real store would hold.
func (s *fakeStore) sum(jobID string) traffic.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total traffic.Delta
	for _, call := range s.calls[jobID] {
		if call.failed {
			continue
		}
		total.Merge(call.delta)
	}
	return total
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
