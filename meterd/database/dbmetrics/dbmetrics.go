// Package dbmetrics wraps a database.Store with a Prometheus histogram
// observing per-query latencies.
package dbmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlmeter/crawlmeter/meterd/database"
)

// New returns a database.Store that registers metrics for all queries to reg.
func New(s database.Store, reg prometheus.Registerer) database.Store {
	queryLatencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crawlmeter",
		Subsystem: "db",
		Name:      "query_latencies_seconds",
		Help:      "Latency distribution of queries in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	reg.MustRegister(queryLatencies)
	return metricsStore{
		s:              s,
		queryLatencies: queryLatencies,
	}
}

type metricsStore struct {
	s              database.Store
	queryLatencies *prometheus.HistogramVec
}

func (m metricsStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	duration, err := m.s.Ping(ctx)
	m.queryLatencies.WithLabelValues("Ping").Observe(time.Since(start).Seconds())
	return duration, err
}

func (m metricsStore) AddJobTraffic(ctx context.Context, arg database.AddJobTrafficParams) (database.JobTraffic, error) {
	start := time.Now()
	row, err := m.s.AddJobTraffic(ctx, arg)
	m.queryLatencies.WithLabelValues("AddJobTraffic").Observe(time.Since(start).Seconds())
	return row, err
}

func (m metricsStore) GetJobTrafficByID(ctx context.Context, jobID string) (database.JobTraffic, error) {
	start := time.Now()
	row, err := m.s.GetJobTrafficByID(ctx, jobID)
	m.queryLatencies.WithLabelValues("GetJobTrafficByID").Observe(time.Since(start).Seconds())
	return row, err
}

func (m metricsStore) GetAllJobTraffic(ctx context.Context) ([]database.JobTraffic, error) {
	start := time.Now()
	rows, err := m.s.GetAllJobTraffic(ctx)
	m.queryLatencies.WithLabelValues("GetAllJobTraffic").Observe(time.Since(start).Seconds())
	return rows, err
}
