// Package dbmem keeps the whole store in process memory. It backs tests and
// the server's --in-memory mode.
package dbmem

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/crawlmeter/crawlmeter/meterd/database"
)

// New returns an in-memory fake of the database.
func New() database.Store {
	return &fakeQuerier{
		jobTraffic: make(map[string]database.JobTraffic),
	}
}

// fakeQuerier replicates database functionality to enable quick testing.
type fakeQuerier struct {
	mutex      sync.RWMutex
	jobTraffic map[string]database.JobTraffic
}

func (*fakeQuerier) Ping(_ context.Context) (time.Duration, error) {
	return 0, nil
}

func (q *fakeQuerier) AddJobTraffic(_ context.Context, arg database.AddJobTrafficParams) (database.JobTraffic, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	row, ok := q.jobTraffic[arg.JobID]
	if !ok {
		row = database.JobTraffic{
			JobID:     arg.JobID,
			CreatedAt: arg.CreatedAt,
		}
	}
	row.TotalBytes += arg.TotalBytes
	row.RequestBytes += arg.RequestBytes
	row.ResponseBytes += arg.ResponseBytes
	row.RequestCount += arg.RequestCount
	row.UpdatedAt = arg.UpdatedAt
	q.jobTraffic[arg.JobID] = row
	return row, nil
}

func (q *fakeQuerier) GetJobTrafficByID(_ context.Context, jobID string) (database.JobTraffic, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	row, ok := q.jobTraffic[jobID]
	if !ok {
		return database.JobTraffic{}, sql.ErrNoRows
	}
	return row, nil
}

func (q *fakeQuerier) GetAllJobTraffic(_ context.Context) ([]database.JobTraffic, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	rows := make([]database.JobTraffic, 0, len(q.jobTraffic))
	for _, row := range q.jobTraffic {
		rows = append(rows, row)
	}
	// The postgres query orders by job_id.
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].JobID < rows[j].JobID
	})
	return rows, nil
}
