package database

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// JobTraffic is the accumulated network usage of one crawl job.
type JobTraffic struct {
	JobID         string    `db:"job_id" json:"job_id"`
	TotalBytes    int64     `db:"total_bytes" json:"total_bytes"`
	RequestBytes  int64     `db:"request_bytes" json:"request_bytes"`
	ResponseBytes int64     `db:"response_bytes" json:"response_bytes"`
	RequestCount  int64     `db:"request_count" json:"request_count"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

type AddJobTrafficParams struct {
	JobID         string    `db:"job_id" json:"job_id"`
	TotalBytes    int64     `db:"total_bytes" json:"total_bytes"`
	RequestBytes  int64     `db:"request_bytes" json:"request_bytes"`
	ResponseBytes int64     `db:"response_bytes" json:"response_bytes"`
	RequestCount  int64     `db:"request_count" json:"request_count"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

type querier interface {
	// AddJobTraffic atomically increments the stored counters for a job,
	// creating the row on first sight, and returns the post-update row.
	AddJobTraffic(ctx context.Context, arg AddJobTrafficParams) (JobTraffic, error)
	// GetJobTrafficByID returns sql.ErrNoRows when the job has no recorded
	// traffic.
	GetJobTrafficByID(ctx context.Context, jobID string) (JobTraffic, error)
	GetAllJobTraffic(ctx context.Context) ([]JobTraffic, error)
}

const addJobTraffic = `
INSERT INTO job_traffic (
	job_id,
	total_bytes,
	request_bytes,
	response_bytes,
	request_count,
	created_at,
	updated_at
)
VALUES
	($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id) DO UPDATE SET
	total_bytes = job_traffic.total_bytes + excluded.total_bytes,
	request_bytes = job_traffic.request_bytes + excluded.request_bytes,
	response_bytes = job_traffic.response_bytes + excluded.response_bytes,
	request_count = job_traffic.request_count + excluded.request_count,
	updated_at = excluded.updated_at
RETURNING job_id, total_bytes, request_bytes, response_bytes, request_count, created_at, updated_at
`

func (q *sqlQuerier) AddJobTraffic(ctx context.Context, arg AddJobTrafficParams) (JobTraffic, error) {
	row := q.db.QueryRowContext(ctx, addJobTraffic,
		arg.JobID,
		arg.TotalBytes,
		arg.RequestBytes,
		arg.ResponseBytes,
		arg.RequestCount,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	var i JobTraffic
	err := row.Scan(
		&i.JobID,
		&i.TotalBytes,
		&i.RequestBytes,
		&i.ResponseBytes,
		&i.RequestCount,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return JobTraffic{}, xerrors.Errorf("add job traffic: %w", err)
	}
	return i, nil
}

const getJobTrafficByID = `
SELECT job_id, total_bytes, request_bytes, response_bytes, request_count, created_at, updated_at
FROM job_traffic
WHERE job_id = $1
`

func (q *sqlQuerier) GetJobTrafficByID(ctx context.Context, jobID string) (JobTraffic, error) {
	row := q.db.QueryRowContext(ctx, getJobTrafficByID, jobID)
	var i JobTraffic
	err := row.Scan(
		&i.JobID,
		&i.TotalBytes,
		&i.RequestBytes,
		&i.ResponseBytes,
		&i.RequestCount,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getAllJobTraffic = `
SELECT job_id, total_bytes, request_bytes, response_bytes, request_count, created_at, updated_at
FROM job_traffic
ORDER BY job_id
`

func (q *sqlQuerier) GetAllJobTraffic(ctx context.Context) ([]JobTraffic, error) {
	rows, err := q.db.QueryContext(ctx, getAllJobTraffic)
	if err != nil {
		return nil, xerrors.Errorf("get all job traffic: %w", err)
	}
	defer rows.Close()
	var items []JobTraffic
	for rows.Next() {
		var i JobTraffic
		if err := rows.Scan(
			&i.JobID,
			&i.TotalBytes,
			&i.RequestBytes,
			&i.ResponseBytes,
			&i.RequestCount,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
