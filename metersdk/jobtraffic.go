package metersdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crawlmeter/crawlmeter/traffic"
)

// JobTraffic is the accumulated network usage of one crawl job.
type JobTraffic struct {
	JobID         string    `json:"job_id"`
	TotalBytes    int64     `json:"total_bytes"`
	RequestBytes  int64     `json:"request_bytes"`
	ResponseBytes int64     `json:"response_bytes"`
	RequestCount  int64     `json:"request_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AddJobTraffic reports a traffic delta for a job. Deltas accumulate
// server side, so repeated reports for the same job sum up.
func (c *Client) AddJobTraffic(ctx context.Context, jobID string, delta traffic.Delta) error {
	res, err := c.Request(ctx, http.MethodPost, fmt.Sprintf("/api/v0/jobs/%s/traffic", jobID), delta)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return readBodyAsError(res)
	}
	return nil
}

// JobTraffic returns the accumulated traffic for a job.
func (c *Client) JobTraffic(ctx context.Context, jobID string) (JobTraffic, error) {
	res, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/api/v0/jobs/%s/traffic", jobID), nil)
	if err != nil {
		return JobTraffic{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return JobTraffic{}, readBodyAsError(res)
	}
	var jobTraffic JobTraffic
	return jobTraffic, json.NewDecoder(res.Body).Decode(&jobTraffic)
}

// JobTraffics returns the accumulated traffic of every job known to the
// server, ordered by job id.
func (c *Client) JobTraffics(ctx context.Context) ([]JobTraffic, error) {
	res, err := c.Request(ctx, http.MethodGet, "/api/v0/jobs", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, readBodyAsError(res)
	}
	var jobTraffics []JobTraffic
	return jobTraffics, json.NewDecoder(res.Body).Decode(&jobTraffics)
}
