package meterd

import (
	"database/sql"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/crawlmeter/crawlmeter/meterd/database"
	"github.com/crawlmeter/crawlmeter/meterd/database/dbtime"
	"github.com/crawlmeter/crawlmeter/meterd/httpapi"
	"github.com/crawlmeter/crawlmeter/meterd/httpmw"
	"github.com/crawlmeter/crawlmeter/metersdk"
	"github.com/crawlmeter/crawlmeter/traffic"
)

func (api *api) postJobTraffic(rw http.ResponseWriter, r *http.Request) {
	jobID := httpmw.JobParam(r)

	var delta traffic.Delta
	if !httpapi.Read(rw, r, &delta) {
		return
	}
	if delta.TotalBytes <= 0 {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
			Message: "Traffic delta must account at least one byte.",
			Errors: []httpapi.Error{
				{Field: "total_bytes", Detail: "Must be greater than zero."},
			},
		})
		return
	}

	now := dbtime.Now()
	_, err := api.Database.AddJobTraffic(r.Context(), database.AddJobTrafficParams{
		JobID:         jobID,
		TotalBytes:    delta.TotalBytes,
		RequestBytes:  delta.RequestBytes,
		ResponseBytes: delta.ResponseBytes,
		RequestCount:  delta.RequestCount,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: "Internal error recording job traffic.",
			Detail:  err.Error(),
		})
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (api *api) jobTraffic(rw http.ResponseWriter, r *http.Request) {
	jobID := httpmw.JobParam(r)

	row, err := api.Database.GetJobTrafficByID(r.Context(), jobID)
	if xerrors.Is(err, sql.ErrNoRows) {
		httpapi.ResourceNotFound(rw)
		return
	}
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: "Internal error fetching job traffic.",
			Detail:  err.Error(),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, convertJobTraffic(row))
}

func (api *api) jobTraffics(rw http.ResponseWriter, r *http.Request) {
	rows, err := api.Database.GetAllJobTraffic(r.Context())
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: "Internal error fetching job traffic.",
			Detail:  err.Error(),
		})
		return
	}
	traffics := make([]metersdk.JobTraffic, 0, len(rows))
	for _, row := range rows {
		traffics = append(traffics, convertJobTraffic(row))
	}
	httpapi.Write(rw, http.StatusOK, traffics)
}

func convertJobTraffic(row database.JobTraffic) metersdk.JobTraffic {
	return metersdk.JobTraffic{
		JobID:         row.JobID,
		TotalBytes:    row.TotalBytes,
		RequestBytes:  row.RequestBytes,
		ResponseBytes: row.ResponseBytes,
		RequestCount:  row.RequestCount,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}
