package metersdk

import (
	"context"
	"encoding/json"
	"net/http"
)

// BuildInfoResponse contains build information for this instance of
// the meter server.
type BuildInfoResponse struct {
	// ExternalURL references the source of the running build.
	ExternalURL string `json:"external_url"`
	// Version returns the semantic version of the build.
	Version string `json:"version"`
}

// BuildInfo returns build information for the instance of the meter
// server the client is pointed at.
func (c *Client) BuildInfo(ctx context.Context) (BuildInfoResponse, error) {
	res, err := c.Request(ctx, http.MethodGet, "/api/v0/buildinfo", nil)
	if err != nil {
		return BuildInfoResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return BuildInfoResponse{}, readBodyAsError(res)
	}

	var buildInfo BuildInfoResponse
	return buildInfo, json.NewDecoder(res.Body).Decode(&buildInfo)
}
