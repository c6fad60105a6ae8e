// Package meterdtest constructs in-memory meter servers for tests.
package meterdtest

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/crawlmeter/crawlmeter/meterd"
	"github.com/crawlmeter/crawlmeter/meterd/database"
	"github.com/crawlmeter/crawlmeter/meterd/database/dbmem"
	"github.com/crawlmeter/crawlmeter/metersdk"
	"github.com/crawlmeter/crawlmeter/testutil"
)

// Options for customizing the test server. Zero values pick sane
// defaults for tests.
type Options struct {
	Database           database.Store
	APIRateLimit       int
	PrometheusRegistry *prometheus.Registry
}

// New constructs a metersdk client connected to an in-memory meter API
// instance. The server is torn down when the test finishes.
func New(t *testing.T, options *Options) *metersdk.Client {
	if options == nil {
		options = &Options{}
	}
	if options.Database == nil {
		options.Database = dbmem.New()
	}

	srv := httptest.NewServer(meterd.New(&meterd.Options{
		Logger:             testutil.Logger(t).Named("meterd"),
		Database:           options.Database,
		APIRateLimit:       options.APIRateLimit,
		PrometheusRegistry: options.PrometheusRegistry,
	}))
	t.Cleanup(srv.Close)

	serverURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return metersdk.New(serverURL)
}
