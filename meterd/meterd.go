// Package meterd implements the traffic metering server. Crawler
// processes report per-job traffic deltas here and the server
// accumulates them into one counter row per job.
package meterd

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"

	"github.com/crawlmeter/crawlmeter/buildinfo"
	"github.com/crawlmeter/crawlmeter/meterd/database"
	"github.com/crawlmeter/crawlmeter/meterd/httpapi"
	"github.com/crawlmeter/crawlmeter/meterd/httpmw"
	"github.com/crawlmeter/crawlmeter/metersdk"
)

// Options are required parameters for the meter API to start.
type Options struct {
	Logger   slog.Logger
	Database database.Store

	// APIRateLimit is the minutely throughput rate limit per ip.
	// Setting a rate limit <0 will disable the rate limiter across the
	// entire app.
	APIRateLimit int
	// PrometheusRegistry is served on /metrics when set.
	PrometheusRegistry *prometheus.Registry
}

// New constructs the meter API into an HTTP handler.
func New(options *Options) http.Handler {
	if options.APIRateLimit == 0 {
		options.APIRateLimit = 512
	}
	api := &api{
		Options: options,
	}

	r := chi.NewRouter()
	r.Use(
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(&httpapi.StatusWriter{ResponseWriter: rw}, r)
			})
		},
		httpmw.Recover(options.Logger),
		httpmw.Logger(options.Logger),
	)

	r.Get("/healthz", api.healthz)
	if options.PrometheusRegistry != nil {
		r.Get("/metrics", promhttp.HandlerFor(options.PrometheusRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Route("/api/v0", func(r chi.Router) {
		r.NotFound(func(rw http.ResponseWriter, r *http.Request) {
			httpapi.Write(rw, http.StatusNotFound, httpapi.Response{
				Message: "Route not found.",
			})
		})

		// Specific routes can specify smaller limits.
		r.Use(httpmw.RateLimit(options.APIRateLimit, time.Minute))

		r.Get("/", func(rw http.ResponseWriter, r *http.Request) {
			httpapi.Write(rw, http.StatusOK, httpapi.Response{
				Message: "👋",
			})
		})
		r.Get("/buildinfo", api.buildInfo)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", api.jobTraffics)
			r.Route("/{job}", func(r chi.Router) {
				r.Use(httpmw.ExtractJobParam())
				r.Get("/traffic", api.jobTraffic)
				r.Post("/traffic", api.postJobTraffic)
			})
		})
	})

	return r
}

// api contains all route handlers. Only HTTP handlers should be added
// to this struct for code clarity.
type api struct {
	*Options
}

func (api *api) healthz(rw http.ResponseWriter, r *http.Request) {
	latency, err := api.Database.Ping(r.Context())
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: "Database unreachable.",
			Detail:  err.Error(),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, httpapi.Response{
		Message: "OK",
		Detail:  latency.String(),
	})
}

func (api *api) buildInfo(rw http.ResponseWriter, r *http.Request) {
	httpapi.Write(rw, http.StatusOK, metersdk.BuildInfoResponse{
		ExternalURL: buildinfo.ExternalURL(),
		Version:     buildinfo.Version(),
	})
}
