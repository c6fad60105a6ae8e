package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/crawlmeter/crawlmeter/meterd/httpapi"
)

// RateLimit returns a handler that limits requests per-client-IP to count
// per window. A count <= 0 disables the limit.
func RateLimit(count int, window time.Duration) func(http.Handler) http.Handler {
	if count <= 0 {
		return func(handler http.Handler) http.Handler {
			return handler
		}
	}
	return httprate.Limit(
		count,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(rw http.ResponseWriter, _ *http.Request) {
			httpapi.Write(rw, http.StatusTooManyRequests, httpapi.Response{
				Message: "You've been rate limited for sending too many requests!",
			})
		}),
	)
}
