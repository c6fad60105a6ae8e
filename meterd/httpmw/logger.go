package httpmw

import (
	"fmt"
	"net/http"
	"time"

	"cdr.dev/slog/v3"

	"github.com/crawlmeter/crawlmeter/meterd/httpapi"
)

func Logger(log slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sw, ok := rw.(*httpapi.StatusWriter)
			if !ok {
				panic(fmt.Sprintf("ResponseWriter not a *httpapi.StatusWriter; got %T", rw))
			}

			httplog := log.With(
				slog.F("host", r.Host),
				slog.F("path", r.URL.Path),
				slog.F("proto", r.Proto),
				slog.F("remote_addr", r.RemoteAddr),
			)

			next.ServeHTTP(sw, r)

			end := time.Now()

			// Don't log successful health check requests.
			if r.URL.Path == "/healthz" && sw.Status == http.StatusOK {
				return
			}

			httplog = httplog.With(
				slog.F("took", end.Sub(start)),
				slog.F("status_code", sw.Status),
			)

			// For 5xx responses the body is worth keeping; clients rarely
			// report it back.
			if sw.Status >= http.StatusInternalServerError {
				httplog = httplog.With(
					slog.F("response_body", string(sw.ResponseBody())),
				)
			}

			// 5xx includes proxy errors and the like, so stay below error
			// level. It also keeps slogtest from failing tests that exercise
			// failure paths.
			logLevelFn := httplog.Debug
			if sw.Status >= http.StatusInternalServerError {
				logLevelFn = httplog.Warn
			}
			logLevelFn(r.Context(), r.Method)
		})
	}
}
