// Package httpmw contains the middleware meterd hangs its routes on.
package httpmw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlmeter/crawlmeter/meterd/httpapi"
)

type jobParamContextKey struct{}

// JobParam returns the job id from the ExtractJobParam handler.
func JobParam(r *http.Request) string {
	jobID, ok := r.Context().Value(jobParamContextKey{}).(string)
	if !ok {
		panic("developer error: job param middleware not provided")
	}
	return jobID
}

// ExtractJobParam grabs the job id from the "job" URL parameter and rejects
// ids that could not have been produced by a meter client.
func ExtractJobParam() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			jobID := chi.URLParam(r, "job")
			if !httpapi.ValidJobID(jobID) {
				httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
					Message: fmt.Sprintf("%q is not a valid job id", jobID),
				})
				return
			}

			ctx := context.WithValue(r.Context(), jobParamContextKey{}, jobID)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}
