package middleware

import (
	"net/http"
)

// APIVersion stamps every response with the service API version, so callers
// can detect contract changes without a discovery round trip.
func APIVersion(version string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("API-Version", version)

			next.ServeHTTP(w, r)
		})
	}
}
