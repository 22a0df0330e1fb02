package middleware

import (
	"context"
	"net/http"
	"strings"
)

// HealthCheckFilter marks health probe requests so the access logger skips
// them, keeping load balancer noise out of the logs.
type HealthCheckFilter struct {
	healthEndpoints []string
	logHealthChecks bool
}

func NewHealthCheckFilter(logHealthChecks bool) *HealthCheckFilter {
	return &HealthCheckFilter{
		healthEndpoints: []string{
			"/health",
			"/ready",
			"/live",
			"/healthz",
			"/readyz",
			"/livez",
		},
		logHealthChecks: logHealthChecks,
	}
}

func (h *HealthCheckFilter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.logHealthChecks {
			next.ServeHTTP(w, r)

			return
		}

		for _, endpoint := range h.healthEndpoints {
			if strings.HasSuffix(r.URL.Path, endpoint) {
				ctx := context.WithValue(r.Context(), skipAccessLogKey, true)
				next.ServeHTTP(w, r.WithContext(ctx))

				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
