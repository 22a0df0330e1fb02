package middleware

import (
	"net/http"
	"time"

	"github.com/dlhauer/zulip/internal/config"
	"github.com/rs/zerolog"
)

type contextKey string

const skipAccessLogKey contextKey = "skip_access_log"

type AccessLogger struct {
	logger             zerolog.Logger
	includeQueryParams bool
}

func NewAccessLogger(logger zerolog.Logger, cfg config.AccessLogConfig) *AccessLogger {
	return &AccessLogger{
		logger:             logger.With().Str("component", "http_access").Logger(),
		includeQueryParams: cfg.IncludeQueryParams,
	}
}

func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip, ok := r.Context().Value(skipAccessLogKey).(bool); ok && skip {
			next.ServeHTTP(w, r)

			return
		}

		startTime := time.Now()
		wrapped := NewRecordingResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(startTime)

		logEvent := a.eventForStatus(wrapped.StatusCode()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Str("proto", r.Proto).
			Str("host", r.Host).
			Int("status_code", wrapped.StatusCode()).
			Int64("response_size_bytes", wrapped.BytesWritten()).
			Dur("duration", duration)

		if a.includeQueryParams {
			logEvent.Str("query", r.URL.RawQuery)
		}

		if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
			logEvent.Str("request_id", requestID)
		}

		if referer := r.Referer(); referer != "" {
			logEvent.Str("referer", referer)
		}

		logEvent.Msg("HTTP request completed")
	})
}

func (a *AccessLogger) eventForStatus(statusCode int) *zerolog.Event {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return a.logger.Error()
	case statusCode >= http.StatusBadRequest:
		return a.logger.Warn()
	default:
		return a.logger.Info()
	}
}
