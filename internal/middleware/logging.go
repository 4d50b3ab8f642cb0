package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LoggingTransport wraps an outbound RoundTripper and logs each backend
// request with its status and duration.
func LoggingTransport(logger zerolog.Logger) func(http.RoundTripper) http.RoundTripper {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			duration := time.Since(start)

			if err != nil {
				logger.Debug().
					Err(err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Dur("duration", duration).
					Msg("request failed")
				return nil, err
			}
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", resp.StatusCode).
				Dur("duration", duration).
				Msg("request completed")
			return resp, nil
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// LoggingMiddleware logs every request served by the local status API.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "api").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(rw, r)
			duration := time.Since(start)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", duration).
				Msg("request served")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
