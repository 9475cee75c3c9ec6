package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// accessLog logs each request at debug level. Health checks are skipped.
func accessLog(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			start := time.Now()
			defer func() {
				if r.URL.Path == "/health" {
					return
				}
				logger.Debug().
					Str("type", "access").
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_ip", r.RemoteAddr).
					Str("method", r.Method).
					Str("url", r.URL.Path).
					Int("status", ww.Status()).
					Float64("latency_ms", float64(time.Since(start).Nanoseconds())/1e6).
					Int("bytes_out", ww.BytesWritten()).
					Msg("incoming_request")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
