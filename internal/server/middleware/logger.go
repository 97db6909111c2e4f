package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs every request on arrival and its duration once the
// handler returns. For websocket upgrades that is the connection lifetime.
func NewRequestLogger(logger *slog.Logger) Middleware {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}

			start := time.Now()
			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)
			logger.Debug("Request finished",
				slog.String("uri", r.RequestURI),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
