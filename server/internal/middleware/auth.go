package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/metrics"
)

// HeaderAPIKey carries the management API key.
const HeaderAPIKey = "X-API-Key"

// APIKey rejects requests that do not carry key in the X-API-Key header.
// Addresses with repeated failures are blocked by limiter.
func APIKey(key string, limiter *FailureLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if limiter.Blocked(addr) {
				metrics.AuthAttemptsTotal.WithLabelValues("blocked").Inc()
				http.Error(w, `{"error":"Too many failed attempts"}`, http.StatusTooManyRequests)
				return
			}

			provided := r.Header.Get(HeaderAPIKey)
			if provided == "" {
				limiter.Fail(addr)
				metrics.AuthAttemptsTotal.WithLabelValues("missing").Inc()
				http.Error(w, `{"error":"API key is required"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				limiter.Fail(addr)
				metrics.AuthAttemptsTotal.WithLabelValues("invalid").Inc()
				logger.Warn("Invalid API key", zap.String("remote_addr", addr))
				http.Error(w, `{"error":"Invalid API key"}`, http.StatusUnauthorized)
				return
			}

			limiter.Succeed(addr)
			metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the request's remote IP without the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
