package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/finchlabs/easel/internal/ratelimit"
)

// RateLimit applies a per-IP request limiter in front of the API.
type RateLimit struct {
	limiter *ratelimit.Scoped
	logger  *slog.Logger
}

// NewRateLimit creates the per-IP rate limit middleware.
func NewRateLimit(limiter *ratelimit.Scoped, logger *slog.Logger) *RateLimit {
	return &RateLimit{
		limiter: limiter,
		logger:  logger,
	}
}

// Handler returns middleware that rejects over-limit clients with a JSON
// 429 and a Retry-After header.
func (m *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := ClientIP(r)

		decision := m.limiter.Check(clientIP)
		if !decision.Allowed {
			m.logger.Warn("rate limit exceeded",
				"ip", clientIP,
				"path", r.URL.Path,
				"method", r.Method,
			)
			WriteRateLimited(w, decision)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteRateLimited writes the standard 429 response for a denied decision.
func WriteRateLimited(w http.ResponseWriter, decision ratelimit.Decision) {
	retryAfter := int(decision.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please try again later.",
		"retry_after": retryAfter,
	})
}
