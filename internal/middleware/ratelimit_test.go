package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/finchlabs/easel/internal/ratelimit"
)

func newRateLimitMiddleware(limit int) *RateLimit {
	scoped := ratelimit.NewScoped(
		ratelimit.New(ratelimit.DefaultMaxEntries),
		ratelimit.ScopeConfig{Scope: "api_ip", Limit: limit, Span: time.Minute},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRateLimit(scoped, logger)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	h := newRateLimitMiddleware(3).Handler(okHandler())

	for i := 0; i < 3; i++ {
		if rec := doRequest(h, "203.0.113.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := doRequest(h, "203.0.113.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want a positive integer", rec.Header().Get("Retry-After"))
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestRateLimitIsPerIP(t *testing.T) {
	h := newRateLimitMiddleware(1).Handler(okHandler())

	if rec := doRequest(h, "203.0.113.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("first client: status = %d", rec.Code)
	}
	if rec := doRequest(h, "203.0.113.1:9999"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same IP, new port: status = %d, want 429", rec.Code)
	}
	if rec := doRequest(h, "203.0.113.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("different IP: status = %d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.1:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "forwarded-for wins",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"},
			want:       "203.0.113.9",
		},
		{
			name:       "real-ip fallback",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "203.0.113.7"},
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
