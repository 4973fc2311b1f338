package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/khanhromvn/flexbrowser/internal/config"
	"github.com/khanhromvn/flexbrowser/internal/web"
)

var (
	metricRequestsTotal   uint64
	metricRequestsFailed  uint64
	metricRequestLatencyN uint64
	metricRateLimited     uint64
)

// Metrics is a snapshot of the request counters.
func Metrics() map[string]uint64 {
	total := atomic.LoadUint64(&metricRequestsTotal)
	latency := atomic.LoadUint64(&metricRequestLatencyN)
	avg := uint64(0)
	if total > 0 {
		avg = latency / total
	}
	return map[string]uint64{
		"requestsTotal":  total,
		"requestsFailed": atomic.LoadUint64(&metricRequestsFailed),
		"avgLatencyMs":   avg,
		"rateLimited":    atomic.LoadUint64(&metricRateLimited),
	}
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &web.StatusWriter{ResponseWriter: w, Code: 200}
		next.ServeHTTP(sw, r)
		ms := uint64(time.Since(start).Milliseconds())
		atomic.AddUint64(&metricRequestsTotal, 1)
		atomic.AddUint64(&metricRequestLatencyN, ms)
		if sw.Code >= 400 {
			atomic.AddUint64(&metricRequestsFailed, 1)
		}
		slog.Info("request",
			"requestId", w.Header().Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Code,
			"ms", ms,
		)
	})
}

// AuthMiddleware checks the bearer token when one is configured. The auth
// callback is reached from the system browser, which cannot send headers,
// so it accepts the token as the "key" query parameter instead.
func AuthMiddleware(cfg *config.RuntimeConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Token == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			supplied = strings.TrimPrefix(auth, "Bearer ")
		} else if r.URL.Path == "/auth/callback" || r.URL.Path == "/events" {
			supplied = r.URL.Query().Get("key")
		}
		if supplied == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="flexbrowser", error="missing_token"`)
			web.ErrorCode(w, 401, "missing_token", "unauthorized", false, nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="flexbrowser", error="bad_token"`)
			web.ErrorCode(w, 401, "bad_token", "unauthorized", false, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	window  time.Duration
	max     int
	now     func() time.Time
}

// RateLimitMiddleware caps requests per client address. The event stream
// and health probe are exempt.
func RateLimitMiddleware(next http.Handler) http.Handler {
	rl := &rateLimiter{buckets: map[string][]time.Time{}, window: 10 * time.Second, max: 120, now: time.Now}
	return rl.wrap(next)
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host == "" {
			host = r.RemoteAddr
		}

		now := rl.now()
		rl.mu.Lock()
		hits := rl.buckets[host]
		filtered := hits[:0]
		for _, t := range hits {
			if now.Sub(t) < rl.window {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) >= rl.max {
			rl.buckets[host] = filtered
			rl.mu.Unlock()
			atomic.AddUint64(&metricRateLimited, 1)
			web.ErrorCode(w, 429, "rate_limited", "too many requests", true, map[string]any{"windowSec": int(rl.window.Seconds()), "max": rl.max})
			return
		}
		rl.buckets[host] = append(filtered, now)
		rl.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// Chain wraps mux with the middleware stack in serving order.
func Chain(cfg *config.RuntimeConfig, mux http.Handler) http.Handler {
	return LoggingMiddleware(RequestIDMiddleware(CorsMiddleware(RateLimitMiddleware(AuthMiddleware(cfg, mux)))))
}
