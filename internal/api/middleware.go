package api

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"photodrop/internal/logging"
)

// Logger wraps a handler with request logging.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		// Skip logging for payment status polling to reduce noise
		if r.URL.Path == "/api/payment-status" || r.URL.Path == "/health" {
			return
		}

		logging.HTTP.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string // Empty or nil means allow all (development mode)
}

// CORS adds CORS headers with configurable origin restrictions.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAll := len(cfg.AllowedOrigins) == 0

	allowedSet := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowedSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets the archive stream push bytes through the logging wrapper.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for websocket upgrades.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SharedLimiter is a fixed-window counter shared between server instances.
type SharedLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general API requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// UploadRequestsPerMinute is the rate limit for upload requests per IP
	UploadRequestsPerMinute float64
	// UploadBurstSize is the maximum burst for uploads
	UploadBurstSize int
	// Shared, when set, counts requests across instances; local limiters are
	// used whenever it fails.
	Shared SharedLimiter
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:       10, // 10 requests per second for general API
		BurstSize:               20, // Allow bursts up to 20
		UploadRequestsPerMinute: 10, // 10 uploads per minute
		UploadBurstSize:         3,  // Allow burst of 3 uploads
	}
}

const defaultLimiterTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// ipRateLimiter manages per-IP rate limiters and forgets idle IPs.
type ipRateLimiter struct {
	limiters sync.Map // map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newIPRateLimiterWithTTL(r float64, burst int, ttl time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().Unix()
	if v, ok := rl.limiters.Load(ip); ok {
		e := v.(*limiterEntry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	e := &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	e.lastSeen.Store(now)
	v, _ := rl.limiters.LoadOrStore(ip, e)
	return v.(*limiterEntry).limiter
}

func (rl *ipRateLimiter) cleanupLoop() {
	interval := rl.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.ttl).Unix()
	rl.limiters.Range(func(key, value any) bool {
		if value.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiter applies per-IP limits, stricter for uploads.
type RateLimiter struct {
	general *ipRateLimiter
	upload  *ipRateLimiter
	shared  SharedLimiter

	generalPerMinute int
	uploadPerMinute  int
}

// NewRateLimiter creates a rate limiter. Call Stop when done.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		general:          newIPRateLimiterWithTTL(cfg.RequestsPerSecond, cfg.BurstSize, defaultLimiterTTL),
		upload:           newIPRateLimiterWithTTL(cfg.UploadRequestsPerMinute/60, cfg.UploadBurstSize, defaultLimiterTTL),
		shared:           cfg.Shared,
		generalPerMinute: int(math.Ceil(cfg.RequestsPerSecond * 60)),
		uploadPerMinute:  int(math.Ceil(cfg.UploadRequestsPerMinute)),
	}
}

// Stop releases the limiter's background goroutines.
func (rl *RateLimiter) Stop() {
	rl.general.Stop()
	rl.upload.Stop()
}

// Middleware wraps next with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		isUpload := r.Method == "POST" && r.URL.Path == "/api/upload"

		allowed, retryAfter := rl.allow(r.Context(), ip, isUpload)
		if !allowed {
			logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, ip string, isUpload bool) (bool, time.Duration) {
	if rl.shared != nil {
		kind, limit := "api", rl.generalPerMinute
		if isUpload {
			kind, limit = "upload", rl.uploadPerMinute
		}
		ok, retryAfter, err := rl.shared.Allow(ctx, kind+":"+ip, limit, time.Minute)
		if err == nil {
			return ok, retryAfter
		}
		logging.HTTP.Printf("shared rate limiter unavailable, using local limits: %v", err)
	}

	limiter := rl.general.getLimiter(ip)
	if isUpload {
		limiter = rl.upload.getLimiter(ip)
	}
	return limiter.Allow(), 0
}

// extractIP gets the client IP from the request, checking X-Forwarded-For for proxied requests.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For header (set by reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// RemoteAddr is in the form "IP:port", so strip the port
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
