package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestCORS_AllowAll(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{})(handler)

	req := httptest.NewRequest("GET", "/api/photos", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()

	corsHandler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Content-Disposition" {
		t.Errorf("expected Content-Disposition to be exposed, got %q", got)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://photos.example.com", "http://localhost:3000"},
	})(handler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/photos", nil)
		req.Header.Set("Origin", "https://photos.example.com")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://photos.example.com" {
			t.Errorf("expected https://photos.example.com, got %q", got)
		}
		if got := rec.Header().Get("Vary"); got != "Origin" {
			t.Errorf("expected Vary: Origin, got %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/photos", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		called := false
		h := CORS(CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		req := httptest.NewRequest("OPTIONS", "/api/create-checkout-session", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for preflight, got %d", rec.Code)
		}
		if called {
			t.Error("preflight should not reach the handler")
		}
	})
}

func TestLogger_PassesThrough(t *testing.T) {
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("flush through logger: %v", err)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/photos", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rec.Code)
	}
	if !rec.Flushed {
		t.Error("expected the underlying writer to be flushed")
	}
}

// Gallery reads and uploads draw from separate per-IP budgets.
func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond:       1,
		BurstSize:               2,
		UploadRequestsPerMinute: 1,
		UploadBurstSize:         1,
	})
	defer rl.Stop()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		method, path, ip string
		want             int
	}{
		{"GET", "/api/photos", "10.0.0.1", http.StatusOK},
		{"GET", "/api/photos/p1/thumbnail", "10.0.0.1", http.StatusOK},
		{"GET", "/api/photos", "10.0.0.1", http.StatusTooManyRequests},
		{"POST", "/api/upload", "10.0.0.1", http.StatusOK},
		{"POST", "/api/upload", "10.0.0.1", http.StatusTooManyRequests},
		{"GET", "/api/photos", "10.0.0.2", http.StatusOK},
	}
	for i, tc := range tests {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.RemoteAddr = tc.ip + ":12345"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("request %d (%s %s from %s): expected %d, got %d", i, tc.method, tc.path, tc.ip, tc.want, rec.Code)
		}
	}
}

type fakeSharedLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	keys   []string
	err    error
}

func (f *fakeSharedLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.err != nil {
		return false, 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[key]++
	if f.counts[key] > limit {
		return false, 42 * time.Second, nil
	}
	return true, 0, nil
}

func TestRateLimit_Shared(t *testing.T) {
	shared := &fakeSharedLimiter{}
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond:       100,
		BurstSize:               100,
		UploadRequestsPerMinute: 2,
		UploadBurstSize:         100,
		Shared:                  shared,
	})
	defer rl.Stop()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/upload", nil)
		req.RemoteAddr = "10.0.0.9:1"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the shared limit to apply, got %d", last.Code)
	}
	if got := last.Header().Get("Retry-After"); got != "42" {
		t.Errorf("expected Retry-After 42, got %q", got)
	}
	if shared.keys[0] != "upload:10.0.0.9" {
		t.Errorf("unexpected key %q", shared.keys[0])
	}
}

func TestRateLimit_SharedFailureFallsBack(t *testing.T) {
	shared := &fakeSharedLimiter{err: errors.New("connection refused")}
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond:       1,
		BurstSize:               1,
		UploadRequestsPerMinute: 1,
		UploadBurstSize:         1,
		Shared:                  shared,
	})
	defer rl.Stop()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest("GET", "/api/photos", nil)
		req.RemoteAddr = "10.0.0.10:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected local limits [200 429], got %v", codes)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	// lastSeen uses Unix seconds, so the TTL must be at least a second
	rl := newIPRateLimiterWithTTL(10, 5, 1*time.Second)
	defer rl.Stop()

	rl.getLimiter("192.168.1.1")
	time.Sleep(2 * time.Second)
	rl.getLimiter("192.168.1.2")
	rl.cleanup()

	var remaining []string
	rl.limiters.Range(func(key, _ any) bool {
		remaining = append(remaining, key.(string))
		return true
	})
	if len(remaining) != 1 || remaining[0] != "192.168.1.2" {
		t.Errorf("expected only the active 192.168.1.2 to remain, got %v", remaining)
	}

	// a second Stop must not panic
	rl.Stop()
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"proxy chain uses the client", "127.0.0.1:80", "203.0.113.50, 70.41.3.18", "5.6.7.8", "203.0.113.50"},
		{"X-Real-IP", "127.0.0.1:80", "", "203.0.113.100", "203.0.113.100"},
		{"IPv6 remote addr", "[::1]:8080", "", "", "[::1]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			if got := extractIP(req); got != tc.want {
				t.Errorf("extractIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
