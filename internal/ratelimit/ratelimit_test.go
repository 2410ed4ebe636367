package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowBurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("203.0.113.7") {
			t.Errorf("request %d should be allowed within burst", i)
		}
	}
	if limiter.Allow("203.0.113.7") {
		t.Error("request after burst should be denied")
	}

	// 1 token per second at 60/min.
	time.Sleep(1100 * time.Millisecond)
	if !limiter.Allow("203.0.113.7") {
		t.Error("request after replenishment should be allowed")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("198.51.100.1")
	}
	if limiter.Allow("198.51.100.1") {
		t.Error("exhausted client should be limited")
	}
	if !limiter.Allow("198.51.100.2") {
		t.Error("fresh client should not be limited")
	}
}

func TestMiddlewareLimitsAndSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/v1/escrows/x", func(c *gin.Context) { c.String(200, "ok") })

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/escrows/x", nil)
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set on 429")
	}
}

func TestMiddlewareExemptPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
		ExemptPaths:       []string{"/health"},
	})
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/health", func(c *gin.Context) { c.String(200, "ok") })

	// Orchestrators hammer /health far past any budget; all must pass.
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, w.Code)
		}
	}
}

func TestDefaultConfigExemptsOperationalEndpoints(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 {
		t.Errorf("defaults = %d/min burst %d", cfg.RequestsPerMinute, cfg.BurstSize)
	}
	exempt := map[string]bool{}
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	for _, p := range []string{"/health", "/health/ready", "/metrics"} {
		if !exempt[p] {
			t.Errorf("%s should be exempt by default", p)
		}
	}
}
