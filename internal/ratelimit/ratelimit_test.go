package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowConsumesBurstThenRefills(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         4,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 4; i++ {
		if !limiter.Allow("203.0.113.7") {
			t.Fatalf("request %d inside the burst was denied", i)
		}
	}
	if limiter.Allow("203.0.113.7") {
		t.Fatal("request beyond the burst must be denied")
	}

	// 60/min refills one token per second.
	time.Sleep(1100 * time.Millisecond)
	if !limiter.Allow("203.0.113.7") {
		t.Fatal("bucket did not refill")
	}
}

func TestBucketsArePerKey(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	limiter.Allow("203.0.113.7")
	limiter.Allow("203.0.113.7")
	if limiter.Allow("203.0.113.7") {
		t.Fatal("first client should be exhausted")
	}
	if !limiter.Allow("198.51.100.2") {
		t.Fatal("second client must have its own bucket")
	}
}

func TestRefillRateTracksConfig(t *testing.T) {
	// 600/min is one token every 100ms.
	limiter := New(Config{
		RequestsPerMinute: 600,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	if !limiter.Allow("k") {
		t.Fatal("first request denied")
	}
	if limiter.Allow("k") {
		t.Fatal("bucket of one must be empty after one request")
	}
	time.Sleep(120 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Fatal("token did not refill at the configured rate")
	}
}

func TestMiddlewareReturns429WhenExhausted(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	do := func() int {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.RemoteAddr = "203.0.113.7:54321"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != 200 {
		t.Fatalf("first request = %d, want 200", code)
	}
	if code := do(); code != 429 {
		t.Fatalf("exhausted client = %d, want 429", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
