package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyByUserOrIP_PrefersAuthenticatedSender(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	c, _ := gin.CreateTestContext(w)
	c.Request = req

	// Unauthenticated request falls back to the client IP.
	key := KeyByUserOrIP()(c)
	if !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip-based key; got %q", key)
	}

	c.Set("userID", "teacher-7")
	if key := KeyByUserOrIP()(c); key != "user:teacher-7" {
		t.Fatalf("expected user-based key; got %q", key)
	}
}

func TestNewRateLimiter_BurstCoercionAndBucketReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByUserOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}

	lim := rl.getVisitor("user:alice")
	if lim == nil {
		t.Fatalf("expected limiter")
	}
	if got := rl.getVisitor("user:alice"); got != lim {
		t.Fatalf("same sender must reuse the same bucket")
	}
}

func TestGetVisitor_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1.0, 1, KeyByUserOrIP())
	rl.ttl = time.Nanosecond

	rl.mu.Lock()
	rl.visitors["user:stale"] = &visitor{
		limiter:  rate.NewLimiter(1, 1),
		lastSeen: time.Now().Add(-time.Hour),
	}
	// Next lookup crosses the sweep threshold.
	rl.cleanupN = 4999
	rl.mu.Unlock()

	_ = rl.getVisitor("user:active")

	rl.mu.Lock()
	_, stale := rl.visitors["user:stale"]
	_, active := rl.visitors["user:active"]
	rl.mu.Unlock()

	if stale {
		t.Fatalf("idle bucket must be evicted by the sweep")
	}
	if !active {
		t.Fatalf("expected a bucket for the active sender")
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if IsRateBypass(c) {
		t.Fatalf("expected false by default")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("expected true when flagged")
	}
	// Non-bool values read as false.
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("expected false for non-bool value")
	}
}

func TestRateLimiterHandler_AllowDenyAndReplayBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// rps=1 burst=1: the first send goes through, the immediate retry is 429.
	rl := NewRateLimiter(1.0, 1, KeyByUserOrIP())

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.POST("/api/v1/messages", func(c *gin.Context) { c.String(http.StatusOK, "sent") })

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first send should pass, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("immediate retry should be limited, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After=1, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected JSON body: %v", body)
	}

	// An idempotent replay skips the drained bucket entirely.
	replay := gin.New()
	replay.Use(func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() })
	replay.Use(rl.Handler())
	replay.POST("/api/v1/messages", func(c *gin.Context) { c.String(http.StatusOK, "sent") })

	w3 := httptest.NewRecorder()
	replay.ServeHTTP(w3, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("replay must bypass the limiter, got %d", w3.Code)
	}
}
