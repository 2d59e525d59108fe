package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
)

// rateLimited runs one request through the handler, optionally tagged with
// tenant identity keys, and returns the recorder plus the handler error.
func rateLimited(e *echo.Echo, handler echo.HandlerFunc, keys map[string]string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range keys {
		c.Set(k, v)
	}
	return rec, handler(c)
}

func newRateLimitedHandler(rps float64, burst int) (*echo.Echo, echo.HandlerFunc) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e, handler
}

func assertTooManyRequests(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
}

func TestRateLimit_RequestsWithinBurst(t *testing.T) {
	e, handler := newRateLimitedHandler(10, 5)

	for i := 0; i < 5; i++ {
		rec, err := rateLimited(e, handler, nil)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_RejectsBeyondBurst(t *testing.T) {
	e, handler := newRateLimitedHandler(1, 2)

	for i := 0; i < 2; i++ {
		if _, err := rateLimited(e, handler, nil); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	_, err := rateLimited(e, handler, nil)
	assertTooManyRequests(t, err)
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	e, handler := newRateLimitedHandler(1, 1)

	if _, err := rateLimited(e, handler, nil); err != nil {
		t.Fatalf("first request: %v", err)
	}

	rec, err := rateLimited(e, handler, nil)
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("expected Retry-After header to be set")
	}
	retryVal, parseErr := strconv.Atoi(retryAfter)
	if parseErr != nil {
		t.Fatalf("Retry-After header is not a valid integer: %q", retryAfter)
	}
	if retryVal < 1 {
		t.Errorf("expected Retry-After >= 1, got %d", retryVal)
	}
	if remaining := rec.Header().Get("X-RateLimit-Remaining"); remaining != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", remaining)
	}
}

func TestRateLimit_PerTenantIsolation(t *testing.T) {
	e, handler := newRateLimitedHandler(1, 1)

	if _, err := rateLimited(e, handler, map[string]string{"jwt_tenant_id": "tenant-a"}); err != nil {
		t.Fatalf("tenant-a first request: %v", err)
	}

	_, err := rateLimited(e, handler, map[string]string{"jwt_tenant_id": "tenant-a"})
	assertTooManyRequests(t, err)

	// A different tenant keeps its own bucket.
	if _, err := rateLimited(e, handler, map[string]string{"jwt_tenant_id": "tenant-b"}); err != nil {
		t.Fatalf("tenant-b first request: %v", err)
	}
}

func TestRateLimit_ResolvedTenantTakesPrecedence(t *testing.T) {
	e, handler := newRateLimitedHandler(1, 1)

	if _, err := rateLimited(e, handler, map[string]string{"tenant_id": "tenant-a"}); err != nil {
		t.Fatalf("tenant-a first request: %v", err)
	}

	// A claim naming a different tenant must not bypass the resolved one.
	_, err := rateLimited(e, handler, map[string]string{
		"tenant_id":     "tenant-a",
		"jwt_tenant_id": "tenant-b",
	})
	assertTooManyRequests(t, err)
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 {
		t.Errorf("expected RequestsPerSecond 100, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 200 {
		t.Errorf("expected BurstSize 200, got %d", cfg.BurstSize)
	}
}

func TestBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newBucket(0, 1)
	b.take()
	// Zero refill rate cannot estimate a refill time; report 1 second.
	if ra := b.retryAfter(); ra != 1 {
		t.Errorf("expected retryAfter 1 for zero rate, got %d", ra)
	}
}

func TestBucketStore_SameKeySameBucket(t *testing.T) {
	store := &bucketStore{
		buckets: make(map[string]*bucket),
		cfg:     RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
	}

	b1 := store.get("key1")
	if b1 == nil {
		t.Fatal("expected non-nil bucket")
	}
	if b2 := store.get("key1"); b1 != b2 {
		t.Error("expected same bucket instance for same key")
	}
	if b3 := store.get("key2"); b1 == b3 {
		t.Error("expected different bucket for different key")
	}
}
