package main

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyThrottleWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	throttle := newKeyThrottle(2, time.Minute)
	throttle.now = func() time.Time { return now }

	allowed, _ := throttle.Allow("10.0.0.1")
	assert.True(t, allowed)

	throttle.RecordFailure("10.0.0.1")
	throttle.RecordFailure("10.0.0.1")

	allowed, retryAfter := throttle.Allow("10.0.0.1")
	assert.False(t, allowed)
	assert.Equal(t, 60, retryAfter)

	allowed, _ = throttle.Allow("10.0.0.2")
	assert.True(t, allowed, "limits are per IP")

	now = now.Add(45 * time.Second)
	_, retryAfter = throttle.Allow("10.0.0.1")
	assert.Equal(t, 15, retryAfter)

	now = now.Add(15 * time.Second)
	allowed, _ = throttle.Allow("10.0.0.1")
	assert.True(t, allowed)
}

func TestKeyThrottleDisabled(t *testing.T) {
	throttle := newKeyThrottle(0, time.Minute)
	throttle.RecordFailure("10.0.0.1")
	allowed, _ := throttle.Allow("10.0.0.1")
	assert.True(t, allowed)

	var missing *keyThrottle
	allowed, _ = missing.Allow("10.0.0.1")
	assert.True(t, allowed)
}

func TestKeyThrottleConfigFromEnv(t *testing.T) {
	t.Setenv("KEY_FAILURE_LIMIT", "3")
	t.Setenv("KEY_FAILURE_WINDOW_SECONDS", "30")
	limit, window := keyThrottleConfig()
	assert.Equal(t, 3, limit)
	assert.Equal(t, 30*time.Second, window)
}

func TestServerThrottlesRepeatedBadKeys(t *testing.T) {
	t.Setenv("KEY_FAILURE_LIMIT", "2")
	api := newTestAPI(t, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/pool", nil)
		req.Header.Set(apiKeyHeader, "guess-"+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		api.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	req.Header.Set(apiKeyHeader, ownerKey)
	rec := httptest.NewRecorder()
	api.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	req = httptest.NewRequest(http.MethodGet, "/pool", nil)
	rec = httptest.NewRecorder()
	api.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "anonymous reads are not throttled")
}
