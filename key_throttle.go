package main

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultKeyFailureLimit         = 12
	defaultKeyFailureWindowSeconds = 600
)

func keyThrottleConfig() (int, time.Duration) {
	limit := parseEnvInt("KEY_FAILURE_LIMIT", defaultKeyFailureLimit)
	windowSeconds := parseEnvInt("KEY_FAILURE_WINDOW_SECONDS", defaultKeyFailureWindowSeconds)
	return limit, time.Duration(windowSeconds) * time.Second
}

type keyFailureWindow struct {
	start    time.Time
	attempts int
}

// keyThrottle counts rejected API keys per client IP in fixed windows.
// Once an IP reaches the limit every keyed request from it is refused
// until the window rolls over.
type keyThrottle struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*keyFailureWindow
}

func newKeyThrottle(limit int, window time.Duration) *keyThrottle {
	return &keyThrottle{
		limit:   limit,
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
		windows: make(map[string]*keyFailureWindow),
	}
}

// Allow reports whether ip may present a key, and if not, how many seconds
// remain until it may.
func (t *keyThrottle) Allow(ip string) (bool, int) {
	ip = strings.TrimSpace(ip)
	if t == nil || ip == "" || t.limit <= 0 || t.window <= 0 {
		return true, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.windows[ip]
	if !ok {
		return true, 0
	}
	elapsed := t.now().Sub(entry.start)
	if elapsed >= t.window {
		delete(t.windows, ip)
		return true, 0
	}
	if entry.attempts >= t.limit {
		retryAfter := int(t.window.Seconds() - elapsed.Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	return true, 0
}

func (t *keyThrottle) RecordFailure(ip string) {
	ip = strings.TrimSpace(ip)
	if t == nil || ip == "" || t.limit <= 0 || t.window <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.windows[ip]
	if !ok || now.Sub(entry.start) >= t.window {
		t.windows[ip] = &keyFailureWindow{start: now, attempts: 1}
		return
	}
	entry.attempts++
}
