package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUpToConfiguredQuota(t *testing.T) {
	l := New(Config{RequestsPerMinute: 3, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer l.Shutdown()

	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow("client-a")
		assert.True(t, allowed)
	}
	allowed, remaining := l.Allow("client-a")
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestLimiter_TracksClientsIndependently(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer l.Shutdown()

	allowedA, _ := l.Allow("client-a")
	allowedB, _ := l.Allow("client-b")
	assert.True(t, allowedA)
	assert.True(t, allowedB)

	allowedA2, _ := l.Allow("client-a")
	assert.False(t, allowedA2)
}

func TestClientKey_PrefersAPIKeyOverIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("X-API-Key", "supersecretvalue")
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "key:supersec", ClientKey(req))
}

func TestClientKey_FallsBackToForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:203.0.113.5", ClientKey(req))
}

func TestClientKey_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.RemoteAddr = "192.0.2.9:5555"
	assert.Equal(t, "ip:192.0.2.9", ClientKey(req))
}
