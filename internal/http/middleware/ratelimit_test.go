package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, read, write RateConfig) (*RateLimiter, http.Handler) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRateLimiter(client, read, write, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return limiter, h
}

func send(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNegotiationActionsThrottledPerSession(t *testing.T) {
	_, h := newTestLimiter(t, RateConfig{Rate: 100, Burst: 100}, RateConfig{Rate: 0.001, Burst: 2})

	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/sessions/s1/actions").Code)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/sessions/s1/actions").Code)
	rec := send(h, http.MethodPost, "/v1/sessions/s1/actions")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1000", rec.Header().Get("Retry-After"))

	// ratings and other sessions have their own buckets; matching is a read
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/sessions/s1/ratings").Code)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/sessions/s2/actions").Code)
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/riders/r1/cabs").Code)
	}
}

func TestMatchingDrawsFromReadBudget(t *testing.T) {
	_, h := newTestLimiter(t, RateConfig{Rate: 0.001, Burst: 1}, RateConfig{Rate: 100, Burst: 100})

	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/riders/r1/cabs").Code)
	require.Equal(t, http.StatusTooManyRequests, send(h, http.MethodPost, "/v1/riders/r1/cabs").Code)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/riders/r2/cabs").Code)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/riders/r1/sessions").Code)
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	limiter, h := newTestLimiter(t, RateConfig{Rate: 1, Burst: 1}, RateConfig{Rate: 2, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	require.Equal(t, http.StatusOK, send(h, http.MethodPut, "/v1/fleet/cab-1").Code)
	require.Equal(t, http.StatusTooManyRequests, send(h, http.MethodDelete, "/v1/fleet/cab-1/position").Code)

	now = now.Add(500 * time.Millisecond)
	require.Equal(t, http.StatusOK, send(h, http.MethodDelete, "/v1/fleet/cab-1/position").Code)
}

func TestNilRateLimiterPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, RateConfig{Rate: 1, Burst: 1}, RateConfig{Rate: 1, Burst: 1}, nil)
	require.Nil(t, limiter)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusTeapot, send(h, http.MethodPost, "/v1/sessions/s1/actions").Code)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path string
		want         Quota
	}{
		{http.MethodPost, "/v1/riders/r1/cabs", Quota{ScopeMatch, "rider:r1"}},
		{http.MethodPost, "/v1/riders/r1/sessions", Quota{ScopeNegotiate, "rider:r1"}},
		{http.MethodPost, "/v1/sessions/s1/actions", Quota{ScopeNegotiate, "session:s1"}},
		{http.MethodPost, "/v1/sessions/s1/complete", Quota{ScopeNegotiate, "session:s1"}},
		{http.MethodPost, "/v1/sessions/s1/ratings", Quota{ScopeRate, "session:s1"}},
		{http.MethodPut, "/v1/fleet/cab-9", Quota{ScopeFleet, "cab:cab-9"}},
		{http.MethodDelete, "/v1/fleet/cab-9/position", Quota{ScopeFleet, "cab:cab-9"}},
		{http.MethodGet, "/v1/sessions/s1", Quota{ScopeRead, "10.0.0.7"}},
		{http.MethodGet, "/v1/ratings/driver/cab-9", Quota{ScopeRead, "10.0.0.7"}},
		{http.MethodPost, "/v2/other", Quota{ScopeWrite, "10.0.0.7"}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.RemoteAddr = "10.0.0.7:5555"
		require.Equal(t, tc.want, Classify(req), "%s %s", tc.method, tc.path)
	}
	require.True(t, ScopeRate.Writes())
	require.False(t, ScopeMatch.Writes())
}

func TestClientIdentifierPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	require.Equal(t, "10.0.0.7", clientIdentifier(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	require.Equal(t, "1.2.3.4", clientIdentifier(req))

	req.Header.Set("X-Client-ID", "app-7")
	require.Equal(t, "app-7", clientIdentifier(req))

	req.Header.Set("X-Rider-ID", "r9")
	require.Equal(t, "rider:r9", clientIdentifier(req))
}
