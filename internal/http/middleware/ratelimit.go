package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_http_throttled_total",
	Help: "Requests rejected by the rate limiter, by dispatch scope.",
}, []string{"scope"})

// RateConfig allows Rate requests per second with bursts of up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst >= 1 }

// Scope groups dispatch routes that share a budget.
type Scope string

const (
	ScopeMatch     Scope = "match"
	ScopeNegotiate Scope = "negotiate"
	ScopeRate      Scope = "rate"
	ScopeFleet     Scope = "fleet"
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
)

// Writes reports whether the scope draws from the write budget. Cab matching
// only reads driver positions, so it shares the read budget with lookups.
func (s Scope) Writes() bool {
	return s != ScopeMatch && s != ScopeRead
}

// Quota is the bucket a request is charged to.
type Quota struct {
	Scope   Scope
	Subject string
}

// Classify maps a dispatch API request to its quota. Rider routes are charged
// to the rider, session routes to the session and fleet routes to the cab;
// anything else falls back to the calling client.
func Classify(r *http.Request) Quota {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && r.Method != http.MethodGet && r.Method != http.MethodHead {
		id := parts[2]
		switch {
		case parts[1] == "riders" && len(parts) == 4 && parts[3] == "cabs":
			return Quota{Scope: ScopeMatch, Subject: "rider:" + id}
		case parts[1] == "riders" && len(parts) == 4 && parts[3] == "sessions":
			return Quota{Scope: ScopeNegotiate, Subject: "rider:" + id}
		case parts[1] == "sessions" && len(parts) == 4 && parts[3] == "ratings":
			return Quota{Scope: ScopeRate, Subject: "session:" + id}
		case parts[1] == "sessions" && len(parts) == 4:
			return Quota{Scope: ScopeNegotiate, Subject: "session:" + id}
		case parts[1] == "fleet":
			return Quota{Scope: ScopeFleet, Subject: "cab:" + id}
		}
	}
	scope := ScopeRead
	if !isReadMethod(r.Method) {
		scope = ScopeWrite
	}
	return Quota{Scope: scope, Subject: clientIdentifier(r)}
}

// RateLimiter throttles dispatch traffic with a GCRA bucket per quota held in
// Redis, so limits hold across replicas.
type RateLimiter struct {
	client   redis.Scripter
	read     RateConfig
	write    RateConfig
	classify func(*http.Request) Quota
	script   *redis.Script
	now      func() time.Time
	logger   *zap.Logger
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes every request.
func NewRateLimiter(client redis.Scripter, read, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client:   client,
		read:     read,
		write:    write,
		classify: Classify,
		script:   redis.NewScript(gcraLua),
		now:      time.Now,
		logger:   logger,
	}
}

// Middleware charges each request to its quota and answers 429 with a
// Retry-After once the quota is spent.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.read.enabled() && !l.write.enabled()) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quota := l.classify(r)
		cfg := l.read
		if quota.Scope.Writes() {
			cfg = l.write
		}
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter, err := l.take(r.Context(), quota, cfg)
		if err != nil {
			l.logger.Error("rate limit check failed", zap.Error(err), zap.String("scope", string(quota.Scope)))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if retryAfter > 0 {
			throttledTotal.WithLabelValues(string(quota.Scope)).Inc()
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take returns zero when the request fits the quota, otherwise how long to wait.
func (l *RateLimiter) take(ctx context.Context, quota Quota, cfg RateConfig) (time.Duration, error) {
	subject := quota.Subject
	if subject == "" {
		subject = "anonymous"
	}
	key := "dispatch:rl:" + string(quota.Scope) + ":" + subject
	intervalMS := 1000 / cfg.Rate
	res, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), intervalMS, math.Floor(cfg.Burst)).Slice()
	if err != nil {
		return 0, fmt.Errorf("gcra %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, errors.New("gcra: unexpected reply")
	}
	allowed, ok1 := res[0].(int64)
	waitMS, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, errors.New("gcra: non-integer reply")
	}
	if allowed == 1 {
		return 0, nil
	}
	return time.Duration(waitMS) * time.Millisecond, nil
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Rider-ID")); id != "" {
		return "rider:" + id
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// gcraLua keeps one theoretical arrival time (TAT) per key. A request is
// admitted while the TAT stays within burst intervals of now.
const gcraLua = `
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1]) or now)
if tat < now then
  tat = now
end

local next_tat = tat + interval
local allow_at = next_tat - burst * interval
if now < allow_at then
  return {0, math.ceil(allow_at - now)}
end

redis.call('SET', KEYS[1], tostring(next_tat), 'PX', math.ceil(next_tat - now))
return {1, 0}
`
