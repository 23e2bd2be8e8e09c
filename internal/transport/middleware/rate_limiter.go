// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adiadia/secflow/internal/auth"
)

const headerRateLimitLimit = "X-RateLimit-Limit"
const headerRateLimitRemaining = "X-RateLimit-Remaining"
const headerRetryAfter = "Retry-After"

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 1024
)

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter hands out one token bucket per caller. Each bucket holds
// perMinute tokens and refills at perMinute per minute.
type RateLimiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*limiterEntry
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*limiterEntry, 32),
	}
}

func (l *RateLimiter) Allow(key string, now time.Time) rateLimitDecision {
	lim := l.bucket(key, now)
	decision := rateLimitDecision{LimitPerMinute: l.perMinute}

	res := lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
		res.CancelAt(now)
		wait := int(math.Ceil(delay.Seconds()))
		if wait < 1 {
			wait = 1
		}
		decision.RetryAfterSeconds = wait
		return decision
	}

	decision.Allowed = true
	decision.Remaining = max(int(math.Floor(lim.TokensAt(now))), 0)
	return decision
}

func (l *RateLimiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) >= limiterSweepSize {
		for k, e := range l.buckets {
			if now.Sub(e.seen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
	}

	e, ok := l.buckets[key]
	if !ok {
		every := rate.Limit(float64(l.perMinute) / 60.0)
		e = &limiterEntry{lim: rate.NewLimiter(every, l.perMinute)}
		l.buckets[key] = e
	}
	e.seen = now
	return e.lim
}

// RateLimit throttles requests per principal, or per client IP for
// unauthenticated callers. Health, metrics and version are never limited.
func RateLimit(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if limiter == nil {
		panic("middleware.RateLimit requires a limiter")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := clientKey(r)
			decision := limiter.Allow(key, time.Now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("request rate limited", "client", key, "path", r.URL.Path)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return "principal:" + p.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
