package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/filmgen/backend/internal/metrics"
)

// RateLimiter keeps one token bucket per authenticated user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*userLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*userLimiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) allow(userID uuid.UUID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	ul, ok := rl.limiters[userID]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.lim.AllowN(now, 1)
}

// Prune drops limiters that have been idle for a while.
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.idle)
	for id, ul := range rl.limiters {
		if ul.lastSeen.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}

// Middleware must run after Auth. Unauthenticated requests pass through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromCtx(r.Context())
		if userID != uuid.Nil && !rl.allow(userID) {
			metrics.RateLimited.Inc()
			retry := 1
			if rl.limit > 0 {
				retry = int(1/float64(rl.limit)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
