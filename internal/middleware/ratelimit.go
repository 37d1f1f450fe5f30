package myMiddleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per authenticated user. Buckets idle
// for longer than idleTTL are dropped on the next sweep.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*entry
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
}

type entry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[int64]*entry),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		lastGC:   time.Now(),
	}
}

func (rl *RateLimiter) Allow(userID int64) bool {
	now := time.Now()
	rl.mu.Lock()
	e, ok := rl.limiters[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[userID] = e
	}
	e.seen = now
	if now.Sub(rl.lastGC) > rl.idleTTL {
		for id, old := range rl.limiters {
			if now.Sub(old.seen) > rl.idleTTL {
				delete(rl.limiters, id)
			}
		}
		rl.lastGC = now
	}
	rl.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Handle rejects requests over the caller's budget with 429. It must run
// after AuthMiddleware.
func (rl *RateLimiter) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _, ok := UserFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !rl.Allow(userID) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
