package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/taskrelay/taskrelay/internal/api/response"
	"github.com/taskrelay/taskrelay/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit caps request volume per API key over a one-minute window,
// counted in redis so the limit holds across server restarts.
type RateLimit struct {
	cache  cache.Cache
	perMin int
}

func NewRateLimit(c cache.Cache, perMin int) *RateLimit {
	if perMin <= 0 {
		perMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, perMin: perMin}
}

// Limit counts the request against the key prefix placed in the context by
// Authenticate. Requests without a prefix pass untouched, and a counter
// failure fails open; the limiter protects capacity, it is not a gate.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), rateWindow)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(rl.perMin) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rateWindow).Unix(), 10))

		if count > int64(rl.perMin) {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
