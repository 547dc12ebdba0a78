package admission

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/ttateluc/xo-trader/internal/model"
)

// RateLimiters holds one token bucket per (client, pair). Limiters are
// created lazily; when two goroutines race to create the same key the map
// keeps the first writer's limiter and the loser discards its own.
type RateLimiters struct {
	limiters sync.Map // key -> *rate.Limiter
}

// NewRateLimiters returns an empty registry.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{}
}

// Allow consumes one token from the (client, pair) bucket configured by
// cfg. It never blocks; a drained bucket means the caller must decline.
func (r *RateLimiters) Allow(cfg *model.ClientConfig) bool {
	key := cacheKey(cfg.Client, cfg.Pair())
	v, ok := r.limiters.Load(key)
	if !ok {
		v, _ = r.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(cfg.RatePerS), cfg.RateBurst))
	}
	return v.(*rate.Limiter).Allow()
}
