package search

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"musehub/searchservice/internal/domain"
)

const (
	defaultSourceRPS   = 4
	defaultSourceBurst = 8
)

// sourceLimiters hands out one token-bucket limiter per source so batched
// page fetches stay under each upstream's rate limit.
type sourceLimiters struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[domain.SourceID]*rate.Limiter
}

func newSourceLimiters(rps float64, burst int) *sourceLimiters {
	if rps <= 0 {
		rps = defaultSourceRPS
	}
	if burst <= 0 {
		burst = defaultSourceBurst
	}
	return &sourceLimiters{
		rps:      rps,
		burst:    burst,
		limiters: make(map[domain.SourceID]*rate.Limiter),
	}
}

func (l *sourceLimiters) get(id domain.SourceID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[id] = limiter
	}
	return limiter
}

// wait blocks until the source's limiter grants a slot or ctx is done.
func (l *sourceLimiters) wait(ctx context.Context, id domain.SourceID) error {
	if l == nil {
		return nil
	}
	return l.get(id).Wait(ctx)
}
