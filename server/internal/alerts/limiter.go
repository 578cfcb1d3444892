package alerts

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pipelineLimiter tracks alert rate limits per pipeline.
type pipelineLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rate       rate.Limit
	burst      int
	disabled   bool
}

// newPipelineLimiter allows perMinute alerts per pipeline with a 10% burst.
// perMinute <= 0 disables limiting.
func newPipelineLimiter(perMinute int) *pipelineLimiter {
	return &pipelineLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(perMinute) / 60.0),
		burst:      max(1, perMinute/10),
		disabled:   perMinute <= 0,
	}
}

// Allow reports whether an alert for pipeline may be sent at now.
func (p *pipelineLimiter) Allow(pipeline string, now time.Time) bool {
	if p.disabled {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evict(now)
	l, ok := p.limiters[pipeline]
	if !ok {
		l = rate.NewLimiter(p.rate, p.burst)
		p.limiters[pipeline] = l
	}
	p.lastAccess[pipeline] = now
	return l.AllowN(now, 1)
}

// evict removes limiters idle for longer than limiterMaxIdle. Must be called
// with p.mu held.
func (p *pipelineLimiter) evict(now time.Time) {
	for name, at := range p.lastAccess {
		if now.Sub(at) > limiterMaxIdle {
			delete(p.limiters, name)
			delete(p.lastAccess, name)
		}
	}
}
