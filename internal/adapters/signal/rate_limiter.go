package signal

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/skribble/collab-relay/internal/domain"
)

// EventRateLimiter caps inbound events per connection. Entries are removed
// on disconnect via Forget, so no background cleanup is needed.
type EventRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.ConnID]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewEventRateLimiter(rps float64, burst int) *EventRateLimiter {
	return &EventRateLimiter{
		limiters: make(map[domain.ConnID]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *EventRateLimiter) Allow(id domain.ConnID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

func (l *EventRateLimiter) Forget(id domain.ConnID) {
	l.mu.Lock()
	delete(l.limiters, id)
	l.mu.Unlock()
}
