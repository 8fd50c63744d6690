// Package ratelimit gates outbound provider calls with per-provider sliding
// windows. Backpressure is expressed as an immediate typed failure carrying
// retry-after, never as queuing.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
)

// Limiter tracks request timestamps per provider under one process-wide lock.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]config.ProviderLimit
	state  map[string][]time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter over the configured provider limits.
func NewLimiter(limits map[string]config.ProviderLimit) *Limiter {
	return &Limiter{
		limits: limits,
		state:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Enforce consumes one slot for the provider or fails with retry-after. The
// returned map reports the window configuration and remaining capacity.
func (l *Limiter) Enforce(provider string) (map[string]interface{}, error) {
	key := strings.ToLower(strings.TrimSpace(provider))
	limit, ok := l.limits[key]
	if !ok {
		return nil, errs.Invalid("unsupported provider for rate limit: %s", provider)
	}
	window := time.Duration(limit.WindowSeconds * float64(time.Second))

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.state[key][:0]
	for _, stamp := range l.state[key] {
		if now.Sub(stamp) < window {
			kept = append(kept, stamp)
		}
	}
	if len(kept) >= limit.MaxRequests {
		retryAfter := limit.WindowSeconds - now.Sub(kept[0]).Seconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.state[key] = kept
		return nil, errs.RateLimited(key, retryAfter)
	}
	kept = append(kept, now)
	l.state[key] = kept

	remaining := limit.MaxRequests - len(kept)
	if remaining < 0 {
		remaining = 0
	}
	return map[string]interface{}{
		"provider":            key,
		"max_requests":        limit.MaxRequests,
		"window_seconds":      limit.WindowSeconds,
		"remaining_in_window": remaining,
	}, nil
}

// Reset clears every provider window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = make(map[string][]time.Time)
}
