package fetcher

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const defaultMaxTrackedHosts = 4096

// HostLimiter throttles direct attempts per destination host.
type HostLimiter struct {
	limit    rate.Limit
	burst    int
	maxHosts int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter allows rps requests per second to each host with the given burst.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		maxHosts: defaultMaxTrackedHosts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until host may be contacted again. A nil limiter never blocks.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || host == "" {
		return nil
	}
	return h.limiterFor(strings.ToLower(host)).Wait(ctx)
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if l, ok := h.limiters[host]; ok {
		return l
	}
	// forget everything rather than grow without bound
	if len(h.limiters) >= h.maxHosts {
		clear(h.limiters)
	}
	l := rate.NewLimiter(h.limit, h.burst)
	h.limiters[host] = l
	return l
}

func (h *HostLimiter) tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.limiters)
}
