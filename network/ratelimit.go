package network

import (
	"sync"

	"golang.org/x/time/rate"
)

// peerLimiter keeps one token bucket per polling peer. A zero limit disables it.
type peerLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newPeerLimiter(perSecond float64, burst int) *peerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *peerLimiter) enabled() bool {
	return p != nil && p.limit > 0
}

// Allow reports whether peer may be served now.
func (p *peerLimiter) Allow(peer string) bool {
	if !p.enabled() {
		return true
	}
	return p.get(peer).Allow()
}

// Forget drops the bucket of peer.
func (p *peerLimiter) Forget(peer string) {
	if !p.enabled() {
		return
	}
	p.mu.Lock()
	delete(p.limiters, peer)
	p.mu.Unlock()
}

func (p *peerLimiter) get(peer string) *rate.Limiter {
	p.mu.RLock()
	limiter, ok := p.limiters[peer]
	p.mu.RUnlock()
	if ok {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, ok = p.limiters[peer]; !ok {
		limiter = rate.NewLimiter(p.limit, p.burst)
		p.limiters[peer] = limiter
	}
	return limiter
}
