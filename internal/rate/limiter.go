// Package rate throttles ingestion per scanner source.
package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleAfter = time.Hour

// PerSource hands out one token bucket per scanner identity, so a noisy
// scanner cannot starve the others. Buckets idle for an hour are dropped.
type PerSource struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	done    chan struct{}
	once    sync.Once
}

type bucket struct {
	*rate.Limiter
	lastUsed time.Time
}

// New returns a limiter; perSecond <= 0 disables throttling.
func New(perSecond float64, burst int) *PerSource {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	ps := &PerSource{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   max(burst, 1),
		done:    make(chan struct{}),
	}
	go ps.sweep(5 * time.Minute)
	return ps
}

func (p *PerSource) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.evictIdle(now.Add(-idleAfter))
		}
	}
}

// evictIdle drops buckets last used before cutoff and returns how many.
func (p *PerSource) evictIdle(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for src, b := range p.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(p.buckets, src)
			n++
		}
	}
	return n
}

// Close stops the background sweep.
func (p *PerSource) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *PerSource) bucket(source string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[source]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[source] = b
	}
	b.lastUsed = time.Now()
	return b.Limiter
}

func (p *PerSource) Allow(source string) bool {
	return p.bucket(source).Allow()
}

// Wait blocks until source may proceed or ctx is done.
func (p *PerSource) Wait(ctx context.Context, source string) error {
	return p.bucket(source).Wait(ctx)
}

// Len returns the number of tracked sources.
func (p *PerSource) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}
