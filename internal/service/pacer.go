package service

import (
	"context"
	"sync"
	"time"
)

const (
	defaultBackoffMin = 5 * time.Second
	defaultBackoffMax = 300 * time.Second
)

// pacer spaces requests to each site. A blocked response doubles the site's
// backoff up to the cap; any successful fetch clears it.
type pacer struct {
	mu      sync.Mutex
	min     time.Duration
	max     time.Duration
	backoff map[string]time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func newPacer(min, max time.Duration) *pacer {
	if min <= 0 {
		min = defaultBackoffMin
	}
	if max < min {
		max = defaultBackoffMax
		if max < min {
			max = min
		}
	}
	return &pacer{min: min, max: max, backoff: make(map[string]time.Duration), sleep: sleepCtx}
}

// delay is the pause owed before the next request to site.
func (p *pacer) delay(site string, base time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.backoff[site]; b > base {
		return b
	}
	return base
}

// wait sleeps for the site's delay or until ctx is done.
func (p *pacer) wait(ctx context.Context, site string, base time.Duration) error {
	d := p.delay(site, base)
	if d <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, d)
}

func (p *pacer) blocked(site string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.backoff[site] * 2
	if next < p.min {
		next = p.min
	}
	if next > p.max {
		next = p.max
	}
	p.backoff[site] = next
	return next
}

func (p *pacer) success(site string) {
	p.mu.Lock()
	delete(p.backoff, site)
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
