// Package ioratelimit implements the in-process secondary limiter used while
// streaming hash digests: it tracks bytes transferred in a 1-second window
// and sleeps when the observed rate exceeds the configured budget, resetting
// the window every second. This complements (but does not replace) the
// shared database leaky-bucket in the store package, which paces fleet-wide
// thumbnail rendering.
package ioratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a MiB/sec budget against bytes observed by this process
// only. A limit of 0 disables throttling entirely.
type Limiter struct {
	mu           sync.Mutex
	limitBytes   float64
	windowStart  time.Time
	windowBytes  float64
	sleepFunc    func(time.Duration)
	now          func() time.Time
}

// New returns a Limiter enforcing limitMiBPerSec. A non-positive limit
// disables throttling.
func New(limitMiBPerSec float64) *Limiter {
	return &Limiter{
		limitBytes: limitMiBPerSec * 1024 * 1024,
		sleepFunc:  time.Sleep,
		now:        time.Now,
	}
}

// Observe records n additional bytes transferred, sleeping if the running
// total within the current 1-second window exceeds the budget.
func (l *Limiter) Observe(n int) {
	if l.limitBytes <= 0 || n <= 0 {
		return
	}

	l.mu.Lock()
	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.windowBytes = 0
	}
	l.windowBytes += float64(n)

	var sleepFor time.Duration
	if l.windowBytes > l.limitBytes {
		elapsed := now.Sub(l.windowStart)
		wantedElapsed := time.Duration(l.windowBytes / l.limitBytes * float64(time.Second))
		if wantedElapsed > elapsed {
			sleepFor = wantedElapsed - elapsed
		}
	}
	l.mu.Unlock()

	if sleepFor > 0 {
		l.sleepFunc(sleepFor)
	}
}
