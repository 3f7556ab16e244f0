// Package ratelimit implements per-client flood protection: a keyed
// token-bucket limiter so a single misbehaving or looping client cannot
// monopolize the dispatcher.
//
// Grounded on _examples/ngcxy-dranet's use of golang.org/x/time/rate for a
// single-key limiter, generalized here to a map of limiters keyed by
// client_id with lazy creation, matching the shape of a sync.Map-backed
// connection limiter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits by an arbitrary string key (client_id in the
// dispatcher). A zero Limiter (via New with packets<=0) allows everything.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	packets  int
	period   time.Duration
	disabled bool
}

// New returns a Limiter that permits at most packets messages from the same
// key per period. A non-positive packets count disables limiting entirely.
func New(packets int, period time.Duration) *Limiter {
	if packets <= 0 || period <= 0 {
		return &Limiter{disabled: true}
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		packets: packets,
		period:  period,
	}
}

// Allow reports whether a message from key may proceed right now,
// consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	if l.disabled {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		// rate.Every(period/packets) with a burst of `packets` lets the
		// client use its whole budget in a burst at the start of each
		// window, then throttles until the window rolls forward.
		b = rate.NewLimiter(rate.Every(l.period/time.Duration(l.packets)), l.packets)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget removes key's bucket, e.g. after a Release, so a client doesn't
// carry stale throttling state across an explicit address release.
func (l *Limiter) Forget(key string) {
	if l.disabled {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
