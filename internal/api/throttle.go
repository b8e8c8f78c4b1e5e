package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipThrottle is a token bucket per client IP. It bounds raw request volume
// and is independent of the failure windows in package ratelimit.
type ipThrottle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPThrottle(perMinute, burst int) *ipThrottle {
	if perMinute <= 0 {
		perMinute = 300
	}
	if burst <= 0 {
		burst = perMinute / 6
		if burst < 1 {
			burst = 1
		}
	}
	return &ipThrottle{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token for ip. When none is left it reports how long until
// the next one.
func (t *ipThrottle) Allow(ip string, now time.Time) (bool, time.Duration) {
	if ip == "" {
		ip = "unknown"
	}
	t.mu.Lock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	b.seen = now
	t.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep drops buckets idle for longer than idle and returns how many went.
func (t *ipThrottle) Sweep(now time.Time, idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, b := range t.buckets {
		if now.Sub(b.seen) > idle {
			delete(t.buckets, ip)
			n++
		}
	}
	return n
}

// Len is the number of tracked IPs.
func (t *ipThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
