// Package ratelimit admits or rejects requests against per-subject,
// per-model token buckets. A subject is the API key when the caller
// presented one, otherwise the user. Buckets refill continuously and
// requests are never queued: a request either holds a token and proceeds
// or is rejected immediately.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/doublewordai/waycast/internal/config"
)

// Verdict is the outcome of an admission check. RetryAfter is the wait
// until a token would have been available; zero when unknowable.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	lim   *rate.Limiter
	rps   float64
	burst int
}

// Limiter keeps one token bucket per (subject, alias) pair. Buckets are
// created on first use with the deployment's limits, falling back to the
// configured defaults, and are swept after sitting idle for the TTL.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*bucket
	lastAccess map[string]time.Time

	defaultRPS   float64
	defaultBurst int
	idleTTL      time.Duration
	sweep        time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// New creates a Limiter and starts its background sweep.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = idleTTL / 2
	}

	l := &Limiter{
		buckets:      make(map[string]*bucket),
		lastAccess:   make(map[string]time.Time),
		defaultRPS:   cfg.DefaultRequestsPerSecond,
		defaultBurst: cfg.DefaultBurstSize,
		idleTTL:      idleTTL,
		sweep:        sweep,
		stop:         make(chan struct{}),
		logger:       logger,
	}
	go l.sweepLoop()
	return l
}

// Allow checks admission for one request right now.
func (l *Limiter) Allow(subject, alias string, rps float64, burst int) Verdict {
	return l.AllowAt(time.Now(), subject, alias, rps, burst)
}

// AllowAt checks admission at an explicit instant. Deterministic tests and
// replay tooling pass their own clock; production paths use Allow.
func (l *Limiter) AllowAt(now time.Time, subject, alias string, rps float64, burst int) Verdict {
	rps, burst, limited := l.normalize(rps, burst)
	if !limited {
		return Verdict{Allowed: true}
	}

	b := l.getBucket(now, subject+"|"+alias, rps, burst)
	if b.lim.AllowN(now, 1) {
		return Verdict{Allowed: true}
	}

	// Denied. A zero-rate bucket never refills, so no wait can help.
	if rps == 0 {
		return Verdict{Allowed: false}
	}

	// Advise the caller how long until one token accrues. Reading the
	// level never mutates the bucket, so concurrent probes stay exact.
	missing := 1 - b.lim.TokensAt(now)
	if missing <= 0 {
		return Verdict{Allowed: false}
	}
	return Verdict{Allowed: false, RetryAfter: time.Duration(missing / rps * float64(time.Second))}
}

// Remove drops the bucket for a (subject, alias) pair. Deployment removal
// and key revocation call this so stale limits do not linger.
func (l *Limiter) Remove(subject, alias string) {
	key := subject + "|" + alias
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	delete(l.lastAccess, key)
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// normalize resolves the effective limits for a pair. A negative rate
// disables limiting outright. Zero rate with a positive burst is a
// no-refill bucket: the burst is all the pair ever gets. The configured
// defaults step in only when neither knob is set, and a burst is derived
// when only a rate was given.
func (l *Limiter) normalize(rps float64, burst int) (float64, int, bool) {
	if rps < 0 {
		return 0, 0, false
	}
	if rps == 0 && burst <= 0 {
		rps = l.defaultRPS
		burst = l.defaultBurst
		if rps < 0 || (rps == 0 && burst <= 0) {
			return 0, 0, false
		}
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rps, burst, true
}

func (l *Limiter) getBucket(now time.Time, key string, rps float64, burst int) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()

	if ok && b.rps == rps && b.burst == burst {
		l.mu.Lock()
		l.lastAccess[key] = now
		l.mu.Unlock()
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok = l.buckets[key]; ok {
		if b.rps != rps || b.burst != burst {
			// Deployment limits changed; retune in place so accumulated
			// tokens carry over.
			b.lim.SetLimitAt(now, rate.Limit(rps))
			b.lim.SetBurstAt(now, burst)
			b.rps = rps
			b.burst = burst
		}
		l.lastAccess[key] = now
		return b
	}

	b = &bucket{lim: rate.NewLimiter(rate.Limit(rps), burst), rps: rps, burst: burst}
	l.buckets[key] = b
	l.lastAccess[key] = now
	return b
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.sweepOnce(time.Now()); n > 0 {
				l.logger.Debug("swept idle rate limit buckets", "count", n)
			}
		}
	}
}

func (l *Limiter) sweepOnce(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	for key, last := range l.lastAccess {
		if now.Sub(last) > l.idleTTL {
			delete(l.buckets, key)
			delete(l.lastAccess, key)
			n++
		}
	}
	return n
}
