package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests   int
	MaxConcurrentWSSessions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	bucket *rate.Limiter

	reqSem chan struct{}
	wsSem  chan struct{}

	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

// PrincipalKeyFromUserID buckets a signed-in user.
func PrincipalKeyFromUserID(userID string) string {
	return "u_" + shortHash(userID)
}

// PrincipalKeyFromIP buckets an anonymous caller by client address.
func PrincipalKeyFromIP(ip string) string {
	return "ip_" + shortHash(ip)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)

	if pl.bucket != nil {
		r := pl.bucket.ReserveN(now, 1)
		if !r.OK() {
			return Decision{Allowed: false, RetryAfter: 1}
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return Decision{Allowed: false, RetryAfter: retryAfterSeconds(delay)}
		}
	}

	return acquire(pl.reqSem, l.cfg.MaxConcurrentRequests)
}

// AcquireWSSession caps concurrent practice sockets per principal.
func (l *Limiter) AcquireWSSession(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}
	pl := l.getOrCreate(principal, now)
	return acquire(pl.wsSem, l.cfg.MaxConcurrentWSSessions)
}

func acquire(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case sem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-sem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if pl, ok := l.m[principal]; ok {
		pl.lastSeen = now
		return pl
	}
	pl := &principalLimiter{
		reqSem:   make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		wsSem:    make(chan struct{}, max(1, l.cfg.MaxConcurrentWSSessions)),
		lastSeen: now,
	}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		pl.bucket = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl && len(v.reqSem) == 0 && len(v.wsSem) == 0 {
			delete(l.m, k)
		}
	}
}

func retryAfterSeconds(d time.Duration) int {
	n := int(math.Ceil(d.Seconds()))
	if n < 1 {
		n = 1
	}
	return n
}
