// Package ratelimit bounds what one caller may hold: a request rate, concurrent HTTP
// requests, and concurrent live sessions. State is in memory and per process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxConcurrentSessions int

	// MaxEntries bounds the number of tracked callers; idle ones older than EntryTTL are
	// evicted first.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	callers map[string]*caller
}

type caller struct {
	tokens     float64
	refilledAt time.Time
	requests   int
	sessions   int
	lastSeen   time.Time
}

// holding reports whether the caller has permits out; such callers are never evicted so a
// released permit always lands on the counter it was taken from.
func (c *caller) holding() bool { return c.requests > 0 || c.sessions > 0 }

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, callers: make(map[string]*caller)}
}

// PrincipalKeyFromAPIKey and PrincipalKeyFromIP derive map keys that do not reveal the
// credential or address they came from.
func PrincipalKeyFromAPIKey(apiKey string) string { return "k_" + digest(apiKey) }

func PrincipalKeyFromIP(ip string) string { return "ip_" + digest(ip) }

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// Permit is released exactly once; later calls are no-ops.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed bool
	// RetryAfter is a whole number of seconds, set on denials.
	RetryAfter int
	Permit     *Permit
}

func deny(retryAfter int) Decision { return Decision{RetryAfter: max(1, retryAfter)} }

// AcquireRequest spends a token and holds a request slot for key.
func (l *Limiter) AcquireRequest(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.callerLocked(key, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if wait, ok := l.takeTokenLocked(c, now); !ok {
			return deny(int(math.Ceil(wait.Seconds())))
		}
	}
	if l.cfg.MaxConcurrentRequests > 0 && c.requests >= l.cfg.MaxConcurrentRequests {
		return deny(1)
	}
	c.requests++
	return Decision{Allowed: true, Permit: l.permit(func() { c.requests-- })}
}

// AcquireSession holds one of key's live session slots until the permit is released.
func (l *Limiter) AcquireSession(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.callerLocked(key, now)

	if l.cfg.MaxConcurrentSessions > 0 && c.sessions >= l.cfg.MaxConcurrentSessions {
		return deny(1)
	}
	c.sessions++
	return Decision{Allowed: true, Permit: l.permit(func() { c.sessions-- })}
}

// Tracked is the number of callers currently held in memory.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *Limiter) permit(release func()) *Permit {
	return &Permit{release: func() {
		l.mu.Lock()
		release()
		l.mu.Unlock()
	}}
}

func (l *Limiter) callerLocked(key string, now time.Time) *caller {
	if key == "" {
		key = "anonymous"
	}
	if c, ok := l.callers[key]; ok {
		c.lastSeen = now
		return c
	}
	if len(l.callers) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	c := &caller{tokens: float64(l.cfg.Burst), refilledAt: now, lastSeen: now}
	l.callers[key] = c
	return c
}

// evictLocked drops expired idle callers, then the least recently seen idle caller if the
// table is still full. Callers holding permits stay, so the table may briefly exceed
// MaxEntries.
func (l *Limiter) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, c := range l.callers {
		if c.holding() {
			continue
		}
		if now.Sub(c.lastSeen) > l.cfg.EntryTTL {
			delete(l.callers, k)
			continue
		}
		if oldestKey == "" || c.lastSeen.Before(oldest) {
			oldestKey, oldest = k, c.lastSeen
		}
	}
	if len(l.callers) >= l.cfg.MaxEntries && oldestKey != "" {
		delete(l.callers, oldestKey)
	}
}

// takeTokenLocked refills the bucket for the time since the last refill and spends one
// token. When empty it returns how long until a token is available.
func (l *Limiter) takeTokenLocked(c *caller, now time.Time) (time.Duration, bool) {
	capacity := float64(l.cfg.Burst)
	if elapsed := now.Sub(c.refilledAt).Seconds(); elapsed > 0 {
		c.tokens = math.Min(capacity, c.tokens+elapsed*l.cfg.RPS)
		c.refilledAt = now
	}
	if c.tokens >= 1 {
		c.tokens--
		return 0, true
	}
	return time.Duration((1 - c.tokens) / l.cfg.RPS * float64(time.Second)), false
}
