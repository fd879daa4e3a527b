package middleware

import (
	"sync"
	"time"
)

// Failed-authentication blocking. An address that fails MaxAttempts times
// within Window is blocked; each further block doubles, up to MaxBlock.
const (
	MaxAttempts = 5
	Window      = time.Minute
	BaseBlock   = time.Minute
	MaxBlock    = time.Hour
)

type attemptRecord struct {
	failed       int
	lastFailure  time.Time
	blockedUntil time.Time
	blockCount   int
}

// FailureLimiter tracks failed API key attempts per client address.
type FailureLimiter struct {
	mu      sync.Mutex
	records map[string]*attemptRecord
	now     func() time.Time
}

// NewFailureLimiter creates an empty limiter.
func NewFailureLimiter() *FailureLimiter {
	return &FailureLimiter{records: make(map[string]*attemptRecord), now: time.Now}
}

// Blocked reports whether addr is currently blocked. An expired block resets
// the attempt counter but keeps the block count.
func (l *FailureLimiter) Blocked(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[addr]
	if !ok || rec.blockedUntil.IsZero() {
		return false
	}
	if l.now().Before(rec.blockedUntil) {
		return true
	}
	rec.blockedUntil = time.Time{}
	rec.failed = 0
	return false
}

// Fail records a failed attempt from addr.
func (l *FailureLimiter) Fail(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[addr]
	if !ok {
		l.records[addr] = &attemptRecord{failed: 1, lastFailure: now}
		return
	}

	if now.Sub(rec.lastFailure) > Window && rec.blockedUntil.IsZero() {
		rec.failed = 1
		rec.lastFailure = now
		return
	}

	rec.failed++
	rec.lastFailure = now
	if rec.failed >= MaxAttempts {
		rec.blockCount++
		block := BaseBlock << (rec.blockCount - 1)
		if block > MaxBlock || block <= 0 {
			block = MaxBlock
		}
		rec.blockedUntil = now.Add(block)
	}
}

// Succeed forgets addr.
func (l *FailureLimiter) Succeed(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, addr)
}

// Cleanup drops records whose block expired or whose last failure is
// outside the window.
func (l *FailureLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for addr, rec := range l.records {
		switch {
		case !rec.blockedUntil.IsZero() && !now.Before(rec.blockedUntil):
			delete(l.records, addr)
		case rec.blockedUntil.IsZero() && now.Sub(rec.lastFailure) > Window:
			delete(l.records, addr)
		}
	}
}

// Run calls Cleanup every interval until stop is closed.
func (l *FailureLimiter) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-stop:
			return
		}
	}
}
