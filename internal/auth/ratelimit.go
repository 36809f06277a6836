package auth

import (
	"context"
	"log"
	"sync"
	"time"

	"vpdcalc/internal/task"
)

// LoginRateLimiter limits login attempts per IP
type LoginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*ipAttempts
	now      func() time.Time

	maxAttempts int           // attempts allowed per window
	window      time.Duration // window for counting attempts
	blockTime   time.Duration // block length after too many attempts
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blocked   bool
	blockEnd  time.Time
}

// NewLoginRateLimiter creates a rate limiter allowing 5 attempts per
// 2 minutes and blocking for 5 minutes after that
func NewLoginRateLimiter() *LoginRateLimiter {
	return &LoginRateLimiter{
		attempts:    make(map[string]*ipAttempts),
		now:         time.Now,
		maxAttempts: 5,
		window:      2 * time.Minute,
		blockTime:   5 * time.Minute,
	}
}

// Run drops stale entries every 10 minutes until ctx is cancelled
func (rl *LoginRateLimiter) Run(ctx context.Context, logger *log.Logger) {
	task.RunPeriodic(ctx, 10*time.Minute, logger, "Auth", func(context.Context) error {
		rl.cleanup()
		return nil
	})
}

// Allow checks if IP is allowed to attempt login.
// Returns (allowed, seconds until unblock).
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	att, exists := rl.attempts[ip]

	if !exists {
		rl.attempts[ip] = &ipAttempts{
			count:     1,
			firstTime: now,
		}
		return true, 0
	}

	if att.blocked {
		if now.After(att.blockEnd) {
			att.blocked = false
			att.count = 1
			att.firstTime = now
			return true, 0
		}
		return false, int(att.blockEnd.Sub(now).Seconds())
	}

	if now.Sub(att.firstTime) > rl.window {
		att.count = 1
		att.firstTime = now
		return true, 0
	}

	att.count++
	if att.count > rl.maxAttempts {
		att.blocked = true
		att.blockEnd = now.Add(rl.blockTime)
		return false, int(rl.blockTime.Seconds())
	}

	return true, 0
}

// Reset clears the rate limit for an IP after a successful login
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

func (rl *LoginRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, att := range rl.attempts {
		if !att.blocked && now.Sub(att.firstTime) > rl.window {
			delete(rl.attempts, ip)
		} else if att.blocked && now.After(att.blockEnd) {
			delete(rl.attempts, ip)
		}
	}
}
