package server

import (
	"sync"
	"time"
)

// tokenBucket admits inbound frames at RateLimitConfig's steady rate while
// allowing bursts of up to Burst frames. Each session owns one.
type tokenBucket struct {
	mu       sync.Mutex
	now      func() time.Time
	capacity float64
	perToken time.Duration
	tokens   float64
	updated  time.Time
}

// newTokenBucket returns a full bucket. A non-positive burst admits one
// frame at a time and a non-positive interval means one second.
func newTokenBucket(cfg RateLimitConfig, now func() time.Time) *tokenBucket {
	if now == nil {
		now = time.Now
	}
	capacity := cfg.Burst
	if capacity <= 0 {
		capacity = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	perToken := interval / time.Duration(capacity)
	if perToken <= 0 {
		perToken = time.Nanosecond
	}

	return &tokenBucket{
		now:      now,
		capacity: float64(capacity),
		perToken: perToken,
		tokens:   float64(capacity),
		updated:  now(),
	}
}

// take spends one token. When the bucket is empty it reports how long
// until the next token becomes available.
func (b *tokenBucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) * float64(b.perToken))
}

func (b *tokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.updated)
	b.updated = now
	if elapsed <= 0 {
		return
	}

	b.tokens += float64(elapsed) / float64(b.perToken)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
