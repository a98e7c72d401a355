package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Default backoff constants. The same policy serves the per-consultation
// chat channels and the global call/notification channel.
const (
	DefaultBaseDelay   = time.Second
	DefaultGrowth      = 2.0
	DefaultMaxDelay    = 60 * time.Second
	DefaultMaxAttempts = 8

	// jitterFraction spreads retries ±10% to avoid synchronized storms.
	jitterFraction = 0.1
)

// ReconnectPolicy maps an attempt count to a delay: capped exponential
// growth with jitter. Stateless apart from its random source.
type ReconnectPolicy struct {
	base        time.Duration
	growth      float64
	cap         time.Duration
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewReconnectPolicy creates a policy; non-positive arguments fall back to
// the defaults.
func NewReconnectPolicy(base time.Duration, growth float64, cap time.Duration, maxAttempts int) *ReconnectPolicy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if growth <= 1 {
		growth = DefaultGrowth
	}
	if cap <= 0 {
		cap = DefaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &ReconnectPolicy{
		base:        base,
		growth:      growth,
		cap:         cap,
		maxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source, for deterministic tests.
func (p *ReconnectPolicy) WithRand(rng *rand.Rand) *ReconnectPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rng
	return p
}

// Delay returns the wait before reconnect attempt n (0-based). The
// pre-jitter value is non-decreasing up to the cap; the jittered value
// never exceeds cap * 1.1.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.base) * math.Pow(p.growth, float64(attempt))
	if d > float64(p.cap) {
		d = float64(p.cap)
	}

	p.mu.Lock()
	jitter := (p.rng.Float64()*2 - 1) * jitterFraction * d
	p.mu.Unlock()

	return time.Duration(d + jitter)
}

// MaxAttempts returns the retry ceiling after which the connection is
// declared permanently failed until an external trigger resets it.
func (p *ReconnectPolicy) MaxAttempts() int {
	return p.maxAttempts
}
