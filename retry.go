package groundedsync

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig shapes a reconnect/retry delay schedule.
type BackoffConfig struct {
	// Base is the first delay. Default: 500ms.
	Base time.Duration `yaml:"base"`

	// Cap is the maximum delay. Default: 10s.
	Cap time.Duration `yaml:"cap"`

	// Multiplier grows the delay after each failure. Default: 2.0.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter is the random fraction added to each delay (0..1).
	// Default: 0.1.
	Jitter float64 `yaml:"jitter"`
}

// DefaultBackoffConfig returns the transport reconnect schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       500 * time.Millisecond,
		Cap:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Backoff produces an exponential delay sequence. Not safe for
// concurrent use; each connection owns its own.
type Backoff struct {
	config BackoffConfig
	next   time.Duration
}

// NewBackoff creates a backoff with the given schedule.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Base <= 0 {
		config.Base = 500 * time.Millisecond
	}
	if config.Cap <= 0 {
		config.Cap = 10 * time.Second
	}
	if config.Multiplier <= 1 {
		config.Multiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	return &Backoff{config: config, next: config.Base}
}

// Next returns the delay to wait before the next attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.config.Multiplier)
	if b.next > b.config.Cap {
		b.next = b.config.Cap
	}
	if b.config.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.config.Jitter * float64(d))
	}
	return d
}

// Reset returns the schedule to the base delay. Called on every
// successful connection open.
func (b *Backoff) Reset() {
	b.next = b.config.Base
}

// retryDo runs op up to attempts times with the given backoff schedule,
// stopping early on success or context cancellation. Store IO uses this;
// the transport drives its own loop because reconnects never give up.
func retryDo(ctx context.Context, attempts int, config BackoffConfig, op func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	b := NewBackoff(config)
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Next()):
		}
	}
	return err
}
