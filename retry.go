package chronicle

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig bounds the retry behavior of the gate's commit path and the
// partition archiver.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the delay before the first retry. Default: 100ms.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between retries. Default: 10s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Jitter adds randomness to the backoff, 0..1. Default: 0.1.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Jitter:         0.1,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.1
	}
}

// withRetry runs op until it succeeds, attempts are exhausted, or the
// context is cancelled. The last error is returned; backoff doubles per
// attempt up to MaxBackoff.
func withRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	cfg.normalize()

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := backoff
		if cfg.Jitter > 0 {
			delta := float64(sleep) * cfg.Jitter
			sleep = time.Duration(float64(sleep) - delta + rand.Float64()*2*delta)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}
