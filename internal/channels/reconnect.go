package channels

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// ReconnectConfig controls listener restart behavior.
type ReconnectConfig struct {
	MaxAttempts  int // 0 = unlimited
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns the baseline restart policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// Backoff computes the delay before the given attempt (1-based).
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Factor)
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
	}
	return delay
}

// Reconnector reruns an operation with bounded exponential backoff. A run
// that returns nil resets the attempt counter.
type Reconnector struct {
	Config ReconnectConfig
	Logger *slog.Logger
}

// Run executes run until the context ends or MaxAttempts consecutive
// failures occur.
func (r *Reconnector) Run(ctx context.Context, run func(context.Context) error) error {
	cfg := r.Config
	if cfg.InitialDelay <= 0 {
		cfg = DefaultReconnectConfig()
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := run(ctx)
		if err == nil {
			attempt = 0
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		attempt++
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		delay := cfg.Backoff(attempt)
		if r.Logger != nil {
			r.Logger.Warn("listener failed, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
