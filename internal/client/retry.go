package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/config"
)

// Backoff returns the delay before attempt n (starting at 1), doubling from
// initial and capped at max. Without a positive max the delay stays at initial.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if max <= 0 {
		return initial
	}
	d := initial
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Connect starts a fresh connector per attempt until one connects, following
// the Client:Retry policy. It returns the connected connector, or the error of
// the last attempt.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Connector, error) {
	if cfg == nil || logger == nil {
		// let NewConnector name the missing argument
		return NewConnector(cfg, logger, opts...)
	}

	policy := cfg.Client.Retry
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := NewConnector(cfg, logger, opts...)
		if err != nil {
			return nil, err
		}
		if lastErr = c.Start(ctx); lastErr == nil {
			return c, nil
		}
		c.Stop(ctx)

		if errors.Is(lastErr, context.Canceled) || ctx.Err() != nil || attempt == attempts {
			break
		}
		delay := Backoff(attempt, policy.InitialBackoff, policy.MaxBackoff)
		logger.Warn("Cluster connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
