package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Config controls the exponential backoff schedule.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// DefaultConfig returns the settings used for database connections.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// WithBackoff runs fn until it succeeds, the attempts are exhausted, or
// the context is cancelled. Each failure is logged with the delay before
// the next attempt.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}

		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxRetries, err)
		}

		wait := delay
		if cfg.JitterEnabled {
			// Spread the wait over +-15% so restarting replicas do not
			// reconnect in lockstep.
			wait += time.Duration((rand.Float64() - 0.5) * 0.3 * float64(delay))
		}

		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
