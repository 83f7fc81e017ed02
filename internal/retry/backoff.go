// Package retry runs an operation in a bounded exponential-backoff loop.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/rs/zerolog"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxAttempts int           // total attempts including the first, at least 1
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // upper bound for a single delay
	Multiplier  float64
	Jitter      bool // up to ±10% random jitter on each delay
}

// hinted is implemented by errors that carry a server-provided retry delay.
type hinted interface {
	RetryDelay() time.Duration
}

// Result describes how the loop ended.
type Result struct {
	Attempts int
	Err      error
}

// Do calls op until it succeeds, returns an error retryable rejects, the
// attempt cap is reached, or ctx is done. Delays go through clk and are never
// shorter than the error's RetryDelay hint.
func Do(ctx context.Context, cfg Config, clk clock.Clock, logger zerolog.Logger, retryable func(error) bool, op func(ctx context.Context) error) Result {
	maxAttempts := max(cfg.MaxAttempts, 1)

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		res.Err = op(ctx)
		if res.Err == nil {
			if attempt > 1 {
				logger.Debug().Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return res
		}
		if !retryable(res.Err) || attempt == maxAttempts {
			return res
		}

		delay := Delay(cfg, attempt-1)
		var h hinted
		if errors.As(res.Err, &h) {
			delay = max(delay, h.RetryDelay())
		}
		logger.Warn().Err(res.Err).Int("attempt", attempt).Int("max_attempts", maxAttempts).
			Dur("delay", delay).Msg("operation failed, retrying")

		if err := clk.Sleep(ctx, delay); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

// Delay is BaseDelay * Multiplier^retry capped at MaxDelay.
func Delay(cfg Config, retry int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.BaseDelay) * math.Pow(multiplier, float64(retry))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}
