package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("flaky")

func alwaysRetry(error) bool { return true }

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}

	testCases := []struct {
		name             string
		failures         int
		retryable        func(error) bool
		expectedAttempts int
		expectError      bool
		expectedSleeps   []time.Duration
	}{
		{
			name:             "succeeds first time",
			failures:         0,
			retryable:        alwaysRetry,
			expectedAttempts: 1,
		},
		{
			name:             "succeeds after two failures",
			failures:         2,
			retryable:        alwaysRetry,
			expectedAttempts: 3,
			expectedSleeps:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:             "gives up at the cap",
			failures:         10,
			retryable:        alwaysRetry,
			expectedAttempts: 3,
			expectError:      true,
			expectedSleeps:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:             "stops on non-retryable error",
			failures:         10,
			retryable:        func(error) bool { return false },
			expectedAttempts: 1,
			expectError:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			calls := 0
			res := Do(context.Background(), cfg, clk, zerolog.Nop(), tc.retryable, func(context.Context) error {
				calls++
				if calls <= tc.failures {
					return errFlaky
				}
				return nil
			})

			assert.Equal(t, tc.expectedAttempts, res.Attempts)
			assert.Equal(t, tc.expectedAttempts, calls)
			if tc.expectError {
				assert.ErrorIs(t, res.Err, errFlaky)
			} else {
				assert.NoError(t, res.Err)
			}
			assert.Equal(t, tc.expectedSleeps, clk.Sleeps())
		})
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.NewFake(time.Now())
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2}

	res := Do(ctx, cfg, clk, zerolog.Nop(), alwaysRetry, func(context.Context) error {
		cancel()
		return errFlaky
	})

	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	hints := []time.Duration{time.Minute, time.Second / 2}
	calls := 0

	res := Do(context.Background(), cfg, clk, zerolog.Nop(), alwaysRetry, func(context.Context) error {
		calls++
		if calls <= len(hints) {
			return &domain.TransientError{Op: "GET /repos/acme/widget/commits", RetryAfter: hints[calls-1], Err: errFlaky}
		}
		return nil
	})

	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	// The hint wins when longer than the backoff, the backoff otherwise.
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Second}, clk.Sleeps())
}

func TestDelay_CappedAtMax(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, Delay(cfg, 0))
	assert.Equal(t, 4*time.Second, Delay(cfg, 2))
	assert.Equal(t, 5*time.Second, Delay(cfg, 6))
}
