package search

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"time"

	"musehub/searchservice/internal/domain"
)

// RetryConfig controls the exponential backoff behavior for RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns sensible defaults: 3 attempts, 500ms→1s→2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithBackoff runs fn until it succeeds, the failure is permanent, the
// attempts run out, or ctx ends mid-backoff. The last error is returned
// unchanged so callers can still branch on its failure kind.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransientError(err) || attempt == attempts {
			return err
		}
		if sleepErr := sleepBetweenAttempts(ctx, capDelay(applyJitter(delay), cfg.MaxDelay)); sleepErr != nil {
			return sleepErr
		}
		delay = capDelay(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
}

func capDelay(d, ceiling time.Duration) time.Duration {
	if d > ceiling {
		return ceiling
	}
	return d
}

// sleepBetweenAttempts waits out one backoff window unless ctx ends first.
func sleepBetweenAttempts(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// applyJitter randomizes a delay into [0.75d, 1.25d) so retries from many
// batches never hit a recovering upstream in lockstep.
func applyJitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// isTransientError reports whether a retry can plausibly succeed. Classified
// failures branch on kind; anything unclassified falls back to transport
// checks.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	var se *domain.SourceError
	if errors.As(err, &se) {
		switch se.Kind {
		case domain.FailureTimeout, domain.FailureNetwork, domain.FailureRateLimit:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
