// Package retry runs operations under an exponential backoff policy with an
// injectable clock.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Clock abstracts waiting so tests can advance time without sleeping
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock
var RealClock Clock = realClock{}

// Delayer is implemented by errors that carry a server-requested wait, such
// as a rate limit's retry-after. Do never waits less than RetryDelay.
type Delayer interface {
	RetryDelay() time.Duration
}

// ErrExhausted is wrapped by Do when every attempt failed with a retryable error
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures retry behavior
type Policy struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int
	// Initial is the wait before the second attempt
	Initial time.Duration
	// Max caps a single wait
	Max time.Duration
	// Multiplier grows the wait between attempts
	Multiplier float64
	// Clock defaults to RealClock
	Clock Clock
}

// DefaultPolicy returns the policy used for platform commands
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		Initial:     500 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2.0,
	}
}

// Validate checks that the policy can run
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Initial < 0 || p.Max < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// Wait returns the delay before the next attempt: the backoff for attempt,
// raised to the delay requested by err when it carries one
func (p Policy) Wait(attempt int, err error) time.Duration {
	d := p.Backoff(attempt)
	var delayer Delayer
	if errors.As(err, &delayer) {
		if requested := delayer.RetryDelay(); requested > d {
			d = requested
		}
	}
	return d
}

// Do calls fn until it succeeds, returns an error that retryable rejects, or
// MaxAttempts is reached. onRetry, if set, is called before each wait.
// Exhaustion returns the last error wrapped together with ErrExhausted.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	clock := p.Clock
	if clock == nil {
		clock = RealClock
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %v", err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ctx.Err(), lastErr)
		case <-clock.After(p.Wait(attempt, lastErr)):
		}
	}

	return &exhaustedError{attempts: attempts, last: lastErr}
}

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.last}
}
