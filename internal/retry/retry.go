// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config bounds a retried operation.
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS" env-default:"5"`
	InitialInterval time.Duration `yaml:"initialInterval" env:"INITIAL_INTERVAL" env-default:"500ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" env:"MAX_INTERVAL" env-default:"10s"`
	Jitter          float64       `yaml:"jitter" env:"JITTER" env-default:"0.2"` // fraction, 0.2 = ±20%
}

// DefaultConfig returns the startup dial defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Jitter:          0.2,
	}
}

// Validate checks that the configuration can drive Do.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.InitialInterval < 0 || c.MaxInterval < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be between 0 and 1, got %v", c.Jitter))
	}
	return errors.Join(errs...)
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// NotifyFunc is called before sleeping between attempts.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. notify may be nil.
func Do(ctx context.Context, cfg Config, notify NotifyFunc, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := Backoff(attempt, cfg)
		if notify != nil {
			notify(attempt, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// Backoff returns the wait after the given 1-based attempt.
func Backoff(attempt int, cfg Config) time.Duration {
	wait := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt-1))
	if cfg.MaxInterval > 0 && wait > float64(cfg.MaxInterval) {
		wait = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		spread := wait * cfg.Jitter
		wait = wait - spread + rand.Float64()*2*spread
	}
	return time.Duration(wait)
}
