package runner

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// RetryPolicy retries an operation with exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64

	// Retryable decides whether an error deserves another attempt. Nil
	// retries everything.
	Retryable func(error) bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPullRetry is the policy applied to image pulls: transient
// registry and network failures get three attempts.
func DefaultPullRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		Retryable:     transientBackendError,
	}
}

func transientBackendError(err error) bool {
	return errors.HasCode(err, errors.CodeImagePullFailed) ||
		errors.HasCode(err, errors.CodeBackendUnavailable) ||
		errors.HasCode(err, errors.CodeTimeoutError)
}

// Execute runs operation until it succeeds, attempts run out, the error is
// not retryable, or the context is cancelled.
func (p *RetryPolicy) Execute(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.New(errors.CodeCancelled, "runner", "retry cancelled", err)
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= p.MaxAttempts || !p.shouldRetry(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return errors.New(errors.CodeCancelled, "runner", "retry cancelled during backoff", ctx.Err())
		}
	}
	return lastErr
}

func (p *RetryPolicy) shouldRetry(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// delay computes the backoff for an attempt, jittered in both directions
// and clamped to [InitialDelay, MaxDelay].
func (p *RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	d += d * p.JitterFactor * (rand.Float64()*2 - 1)
	if d < float64(p.InitialDelay) {
		d = float64(p.InitialDelay)
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
