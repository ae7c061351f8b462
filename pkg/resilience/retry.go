// Package resilience holds the retry policies shared by services.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// RetryStale runs op, retrying up to maxAttempts with exponential backoff
// while it fails with STALE_VERSION. Any other error surfaces immediately.
// The caller's op must re-read the record before each attempt.
func RetryStale(ctx context.Context, maxAttempts int, op func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if apperrors.HasCode(err, apperrors.CodeStaleVersion) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// RetryTransient runs op with exponential backoff for errors the caller
// deems transient via the retryable predicate.
func RetryTransient(ctx context.Context, maxAttempts int, retryable func(error) bool, op func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
