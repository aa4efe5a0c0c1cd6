package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/mediacache/remote"
	"github.com/meigma/mediacache/store"
)

// RetryPolicy is the single retry/backoff policy applied to every download
// attempt. The k-th retry waits min(Base·2^(k−1), Cap).
type RetryPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Cap bounds the delay between retries.
	Cap time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
}

// DefaultRetryPolicy matches the engine defaults: 1s base, 30s cap, 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	Base:        time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 3,
}

// backOff builds the per-task backoff source. Randomization is disabled so
// delays are exactly the documented schedule.
func (p RetryPolicy) backOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.Cap
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// statusError is an HTTP response status outside the success range.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.status)
}

// retryable classifies an attempt failure. Timeouts, transient I/O, and
// server-side statuses are retried; bad requests, integrity mismatches,
// storage exhaustion, policy blocks, and cancellation are terminal.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, remote.ErrNotFound),
		errors.Is(err, remote.ErrNotAuthenticated):
		return false
	case errors.Is(err, store.ErrIntegrity),
		errors.Is(err, store.ErrStorageFull):
		return false
	case errors.Is(err, ErrNetworkIneligible):
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code >= 500:
			return true
		case se.code == http.StatusRequestTimeout, se.code == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	// Truncated bodies, reset connections, deadline expiry: transient.
	return true
}
