package utils

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// FixedBackoff returns a backoff that runs an operation at most attempts times
// with a constant interval between attempts.
func FixedBackoff(attempts int, interval time.Duration) wait.Backoff {
	return wait.Backoff{
		Steps:    attempts,
		Duration: interval,
		Factor:   1.0,
	}
}

// RetryWhileBusy runs fn until it succeeds, fails with something other than
// EBUSY, or backoff.Steps attempts are used up.
//
// onBusy runs after every busy failure that will be retried and receives the
// number of failed attempts so far (1-based). It is not called after the final
// attempt.
//
// Returns:
//   - nil if fn() succeeds
//   - an error wrapping ErrBusy and the last kernel error when attempts run out
//   - the error from fn() unchanged when it is not EBUSY
func RetryWhileBusy(backoff wait.Backoff, fn func() error, onBusy func(failures int)) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		attempt++
		lastErr = fn()

		if lastErr == nil {
			klog.V(5).Infof("Operation succeeded on attempt %d", attempt)
			return true, nil
		}

		if !IsBusy(lastErr) {
			klog.V(4).Infof("Attempt %d failed with non-busy error: %v", attempt, lastErr)
			return false, lastErr
		}

		if attempt < backoff.Steps && onBusy != nil {
			onBusy(attempt)
		}
		return false, nil
	})

	if wait.Interrupted(err) {
		klog.V(2).Infof("Target still busy after %d attempts: %v", attempt, lastErr)
		return fmt.Errorf("%w after %d attempts: %v", ErrBusy, attempt, lastErr)
	}
	return err
}
