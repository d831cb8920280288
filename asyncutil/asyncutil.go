// Package asyncutil provides functionality for interacting with async operations
package asyncutil

import (
	"errors"
	"fmt"
	"time"
)

// RetryBackoff retries fn as long as retryable reports its error as
// transient, sleeping `sleep` before the first retry and multiplying the
// delay by `backoff` between attempts. Non-retryable errors are returned
// immediately.
func RetryBackoff(attempts int, sleep time.Duration, backoff float64,
	retryable func(error) bool, fn func() error) error {
	var err error
	delay := sleep
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt < attempts-1 {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * backoff)
		}
	}
	return err
}

// Await attempts the given condition the specified amount of times, doubling
// the amount of time between each attempt. If the condition doesn't succeed,
// it returns an error saying how many times we tried and how much time it
// took altogether.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	if !innerAwait(attempts, sleep, fn) {
		msg := fmt.Sprintf("Condition was not true after %d attempts and %s total waiting time",
			attempts, GetTotalRetryDuration(attempts, sleep))
		if len(msgs) != 0 {
			msg += ": "
			for _, m := range msgs {
				msg += m + " "
			}
		}
		return errors.New(msg)
	}
	return nil
}

func innerAwait(attempts int, sleep time.Duration,
	fn func() bool) bool {
	if !fn() {
		if attempts > 1 {
			time.Sleep(sleep)
			return innerAwait(attempts-1, 2*sleep, fn)
		}
		return false
	}
	return true
}

// GetTotalRetryDuration calculates the total amount of time spent retrying
// an operation given the amount of attempts and initial sleep duration
func GetTotalRetryDuration(attempts int, sleep time.Duration) time.Duration {
	if attempts <= 0 {
		return sleep
	}
	return sleep + GetTotalRetryDuration(attempts-1, sleep*2)
}
