// Package backoff tracks retry state for one periodic task.
//
// Each scheduler task owns its own Task: a failing publish never delays a
// config refresh and vice versa.
package backoff

import (
	"time"
)

// Prime number sequence for retry delays (seconds). Primes avoid agents
// retrying in lockstep after a shared collector outage.
var retryPrimes = []int{1, 2, 3, 5, 11, 23, 47, 61}

// Delay returns the retry delay after attempts consecutive failures (1-based),
// never longer than limit. Once the primes are exhausted the delay is limit.
func Delay(attempts int, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retryPrimes) {
		return limit
	}
	d := time.Duration(retryPrimes[attempts-1]) * time.Second
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Task is the retry state machine of one periodic task.
// Not safe for concurrent use; the scheduler loop owns it.
type Task struct {
	name         string
	attempts     int // consecutive failures
	nextEligible time.Time
	lastSuccess  time.Time
}

// NewTask creates a task that is due immediately.
func NewTask(name string) *Task {
	return &Task{name: name}
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Due reports whether the task may run at now.
func (t *Task) Due(now time.Time) bool {
	return !now.Before(t.nextEligible)
}

// Succeed resets the failure count and schedules the next run after interval.
func (t *Task) Succeed(now time.Time, interval time.Duration) {
	t.attempts = 0
	t.lastSuccess = now
	t.nextEligible = now.Add(interval)
}

// Fail records a failure and schedules a retry bounded by retryLimit.
// Returns the chosen delay.
func (t *Task) Fail(now time.Time, retryLimit time.Duration) time.Duration {
	t.attempts++
	d := Delay(t.attempts, retryLimit)
	t.nextEligible = now.Add(d)
	return d
}

// Defer schedules the next run after interval without touching the failure count.
func (t *Task) Defer(now time.Time, interval time.Duration) {
	t.nextEligible = now.Add(interval)
}

// ForceNow makes the task due at now.
func (t *Task) ForceNow(now time.Time) {
	t.nextEligible = now
}

// Attempts returns the number of consecutive failures.
func (t *Task) Attempts() int {
	return t.attempts
}

// NextEligible returns the earliest time the task may run again.
func (t *Task) NextEligible() time.Time {
	return t.nextEligible
}

// LastSuccess returns the time of the last success (zero if never).
func (t *Task) LastSuccess() time.Time {
	return t.lastSuccess
}
