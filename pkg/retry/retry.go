// Package retry drives an operation through a bounded number of attempts.
// Each attempt reports a typed outcome so that the retry policy can be
// tested independently from the operation it wraps.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/retry.v1"
)

// Outcome classifies a single attempt.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is what an attempt returns to the driver.
type Result struct {
	Outcome Outcome
	Err     error
}

func Done() Result {
	return Result{Outcome: Success}
}

func Retry(err error) Result {
	return Result{Outcome: RetryableFailure, Err: err}
}

func Fail(err error) Result {
	return Result{Outcome: FatalFailure, Err: err}
}

// Clock is the time source of the driver, wall clock if nil.
type Clock = retry.Clock

// WallClock is the real time.
var WallClock Clock = wallClock{}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// ClockOrWall returns c, or WallClock if c is nil.
func ClockOrWall(c Clock) Clock {
	if c == nil {
		return WallClock
	}
	return c
}

// Policy bounds the attempts.
type Policy struct {
	Strategy retry.Strategy
	Clock    Clock
}

// Regular returns a policy of count attempts with a fixed delay between
// them.
func Regular(count int, delay time.Duration) Policy {
	return Policy{
		Strategy: retry.LimitCount(count, retry.Regular{
			Delay: delay,
			Min:   count,
		}),
	}
}

// ExhaustedError is returned when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, fails fatally, the policy is exhausted or
// ctx is done. fn receives the 1-based attempt number. The number of
// attempts made is returned alongside the error.
func Do(ctx context.Context, p Policy, fn func(attempt int) Result) (int, error) {
	attempt := retry.StartWithCancel(p.Strategy, p.Clock, ctx.Done())

	var lastErr error
	for attempt.Next() {
		if err := ctx.Err(); err != nil {
			return attempt.Count() - 1, err
		}
		res := fn(attempt.Count())
		switch res.Outcome {
		case Success:
			return attempt.Count(), nil
		case FatalFailure:
			if res.Err == nil {
				res.Err = errors.New("fatal failure")
			}
			return attempt.Count(), res.Err
		default:
			lastErr = res.Err
		}
	}

	if err := ctx.Err(); err != nil {
		return attempt.Count(), err
	}
	return attempt.Count(), &ExhaustedError{Attempts: attempt.Count(), Err: lastErr}
}
