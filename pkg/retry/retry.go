// Package retry runs an operation under an explicit retry policy.
//
// A Policy classifies every failure into a named class. Each class has its
// own backoff schedule and its own attempt ceiling, so two kinds of transient
// failure interleaving in the same call chain never eat each other's budget.
// Failures the classifier does not recognise are returned immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class names a family of retryable failures. The empty class is fatal.
type Class string

// Fatal is returned by a Classifier for errors that must not be retried.
const Fatal Class = ""

// Classifier maps a failure to its retry class.
type Classifier func(err error) Class

// Schedule builds a fresh backoff sequence.
type Schedule func() backoff.BackOff

// Rule is the retry behaviour for one class.
type Rule struct {
	// Backoff builds the delays for the class. A nil Backoff retries
	// without delay.
	Backoff Schedule
	// MaxAttempts bounds how many times an attempt may fail with this class
	// before giving up. 0 means unbounded.
	MaxAttempts int
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NotifyFunc is called before every delayed retry.
type NotifyFunc func(class Class, attempt int, delay time.Duration, err error)

type Policy struct {
	Classify Classifier
	Rules    map[Class]Rule
	Sleep    SleepFunc
	Notify   NotifyFunc
}

// ExhaustedError is returned when a class ran out of attempts.
type ExhaustedError struct {
	Class    Class
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Class, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exponential doubles from initial with jitter and never stops on its own.
func Exponential(initial, ceiling time.Duration) Schedule {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = ceiling
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Constant waits d between every attempt.
func Constant(d time.Duration) Schedule {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// Do calls op until it succeeds, fails with a fatal error, a class exhausts
// its attempts, or ctx is done.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	attempts := make(map[Class]int)
	schedules := make(map[Class]backoff.BackOff)

	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var zero T

		class := Fatal
		if p.Classify != nil {
			class = p.Classify(err)
		}
		rule, ok := p.Rules[class]
		if class == Fatal || !ok {
			return zero, err
		}

		attempts[class]++
		n := attempts[class]
		if rule.MaxAttempts > 0 && n >= rule.MaxAttempts {
			return zero, &ExhaustedError{Class: class, Attempts: n, Err: err}
		}

		var delay time.Duration
		if rule.Backoff != nil {
			b, ok := schedules[class]
			if !ok {
				b = rule.Backoff()
				schedules[class] = b
			}
			delay = b.NextBackOff()
			if delay == backoff.Stop {
				return zero, &ExhaustedError{Class: class, Attempts: n, Err: err}
			}
		}
		if p.Notify != nil {
			p.Notify(class, n, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, errors.Join(serr, err)
		}
	}
}
