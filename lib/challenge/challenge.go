// Package challenge holds the retry protocol shared by every
// captcha-gated endpoint on the BID: fetch a fresh challenge, solve
// it, submit, and go around again when the upstream refuses the
// guess. Most failures here are wrong guesses rather than real
// faults, which is why the attempt budget is generous and nothing is
// escalated until it runs out.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRejected marks a submission the upstream refused, an invalid
// guess or a transiently broken response. Submit funcs return it
// (possibly wrapped) to request another attempt.
var ErrRejected = errors.New("challenge submission rejected")

// ErrExhausted is returned once the attempt budget is spent.
var ErrExhausted = errors.New("challenge attempts exhausted")

type Op[T any] struct {
	// short tag for log lines, e.g. "search" or "athlete_history"
	Name string

	// fetches a fresh challenge image (base64 payload)
	Fetch func(ctx context.Context) (string, error)
	// turns the challenge image into a guess
	Solve func(ctx context.Context, image string) (string, error)
	// submits the guess; return ErrRejected (wrapped or not) to
	// retry, any other error also retries but is logged as a fault
	Submit func(ctx context.Context, guess string) (T, error)

	Attempts   int
	RetryDelay time.Duration

	// overridable in tests
	Sleep func(time.Duration)
}

// Run drives the fetch/solve/submit state machine until Submit
// succeeds or the attempt budget is spent.
func Run[T any](ctx context.Context, op Op[T]) (T, error) {
	var zero T

	if op.Attempts <= 0 {
		op.Attempts = 10
	}
	if op.RetryDelay <= 0 {
		op.RetryDelay = time.Second
	}
	if op.Sleep == nil {
		op.Sleep = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= op.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runOnce(ctx, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrRejected) {
			slog.Info(
				"challenge rejected, retrying",
				"op", op.Name,
				"attempt", attempt,
				"attempts", op.Attempts,
			)
		} else {
			slog.Warn(
				"challenge attempt failed, retrying",
				"op", op.Name,
				"attempt", attempt,
				"attempts", op.Attempts,
				"err", err,
			)
		}
		if attempt < op.Attempts {
			op.Sleep(op.RetryDelay)
		}
	}

	return zero, fmt.Errorf("%w: %s: %v", ErrExhausted, op.Name, lastErr)
}

func runOnce[T any](ctx context.Context, op Op[T]) (T, error) {
	var zero T

	image, err := op.Fetch(ctx)
	if err != nil {
		return zero, fmt.Errorf("fetch challenge: %w", err)
	}
	guess, err := op.Solve(ctx, image)
	if err != nil {
		return zero, fmt.Errorf("solve challenge: %w", err)
	}
	return op.Submit(ctx, guess)
}
