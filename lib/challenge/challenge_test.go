package challenge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(time.Duration) {}

func TestSucceedsFirstAttempt(t *testing.T) {
	op := Op[[]string]{
		Name:  "test",
		Fetch: func(ctx context.Context) (string, error) { return "img", nil },
		Solve: func(ctx context.Context, image string) (string, error) {
			require.Equal(t, "img", image)
			return "ABCD", nil
		},
		Submit: func(ctx context.Context, guess string) ([]string, error) {
			require.Equal(t, "ABCD", guess)
			return []string{"one"}, nil
		},
		Sleep: noSleep,
	}

	result, err := Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, result)
}

func TestRetriesRejectedGuesses(t *testing.T) {
	fetches := 0
	submits := 0
	op := Op[int]{
		Name: "test",
		Fetch: func(ctx context.Context) (string, error) {
			fetches++
			return fmt.Sprintf("img-%d", fetches), nil
		},
		Solve: func(ctx context.Context, image string) (string, error) { return "WXYZ", nil },
		Submit: func(ctx context.Context, guess string) (int, error) {
			submits++
			if submits < 3 {
				return 0, fmt.Errorf("wrong guess: %w", ErrRejected)
			}
			return 42, nil
		},
		Sleep: noSleep,
	}

	result, err := Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, 42, result)
	// a fresh challenge is fetched for every attempt
	require.Equal(t, 3, fetches)
}

func TestExhaustsAttemptBudget(t *testing.T) {
	attempts := 0
	op := Op[int]{
		Name:  "test",
		Fetch: func(ctx context.Context) (string, error) { return "img", nil },
		Solve: func(ctx context.Context, image string) (string, error) { return "WXYZ", nil },
		Submit: func(ctx context.Context, guess string) (int, error) {
			attempts++
			return 0, ErrRejected
		},
		Attempts: 5,
		Sleep:    noSleep,
	}

	_, err := Run(context.Background(), op)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 5, attempts)
}

func TestTransientErrorsAlsoRetry(t *testing.T) {
	calls := 0
	op := Op[string]{
		Name: "test",
		Fetch: func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("connection reset")
			}
			return "img", nil
		},
		Solve:  func(ctx context.Context, image string) (string, error) { return "WXYZ", nil },
		Submit: func(ctx context.Context, guess string) (string, error) { return "ok", nil },
		Sleep:  noSleep,
	}

	result, err := Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := Op[int]{
		Name:   "test",
		Fetch:  func(ctx context.Context) (string, error) { return "img", nil },
		Solve:  func(ctx context.Context, image string) (string, error) { return "WXYZ", nil },
		Submit: func(ctx context.Context, guess string) (int, error) { return 0, ErrRejected },
		Sleep:  noSleep,
	}

	_, err := Run(ctx, op)
	require.ErrorIs(t, err, context.Canceled)
}
