package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExhausted is returned when every model in the chain failed in
// every cycle. It is the only terminal failure this package produces
// for quota problems.
var ErrExhausted = errors.New("all models exhausted")

// DefaultModels is ordered largest first: the bigger models read the
// distorted captchas noticeably better, so they get first shot at
// the quota.
var DefaultModels = []string{
	"gemma-3-27b-it",
	"gemma-3-12b-it",
	"gemma-3-4b-it",
	"gemma-3-1b-it",
}

type EngineOptions struct {
	// ordered list of model ids to rotate through
	Models []string
	// how many full passes over the model list before giving up
	Cycles int
	// pause after a capacity-exhausted error before trying the
	// next model
	RetryDelay time.Duration
	// pause between full cycles once every model has failed
	Cooldown time.Duration
	// when true, unknown errors (anything that is not a quota or a
	// missing model) skip to the next model instead of propagating
	ContinueOnUnknown bool
}

type Engine struct {
	client Client
	opts   EngineOptions

	// overridable in tests
	sleep func(time.Duration)
}

func NewEngine(client Client, opts EngineOptions) *Engine {
	if len(opts.Models) == 0 {
		opts.Models = DefaultModels
	}
	if opts.Cycles <= 0 {
		opts.Cycles = 2
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	return &Engine{
		client: client,
		opts:   opts,
		sleep:  time.Sleep,
	}
}

// Generate walks the model list in order, absorbing quota errors by
// rotating to the next model and cooling down between full cycles.
// It returns the first successful completion, trimmed.
func (e *Engine) Generate(ctx context.Context, req Request) (string, error) {
	var lastErr error

	for cycle := 0; cycle < e.opts.Cycles; cycle++ {
		for _, model := range e.opts.Models {
			text, err := e.client.Generate(ctx, model, req)
			if err == nil {
				return text, nil
			}
			lastErr = err

			switch {
			case errors.Is(err, ErrCapacityExhausted):
				slog.Debug("model exhausted, rotating", "model", model)
				e.sleep(e.opts.RetryDelay)
			case errors.Is(err, ErrModelUnavailable):
				slog.Debug("model unavailable, skipping", "model", model)
			default:
				if !e.opts.ContinueOnUnknown {
					return "", err
				}
				slog.Warn("model failed, skipping", "model", model, "err", err)
			}
		}

		if cycle < e.opts.Cycles-1 {
			slog.Info(
				"every model failed this cycle, cooling down",
				"cooldown", e.opts.Cooldown,
				"cycles_left", e.opts.Cycles-cycle-1,
			)
			e.sleep(e.opts.Cooldown)
		}
	}

	return "", fmt.Errorf("%w after %d cycles: %v", ErrExhausted, e.opts.Cycles, lastErr)
}
