package genai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	// model id -> error to return (nil means succeed with its name)
	errs     map[string]error
	attempts []string
}

func (c *scriptedClient) Generate(ctx context.Context, model string, req Request) (string, error) {
	c.attempts = append(c.attempts, model)
	err := c.errs[model]
	if err != nil {
		return "", err
	}
	return "  answer from " + model + "\n", nil
}

func newTestEngine(client Client, opts EngineOptions) *Engine {
	e := NewEngine(client, opts)
	e.sleep = func(time.Duration) {}
	return e
}

func TestRotationOrder(t *testing.T) {
	client := &scriptedClient{errs: map[string]error{
		"a": fmt.Errorf("quota: %w", ErrCapacityExhausted),
		"b": fmt.Errorf("quota: %w", ErrCapacityExhausted),
	}}
	engine := newTestEngine(client, EngineOptions{Models: []string{"a", "b", "c", "d"}})

	text, err := engine.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "answer from c", text)
	// exactly the first failing models plus the one that succeeded,
	// in list order
	require.Equal(t, []string{"a", "b", "c"}, client.attempts)
}

func TestUnavailableModelsAreSkipped(t *testing.T) {
	client := &scriptedClient{errs: map[string]error{
		"gone": fmt.Errorf("404: %w", ErrModelUnavailable),
	}}
	engine := newTestEngine(client, EngineOptions{Models: []string{"gone", "alive"}})

	text, err := engine.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "answer from alive", text)
}

func TestExhaustionAfterAllCycles(t *testing.T) {
	client := &scriptedClient{errs: map[string]error{
		"a": fmt.Errorf("quota: %w", ErrCapacityExhausted),
		"b": fmt.Errorf("quota: %w", ErrCapacityExhausted),
	}}

	var slept []time.Duration
	engine := NewEngine(client, EngineOptions{
		Models:     []string{"a", "b"},
		Cycles:     2,
		RetryDelay: time.Second,
		Cooldown:   time.Minute,
	})
	engine.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := engine.Generate(context.Background(), Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, []string{"a", "b", "a", "b"}, client.attempts)
	// one cooldown between the two cycles, retry delays around each
	// quota failure
	require.Equal(t, []time.Duration{
		time.Second, time.Second, time.Minute, time.Second, time.Second,
	}, slept)
}

func TestUnknownErrorPropagates(t *testing.T) {
	boom := errors.New("schema changed")
	client := &scriptedClient{errs: map[string]error{"a": boom}}
	engine := newTestEngine(client, EngineOptions{Models: []string{"a", "b"}})

	_, err := engine.Generate(context.Background(), Request{Prompt: "hi"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a"}, client.attempts)
}

func TestUnknownErrorSkipsWhenConfigured(t *testing.T) {
	client := &scriptedClient{errs: map[string]error{
		"a": errors.New("schema changed"),
	}}
	engine := newTestEngine(client, EngineOptions{
		Models:            []string{"a", "b"},
		ContinueOnUnknown: true,
	})

	text, err := engine.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "answer from b", text)
}
