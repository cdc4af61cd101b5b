// Package ratelimit implements the shared request budget for every
// upstream the watcher talks to. The BID and the completion service
// both cap requests per minute on the same account, so a single
// governor instance is passed to every component that makes an
// external call.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const DefaultCeiling = 29

type Governor struct {
	mu          sync.Mutex
	ceiling     int
	count       int
	windowStart time.Time

	// overridable in tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewGovernor(ceiling int) *Governor {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Governor{
		ceiling: ceiling,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Admit blocks until `cost` requests fit inside the rolling
// one-minute window, then records them. It never fails; the worst
// case is a sleep of slightly over a minute.
func (g *Governor) Admit(cost int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.windowStart.IsZero() {
		g.windowStart = g.now()
	}

	elapsed := g.now().Sub(g.windowStart)
	if elapsed >= time.Minute {
		g.count = 0
		g.windowStart = g.now()
		elapsed = 0
	}

	if g.count+cost > g.ceiling {
		wait := time.Minute - elapsed + time.Second
		slog.Info(
			"request budget exhausted, waiting for window reset",
			"used", g.count,
			"ceiling", g.ceiling,
			"wait", wait,
		)
		g.sleep(wait)
		g.count = 0
		g.windowStart = g.now()
	}

	g.count += cost
}
