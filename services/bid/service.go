// Package bidwatch ties the pipeline together: pull the day's
// bulletin through the captcha gate, enrich each new contract with
// the athlete's history, persist everything, then push pending
// records out to the social platforms. Everything runs strictly
// sequentially inside one cycle; all waiting blocks the single
// worker.
package bidwatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"bidwatch-backend/lib/challenge"
	"bidwatch-backend/lib/platforms/bid"
	"bidwatch-backend/lib/social"
	"bidwatch-backend/lib/timezone"
	"bidwatch-backend/services/bid/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/bid")
var meter = otel.Meter("services/bid")

var cycleCounter, _ = meter.Int64Counter("bidwatch.cycles")
var discoveredCounter, _ = meter.Int64Counter("bidwatch.contracts_discovered")
var publishedCounter, _ = meter.Int64Counter("bidwatch.posts_published")

// Source is the slice of the scraping client the service uses.
type Source interface {
	InitializeSession(ctx context.Context) error
	FetchCaptcha(ctx context.Context) (string, error)
	Search(ctx context.Context, guess string, date string) ([]bid.Contract, error)
	AthleteHistory(ctx context.Context, athleteCode bid.Code, guess string) (json.RawMessage, error)
}

// Solver solves captchas and writes post copy.
type Solver interface {
	SolveCaptcha(ctx context.Context, image string) (string, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Storage is implemented by store.Store.
type Storage interface {
	SaveContracts(ctx context.Context, contracts []bid.Contract) ([]bid.Contract, error)
	HasHistory(ctx context.Context, c bid.Contract) (bool, error)
	SaveHistory(ctx context.Context, c bid.Contract, history json.RawMessage) error
	FindPending(ctx context.Context, platform string, limit int) ([]store.Pending, error)
	MarkPosted(ctx context.Context, key, platform, postId string, postedAt time.Time) error
}

type Options struct {
	// fixed DD/MM/YYYY date overriding "today", mostly for replays
	SearchDate string

	SearchAttempts int
	EnrichAttempts int
	RetryDelay     time.Duration
	// page size per provider per cycle
	PendingLimit int
	// pause between two posts on the same provider
	PostThrottle time.Duration
	// pause between cycles
	CycleDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.SearchAttempts <= 0 {
		o.SearchAttempts = 10
	}
	if o.EnrichAttempts <= 0 {
		o.EnrichAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.PendingLimit <= 0 {
		o.PendingLimit = 5
	}
	if o.PostThrottle <= 0 {
		o.PostThrottle = time.Second * 65
	}
	if o.CycleDelay <= 0 {
		o.CycleDelay = time.Minute
	}
}

type Service struct {
	source    Source
	solver    Solver
	storage   Storage
	providers []social.Provider
	opts      Options

	// overridable in tests
	sleep func(time.Duration)
}

func NewService(source Source, solver Solver, storage Storage, providers []social.Provider, opts Options) *Service {
	opts.fillDefaults()
	return &Service{
		source:    source,
		solver:    solver,
		storage:   storage,
		providers: providers,
		opts:      opts,
		sleep:     time.Sleep,
	}
}

func (s *Service) searchDate() string {
	if s.opts.SearchDate != "" {
		return s.opts.SearchDate
	}
	return timezone.SearchDate(timezone.Now())
}

// Search runs the captcha-gated bulletin search for one date. An
// exhausted attempt budget comes back as an empty (non-nil) list:
// wrong guesses are routine, not faults worth escalating.
func (s *Service) Search(ctx context.Context, date string) ([]bid.Contract, error) {
	ctx, span := tracer.Start(ctx, "search")
	defer span.End()

	results, err := challenge.Run(ctx, challenge.Op[[]bid.Contract]{
		Name:  "search",
		Fetch: s.source.FetchCaptcha,
		Solve: s.solver.SolveCaptcha,
		Submit: func(ctx context.Context, guess string) ([]bid.Contract, error) {
			return s.source.Search(ctx, guess, date)
		},
		Attempts:   s.opts.SearchAttempts,
		RetryDelay: s.opts.RetryDelay,
		Sleep:      s.sleep,
	})
	if errors.Is(err, challenge.ErrExhausted) {
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("search attempts exhausted", "date", date, "err", err)
		return []bid.Contract{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	slog.Info("search succeeded", "date", date, "results", len(results))
	return results, nil
}

// EnrichAthlete fetches and stores the athlete history for one
// contract. Contracts with no athlete code are skipped, as are
// contracts whose history is already stored.
func (s *Service) EnrichAthlete(ctx context.Context, c bid.Contract) error {
	ctx, span := tracer.Start(ctx, "enrich_athlete")
	defer span.End()

	if c.AthleteCode == "" {
		slog.Warn("skipping enrichment, contract has no athlete code", "name", c.DisplayName())
		return nil
	}

	has, err := s.storage.HasHistory(ctx, c)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if has {
		slog.Debug("history already stored, skipping", "name", c.DisplayName())
		return nil
	}

	history, err := challenge.Run(ctx, challenge.Op[json.RawMessage]{
		Name:  "athlete_history",
		Fetch: s.source.FetchCaptcha,
		Solve: s.solver.SolveCaptcha,
		Submit: func(ctx context.Context, guess string) (json.RawMessage, error) {
			return s.source.AthleteHistory(ctx, c.AthleteCode, guess)
		},
		Attempts:   s.opts.EnrichAttempts,
		RetryDelay: s.opts.RetryDelay,
		Sleep:      s.sleep,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = s.storage.SaveHistory(ctx, c, history)
	if err != nil {
		span.RecordError(err)
		return err
	}
	slog.Info("history merged and saved", "name", c.DisplayName())
	return nil
}

// EnrichAll enriches every contract in turn; a failed record is
// logged and the loop moves on.
func (s *Service) EnrichAll(ctx context.Context, contracts []bid.Contract) {
	for _, c := range contracts {
		if ctx.Err() != nil {
			return
		}
		err := s.EnrichAthlete(ctx, c)
		if err != nil {
			slog.Error("failed to enrich athlete", "name", c.DisplayName(), "err", err)
		}
	}
}

// SyncSocial walks every provider's pending page and publishes in
// discovery order. A failed publish stops the current provider for
// this cycle (the platform is likely degraded, hammering it helps
// nobody) and moves on to the next one.
func (s *Service) SyncSocial(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "sync_social")
	defer span.End()

	for _, provider := range s.providers {
		platform := provider.Name()

		pending, err := s.storage.FindPending(ctx, platform, s.opts.PendingLimit)
		if err != nil {
			span.RecordError(err)
			slog.Error("failed to query pending posts", "platform", platform, "err", err)
			continue
		}
		if len(pending) == 0 {
			slog.Debug("no pending posts", "platform", platform)
			continue
		}

		slog.Info("publishing pending posts", "platform", platform, "count", len(pending))
		for i, p := range pending {
			text := s.postText(ctx, p.Contract)

			postId, err := provider.Publish(ctx, text)
			if err != nil {
				span.RecordError(err)
				slog.Error("publish failed, stopping platform for this cycle",
					"platform", platform,
					"key", p.Key,
					"err", err,
				)
				break
			}

			err = s.storage.MarkPosted(ctx, p.Key, platform, postId, timezone.Now())
			if err != nil {
				span.RecordError(err)
				slog.Error("failed to mark post", "platform", platform, "key", p.Key, "err", err)
				break
			}
			publishedCounter.Add(ctx, 1)
			slog.Info("posted", "platform", platform, "key", p.Key, "post_id", postId)

			if i < len(pending)-1 {
				s.sleep(s.opts.PostThrottle)
			}
		}
	}
}

// postText writes the platform copy for one contract, falling back
// to a plain template when the engine is out of quota. A discovered
// contract is never dropped for lack of prose.
func (s *Service) postText(ctx context.Context, c bid.Contract) string {
	text, err := s.solver.GenerateText(ctx, postPrompt(c))
	if err != nil {
		slog.Warn("post copy generation failed, using fallback template",
			"name", c.DisplayName(),
			"err", err,
		)
		return fallbackPost(c)
	}
	return text
}

// acquire runs the fetch half of a cycle for one date: session,
// search, persist, enrich the new discoveries.
func (s *Service) acquire(ctx context.Context, date string) error {
	ctx, span := tracer.Start(ctx, "acquire")
	defer span.End()

	err := s.source.InitializeSession(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	results, err := s.Search(ctx, date)
	if err != nil {
		return err
	}

	saved, err := s.storage.SaveContracts(ctx, results)
	if err != nil {
		span.RecordError(err)
		return err
	}
	discoveredCounter.Add(ctx, int64(len(saved)))
	slog.Info("acquisition finished", "date", date, "found", len(results), "new", len(saved))

	s.EnrichAll(ctx, saved)
	return nil
}

// RunCycle performs one full pass: acquisition with enrichment,
// then publishing.
func (s *Service) RunCycle(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cycle")
	defer span.End()

	cycleCounter.Add(ctx, 1)

	err := s.acquire(ctx, s.searchDate())
	if err != nil {
		return err
	}
	s.SyncSocial(ctx)
	return nil
}

// Seed runs acquisition and enrichment for one specific date without
// touching the social platforms. Used to backfill the store from
// past bulletins.
func (s *Service) Seed(ctx context.Context, date string) error {
	return s.acquire(ctx, date)
}

// Run loops RunCycle until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		err := s.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.CycleDelay):
		}
	}
}
