package commands

import (
	"context"
	"time"

	"bidwatch-backend/lib/configutil"
	"bidwatch-backend/lib/genai"
	"bidwatch-backend/lib/platforms/bid"
	"bidwatch-backend/lib/ratelimit"
	"bidwatch-backend/lib/serviceutil"
	"bidwatch-backend/lib/social"
	"bidwatch-backend/lib/solver"
	bidwatch "bidwatch-backend/services/bid"
	"bidwatch-backend/services/bid/store"
)

type GeminiConfig struct {
	ApiKey string `json:"api_key"`
	// optional override of the default model rotation
	Models            []string `json:"models"`
	ContinueOnUnknown bool     `json:"continue_on_unknown"`
}

type SearchConfig struct {
	// fixed DD/MM/YYYY date instead of "today", for replays
	Date     string `json:"date"`
	UF       string `json:"uf"`
	ClubCode string `json:"club_code"`
}

type Config struct {
	Store   store.Config         `json:"store"`
	Gemini  GeminiConfig         `json:"gemini"`
	Search  SearchConfig         `json:"search"`
	Twitter social.TwitterConfig `json:"twitter"`
	Threads social.ThreadsConfig `json:"threads"`
	Email   social.EmailConfig   `json:"email"`
}

func readConfig() Config {
	config, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return config
}

// buildService wires the whole pipeline from a config: governed
// scraping client, model fallback engine, store and providers.
func buildService(ctx context.Context, config Config) (*bidwatch.Service, store.Store) {
	if config.Gemini.ApiKey == "" {
		serviceutil.Fatal("gemini.api_key is required", nil)
	}

	source, err := bid.NewClient(bid.ClientOptions{
		UF:       config.Search.UF,
		ClubCode: config.Search.ClubCode,
		Governor: ratelimit.NewGovernor(ratelimit.DefaultCeiling),
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize bid client", err)
	}

	engine := genai.NewEngine(genai.NewGeminiClient(config.Gemini.ApiKey), genai.EngineOptions{
		Models:            config.Gemini.Models,
		ContinueOnUnknown: config.Gemini.ContinueOnUnknown,
	})

	storage := store.Open(ctx, config.Store)
	providers := []social.Provider{
		social.NewTwitter(config.Twitter),
		social.NewThreads(config.Threads),
		social.NewEmail(config.Email),
	}

	svc := bidwatch.NewService(source, solver.New(engine), storage, providers, bidwatch.Options{
		SearchDate: config.Search.Date,
		CycleDelay: time.Minute,
	})
	return svc, storage
}
