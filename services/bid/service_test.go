package bidwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"bidwatch-backend/lib/challenge"
	"bidwatch-backend/lib/platforms/bid"
	"bidwatch-backend/lib/social"
	"bidwatch-backend/lib/testutil"
	"bidwatch-backend/services/bid/store"
	"bidwatch-backend/services/bid/store/db"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	// read from other goroutines in the cancellation test
	initCalls    atomic.Int32
	captchaCalls int
	searchCalls  int
	historyCalls int

	search  func(guess, date string) ([]bid.Contract, error)
	history func(code bid.Code, guess string) (json.RawMessage, error)
}

func (f *fakeSource) InitializeSession(ctx context.Context) error {
	f.initCalls.Add(1)
	return nil
}

func (f *fakeSource) FetchCaptcha(ctx context.Context) (string, error) {
	f.captchaCalls++
	return "aW1hZ2U=", nil
}

func (f *fakeSource) Search(ctx context.Context, guess, date string) ([]bid.Contract, error) {
	f.searchCalls++
	if f.search == nil {
		return []bid.Contract{}, nil
	}
	return f.search(guess, date)
}

func (f *fakeSource) AthleteHistory(ctx context.Context, code bid.Code, guess string) (json.RawMessage, error) {
	f.historyCalls++
	if f.history == nil {
		return nil, fmt.Errorf("%w: no history scripted", challenge.ErrRejected)
	}
	return f.history(code, guess)
}

type fakeSolver struct {
	textCalls int
	text      func(prompt string) (string, error)
}

func (f *fakeSolver) SolveCaptcha(ctx context.Context, image string) (string, error) {
	return "ABCD", nil
}

func (f *fakeSolver) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.textCalls++
	if f.text == nil {
		return "post copy", nil
	}
	return f.text(prompt)
}

type fakeProvider struct {
	name    string
	posts   []string
	publish func(text string) (string, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Publish(ctx context.Context, text string) (string, error) {
	if f.publish != nil {
		id, err := f.publish(text)
		if err != nil {
			return "", err
		}
		f.posts = append(f.posts, text)
		return id, nil
	}
	f.posts = append(f.posts, text)
	return fmt.Sprintf("%s_%d", f.name, len(f.posts)), nil
}

func setup(
	t *testing.T,
	source *fakeSource,
	solver *fakeSolver,
	providers []social.Provider,
	opts Options,
) (*Service, store.Store, *[]time.Duration) {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "bidwatch",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	storage, err := store.NewStore(context.Background(), result.DB)
	require.NoError(t, err)

	svc := NewService(source, solver, storage, providers, opts)
	var slept []time.Duration
	svc.sleep = func(d time.Duration) { slept = append(slept, d) }
	return svc, storage, &slept
}

func contractDoc(t *testing.T, doc string) bid.Contract {
	var c bid.Contract
	require.NoError(t, json.Unmarshal([]byte(doc), &c))
	return c
}

func TestRunCycleColdStart(t *testing.T) {
	doc := `{
		"numero_contrato": "7001",
		"codigo_atleta": 555,
		"codigo_clube": "63238",
		"nome": "JOAO DA SILVA",
		"apelido": "JOAOZINHO",
		"tipocontrato": "Profissional"
	}`
	history := json.RawMessage(`{"2024": [{"clube": "CEARA SC"}]}`)

	source := &fakeSource{
		search: func(guess, date string) ([]bid.Contract, error) {
			require.Equal(t, "ABCD", guess)
			return []bid.Contract{contractDoc(t, doc)}, nil
		},
		history: func(code bid.Code, guess string) (json.RawMessage, error) {
			require.Equal(t, bid.Code("555"), code)
			return history, nil
		},
	}
	solver := &fakeSolver{}
	provider := &fakeProvider{name: "twitter"}

	svc, storage, _ := setup(t, source, solver, []social.Provider{provider}, Options{})
	ctx := context.Background()

	require.NoError(t, svc.RunCycle(ctx))

	require.EqualValues(t, 1, source.initCalls.Load())
	require.Equal(t, 1, source.searchCalls)
	require.Equal(t, 1, source.historyCalls)

	has, err := storage.HasHistory(ctx, contractDoc(t, doc))
	require.NoError(t, err)
	require.True(t, has)

	require.Equal(t, []string{"post copy"}, provider.posts)

	pending, err := storage.FindPending(ctx, "twitter", 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRunCycleDeduplicates(t *testing.T) {
	doc := `{"numero_contrato": "7002", "codigo_atleta": "556", "nome": "PEDRO"}`

	source := &fakeSource{
		search: func(guess, date string) ([]bid.Contract, error) {
			return []bid.Contract{contractDoc(t, doc)}, nil
		},
		history: func(code bid.Code, guess string) (json.RawMessage, error) {
			return json.RawMessage(`[{"ano": 2023}]`), nil
		},
	}
	provider := &fakeProvider{name: "threads"}

	svc, storage, _ := setup(t, source, &fakeSolver{}, []social.Provider{provider}, Options{})
	ctx := context.Background()

	require.NoError(t, svc.RunCycle(ctx))
	require.NoError(t, svc.RunCycle(ctx))

	// the second sighting of the same contract is not a new
	// discovery: no second enrichment, no second post
	require.Equal(t, 1, source.historyCalls)
	require.Len(t, provider.posts, 1)

	count, err := storage.PostedCount(ctx, "threads")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestSearchExhaustionReturnsEmpty(t *testing.T) {
	source := &fakeSource{
		search: func(guess, date string) ([]bid.Contract, error) {
			return nil, fmt.Errorf("%w: captcha refused", challenge.ErrRejected)
		},
	}

	svc, _, _ := setup(t, source, &fakeSolver{}, nil, Options{SearchAttempts: 3})

	results, err := svc.Search(context.Background(), "15/08/2026")
	require.NoError(t, err)
	require.NotNil(t, results)
	require.Empty(t, results)
	require.Equal(t, 3, source.searchCalls)
}

func TestEnrichSkipsStoredHistory(t *testing.T) {
	c := contractDoc(t, `{"numero_contrato": "7003", "codigo_atleta": "557", "nome": "LUCAS"}`)

	source := &fakeSource{}
	svc, storage, _ := setup(t, source, &fakeSolver{}, nil, Options{})
	ctx := context.Background()

	require.NoError(t, storage.SaveHistory(ctx, c, json.RawMessage(`{"2022": []}`)))

	require.NoError(t, svc.EnrichAthlete(ctx, c))
	require.Zero(t, source.captchaCalls)
	require.Zero(t, source.historyCalls)
}

func TestEnrichSkipsMissingAthleteCode(t *testing.T) {
	source := &fakeSource{}
	svc, _, _ := setup(t, source, &fakeSolver{}, nil, Options{})

	c := contractDoc(t, `{"numero_contrato": "7004", "nome": "SEM CODIGO"}`)
	require.NoError(t, svc.EnrichAthlete(context.Background(), c))
	require.Zero(t, source.historyCalls)
}

func TestSyncSocialFailStop(t *testing.T) {
	source := &fakeSource{}
	broken := &fakeProvider{name: "twitter"}
	broken.publish = func(text string) (string, error) {
		if len(broken.posts) >= 1 {
			return "", fmt.Errorf("twitter: rate limited")
		}
		return "tw_1", nil
	}
	healthy := &fakeProvider{name: "mail"}

	svc, storage, slept := setup(
		t, source, &fakeSolver{},
		[]social.Provider{broken, healthy},
		Options{},
	)
	ctx := context.Background()

	docs := []string{
		`{"numero_contrato": "1", "nome": "A"}`,
		`{"numero_contrato": "2", "nome": "B"}`,
		`{"numero_contrato": "3", "nome": "C"}`,
	}
	var contracts []bid.Contract
	for _, doc := range docs {
		contracts = append(contracts, contractDoc(t, doc))
	}
	_, err := storage.SaveContracts(ctx, contracts)
	require.NoError(t, err)

	svc.SyncSocial(ctx)

	// the broken provider stops after its first failure but the
	// healthy one still drains its whole page
	require.Len(t, broken.posts, 1)
	require.Len(t, healthy.posts, 3)

	brokenCount, err := storage.PostedCount(ctx, "twitter")
	require.NoError(t, err)
	require.EqualValues(t, 1, brokenCount)

	healthyCount, err := storage.PostedCount(ctx, "mail")
	require.NoError(t, err)
	require.EqualValues(t, 3, healthyCount)

	// throttle pauses sit between posts, never after the last one:
	// one before twitter's failed second post, two between mail's
	// three posts
	require.Equal(t, []time.Duration{
		time.Second * 65, time.Second * 65, time.Second * 65,
	}, *slept)
}

func TestSyncSocialRespectsPendingLimit(t *testing.T) {
	provider := &fakeProvider{name: "threads"}
	svc, storage, _ := setup(
		t, &fakeSource{}, &fakeSolver{},
		[]social.Provider{provider},
		Options{PendingLimit: 2},
	)
	ctx := context.Background()

	var contracts []bid.Contract
	for i := 0; i < 4; i++ {
		doc := fmt.Sprintf(`{"numero_contrato": "%d", "nome": "N%d"}`, 100+i, i)
		contracts = append(contracts, contractDoc(t, doc))
	}
	_, err := storage.SaveContracts(ctx, contracts)
	require.NoError(t, err)

	svc.SyncSocial(ctx)
	require.Len(t, provider.posts, 2)

	svc.SyncSocial(ctx)
	require.Len(t, provider.posts, 4)
}

func TestPostTextFallsBackOnEngineFailure(t *testing.T) {
	solver := &fakeSolver{
		text: func(prompt string) (string, error) {
			return "", fmt.Errorf("generate: out of quota")
		},
	}
	svc, _, _ := setup(t, &fakeSource{}, solver, nil, Options{})

	c := contractDoc(t, `{
		"numero_contrato": "7005",
		"nome": "MARCOS VINICIUS",
		"apelido": "MARQUINHOS",
		"tipocontrato": "Profissional"
	}`)

	text := svc.postText(context.Background(), c)
	require.Equal(t, "BID Publicado: MARCOS VINICIUS (MARQUINHOS) - Profissional. #FortalezaEC", text)
}

func TestPostPrompt(t *testing.T) {
	c := contractDoc(t, `{
		"numero_contrato": "7006",
		"nome": "RAFAEL",
		"apelido": "RAFA",
		"tipocontrato": "Profissional",
		"data_nascimento": "2000-03-10",
		"historico": {"2023": [{"clube": "SPORT"}]}
	}`)

	prompt := postPrompt(c)
	require.Contains(t, prompt, "Leão do BID")
	require.Contains(t, prompt, "RAFAEL (RAFA)")
	require.Contains(t, prompt, "Profissional")
	require.Contains(t, prompt, "Idade:")
	require.Contains(t, prompt, `"SPORT"`)
	require.Contains(t, prompt, "#FortalezaEC")

	noBirth := contractDoc(t, `{"numero_contrato": "7007", "nome": "BRUNO"}`)
	require.NotContains(t, postPrompt(noBirth), "Idade:")
}

func TestFallbackPost(t *testing.T) {
	plain := contractDoc(t, `{"numero_contrato": "1", "nome": "ANA"}`)
	require.Equal(t, "BID Publicado: ANA. #FortalezaEC", fallbackPost(plain))

	typed := contractDoc(t, `{"numero_contrato": "2", "nome": "BIA", "tipocontrato": "Amador"}`)
	require.Equal(t, "BID Publicado: BIA - Amador. #FortalezaEC", fallbackPost(typed))
}

func TestRunStopsOnCancel(t *testing.T) {
	source := &fakeSource{}
	svc, _, _ := setup(t, source, &fakeSolver{}, nil, Options{
		CycleDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return source.initCalls.Load() >= 2 }, time.Second*5, time.Millisecond*5)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("Run did not stop after cancellation")
	}
}
