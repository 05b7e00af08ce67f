package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-pipeline/internal/common/breaker"
	"valuation-pipeline/internal/common/config"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/connectors"
	"valuation-pipeline/internal/enricher"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/normalizer"
	"valuation-pipeline/internal/persistence"
	"valuation-pipeline/internal/valuation"
	"valuation-pipeline/internal/webhook"
	"valuation-pipeline/pkg/registry"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func floatPtr(f float64) *float64 { return &f }

// --- fakes ---

type fakeFetcher struct {
	batches map[string][]models.RawProperty
	errs    map[string]error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeFetcher) Sources() []string {
	var out []string
	for s := range f.batches {
		out = append(out, s)
	}
	for s := range f.errs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, source string, limit int) (connectors.Batch, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	if err, ok := f.errs[source]; ok {
		return connectors.Batch{}, err
	}
	return connectors.Batch{Source: source, Records: f.batches[source], FetchedAt: testNow}, nil
}

type fakeData struct {
	down bool
}

func (d *fakeData) Macro(ctx context.Context) (models.MacroSnapshot, marketdata.Meta, error) {
	if d.down {
		return models.MacroSnapshot{}, marketdata.Meta{Freshness: marketdata.Missing}, apperrors.NewCircuitOpenError("marketdata:macro")
	}
	return models.MacroSnapshot{TenYearTreasury: 0.043, TenYearTreasuryYearAgo: 0.043, AsOf: testNow.AddDate(0, 0, -2), Source: "store:macro"},
		marketdata.Meta{Source: "store:macro", Freshness: marketdata.Fresh}, nil
}

func (d *fakeData) Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, marketdata.Meta, error) {
	if d.down {
		return models.MarketFundamentals{}, marketdata.Meta{Freshness: marketdata.Missing}, apperrors.NewCircuitOpenError("marketdata:fundamentals")
	}
	return models.MarketFundamentals{
		Market: market, CapRateMedian12M: 0.063, RentPerSF: 10, VacancyRate: 0.05, ExpenseRatio: 0.30,
		AsOf: testNow.AddDate(0, 0, -10), Source: "store:fundamentals:" + market,
	}, marketdata.Meta{Source: "store:fundamentals:" + market, Freshness: marketdata.Fresh}, nil
}

func (d *fakeData) Comps(ctx context.Context, market string, count int) ([]models.Comparable, marketdata.Meta, error) {
	if d.down {
		return nil, marketdata.Meta{Freshness: marketdata.Missing}, apperrors.NewCircuitOpenError("marketdata:comps")
	}
	caps := []float64{0.058, 0.059, 0.060, 0.061, 0.062, 0.063, 0.063, 0.064, 0.065, 0.066, 0.067, 0.068}
	out := make([]models.Comparable, len(caps))
	for i, c := range caps {
		out[i] = models.Comparable{
			ID: fmt.Sprintf("comp-%d", i), Market: market, Price: 3e7, BuildingSF: 200000,
			CapRate: c, SaleDate: testNow.AddDate(0, -2, 0),
		}
	}
	return out, marketdata.Meta{Source: "comps:" + market, Freshness: marketdata.Fresh}, nil
}

func (d *fakeData) Backtest(ctx context.Context, market string) ([]models.BacktestPoint, marketdata.Meta, error) {
	out := make([]models.BacktestPoint, 60)
	for i := range out {
		out[i] = models.BacktestPoint{Predicted: 1000 + float64(i+1), Actual: 1000}
	}
	return out, marketdata.Meta{Source: "store:backtest:" + market}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	writes    map[string]int
	failIDs   map[string]bool
	failTable string
}

func newFakeStore() *fakeStore { return &fakeStore{writes: map[string]int{}, failIDs: map[string]bool{}} }

func (s *fakeStore) BulkUpsert(ctx context.Context, table string, records []persistence.Record) (persistence.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table == s.failTable {
		return persistence.UpsertResult{}, apperrors.NewPersistenceError(table, errors.New("connection reset"))
	}
	var res persistence.UpsertResult
	for _, r := range records {
		if s.failIDs[r.ID] {
			res.Errors = append(res.Errors, persistence.RecordError{ID: r.ID, Err: apperrors.NewPersistenceError(table, errors.New("bad row"))})
			continue
		}
		res.Inserted++
		s.writes[table]++
	}
	return res, nil
}

func (s *fakeStore) ReadLatest(ctx context.Context, key string) (persistence.Snapshot, error) {
	return persistence.Snapshot{}, persistence.ErrNotFound
}

func (s *fakeStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[table]
}

type fakeAlerter struct {
	mu        sync.Mutex
	summaries []models.RunSummary
}

func (a *fakeAlerter) NotifyRun(ctx context.Context, s models.RunSummary) {
	a.mu.Lock()
	a.summaries = append(a.summaries, s)
	a.mu.Unlock()
}

// --- fixtures ---

func createTestRaws() map[string][]models.RawProperty {
	return map[string][]models.RawProperty{
		"county": {
			{Source: "county", SourceID: "c-1", FetchedAt: testNow.Add(-time.Hour), Address: "100 Main Street", PostalCode: "75201",
				Market: "DFW", BuildingSF: 200000, NOIAnnual: floatPtr(1200000), Latitude: floatPtr(32.9), Longitude: floatPtr(-96.9)},
			{Source: "county", SourceID: "c-2", FetchedAt: testNow, Address: "200 Elm Street", PostalCode: "75202",
				Market: "DFW", BuildingSF: 150000, NOIAnnual: floatPtr(900000), AskingPrice: floatPtr(14000000)},
		},
		"feed": {
			{Source: "feed", SourceID: "f-1", FetchedAt: testNow, Address: "100 Main St", PostalCode: "75201",
				Market: "dfw", BuildingSF: 200000, NOIAnnual: floatPtr(1250000)},
			{Source: "feed", SourceID: "f-2", FetchedAt: testNow, Address: "300 Oak Avenue", PostalCode: "75203",
				Market: "DFW", BuildingSF: 100000},
			{Source: "feed", SourceID: "f-3", FetchedAt: testNow, Address: "", Market: "DFW", BuildingSF: 1000},
		},
	}
}

type receiver struct {
	hits   int32
	status int
}

func (rc *receiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&rc.hits, 1)
		status := rc.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

type testEnv struct {
	orch     *Orchestrator
	store    *fakeStore
	alerter  *fakeAlerter
	receiver *receiver
	breakers *breaker.Registry
	fetcher  *fakeFetcher
	data     *fakeData
}

func createTestEnv(t *testing.T, webhookStatus int) *testEnv {
	t.Helper()
	rcv := &receiver{status: webhookStatus}
	srv := httptest.NewServer(rcv.handler())
	t.Cleanup(srv.Close)

	reg, err := registry.Default()
	require.NoError(t, err)
	docs, err := reg.EventSchemas()
	require.NoError(t, err)
	schemas, err := validation.CompileSchemas(docs)
	require.NoError(t, err)

	log := logger.NewNoOpLogger()
	data := &fakeData{}
	opts := valuation.DefaultOptions()
	opts.Now = func() time.Time { return testNow }

	env := &testEnv{
		store:    newFakeStore(),
		alerter:  &fakeAlerter{},
		receiver: rcv,
		breakers: breaker.NewRegistry(breaker.Settings{}),
		fetcher:  &fakeFetcher{batches: createTestRaws()},
		data:     data,
	}
	dispatcher := webhook.NewDispatcher(http.DefaultClient, schemas, webhook.Options{
		URL: srv.URL, Secret: "s3cret", MaxAttempts: 2,
		Breaker: breaker.Settings{FailureThreshold: 100},
		Sleep: func(ctx context.Context, d time.Duration) error { return nil },
	}, log)

	env.orch = New(Deps{
		Connectors: env.fetcher,
		Normalizer: normalizer.New(normalizer.NewCentroidGeocoder(map[string][2]float64{"DFW": {32.8, -96.8}})),
		Enricher:   enricher.New(data, log),
		Valuer:     valuation.NewService(data, valuation.NewEstimator(opts), 200, nil, log),
		Macro:      data,
		Store:      env.store,
		Dispatcher: dispatcher,
		Alerter:    env.alerter,
		Breakers:   env.breakers,
		Logger:     log,
	}, Options{Concurrency: 4})
	return env
}

func stage(s models.RunSummary, st models.Stage) models.StageSummary {
	for _, x := range s.Stages {
		if x.Stage == st {
			return x
		}
	}
	return models.StageSummary{}
}

// --- tests ---

func TestRun_CompletesAllStages(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)

	summary, err := env.orch.Run(context.Background(), models.RunConfig{EnableWebhooks: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, summary.Status)
	assert.Empty(t, summary.FailReason)
	assert.Len(t, summary.Stages, 7)

	ing := stage(summary, models.StageIngestion)
	assert.Equal(t, 2, ing.Succeeded)

	norm := stage(summary, models.StageNormalization)
	assert.Equal(t, 5, norm.Attempted)
	assert.Equal(t, 4, norm.Succeeded)
	require.Len(t, norm.Errors, 1)
	assert.Equal(t, "VALIDATION_ERROR", norm.Errors[0].Code)
	assert.Equal(t, summary.RunID, norm.Errors[0].RunID)

	for _, st := range []models.Stage{models.StageEnrichment, models.StageValuation, models.StageScoring, models.StagePersistence, models.StageWebhooks} {
		s := stage(summary, st)
		assert.Equal(t, 3, s.Attempted, st)
		assert.Equal(t, 3, s.Succeeded, st)
		assert.False(t, s.Simulated, st)
	}

	assert.Equal(t, models.WebhookCounts{Queued: 3, Delivered: 3}, summary.Webhooks)
	assert.Equal(t, int32(3), atomic.LoadInt32(&env.receiver.hits))
	assert.Equal(t, 3, env.store.count(persistence.TableProperties))
	assert.Equal(t, 3, env.store.count(persistence.TableValuations))
	assert.Equal(t, 3, env.store.count(persistence.TableScores))
	assert.Equal(t, 1, env.store.count(persistence.TablePipelineRuns))

	results, ok := env.orch.Results(summary.RunID)
	require.True(t, ok)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Persisted)
		require.NotNil(t, r.Score)
		assert.Equal(t, models.ValuationFresh, r.Valuation.Status)
	}

	got, ok := env.orch.Get(summary.RunID)
	require.True(t, ok)
	assert.Equal(t, models.RunCompleted, got.Status)
}

func TestRun_DryRunMatchesLive(t *testing.T) {
	live := createTestEnv(t, http.StatusOK)
	dry := createTestEnv(t, http.StatusOK)

	liveSummary, err := live.orch.Run(context.Background(), models.RunConfig{EnableWebhooks: true})
	require.NoError(t, err)
	drySummary, err := dry.orch.Run(context.Background(), models.RunConfig{EnableWebhooks: true, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, drySummary.Status)
	assert.True(t, drySummary.DryRun)
	assert.True(t, stage(drySummary, models.StagePersistence).Simulated)
	assert.Equal(t, 3, stage(drySummary, models.StagePersistence).Succeeded)
	assert.True(t, stage(drySummary, models.StageWebhooks).Simulated)
	assert.Equal(t, 3, drySummary.Webhooks.Simulated)
	assert.Zero(t, drySummary.Webhooks.Delivered)

	// no side effects at all
	assert.Zero(t, atomic.LoadInt32(&dry.receiver.hits))
	for _, table := range []string{persistence.TableProperties, persistence.TableValuations, persistence.TableScores, persistence.TablePipelineRuns} {
		assert.Zero(t, dry.store.count(table), table)
	}

	liveResults, _ := live.orch.Results(liveSummary.RunID)
	dryResults, _ := dry.orch.Results(drySummary.RunID)
	require.Len(t, dryResults, len(liveResults))
	for i := range liveResults {
		lv, dv := *liveResults[i].Valuation, *dryResults[i].Valuation
		lv.RunID, dv.RunID = "", ""
		ls, ds := *liveResults[i].Score, *dryResults[i].Score
		ls.RunID, ds.RunID = "", ""
		assert.Equal(t, liveResults[i].PropertyID, dryResults[i].PropertyID)
		assert.Equal(t, lv, dv)
		assert.Equal(t, ls, ds)
	}
}

func TestRun_PersistenceFailureBlocksWebhook(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)
	failing := normalizerID(t, "200 Elm Street", "75202")
	env.store.failIDs[failing] = true

	summary, err := env.orch.Run(context.Background(), models.RunConfig{EnableWebhooks: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, summary.Status)
	p := stage(summary, models.StagePersistence)
	assert.Equal(t, 2, p.Succeeded)
	assert.Equal(t, 1, p.Failed)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, failing, p.Errors[0].PropertyID)
	assert.Equal(t, "PERSISTENCE_ERROR", p.Errors[0].Code)

	assert.Equal(t, 2, summary.Webhooks.Delivered)
	assert.Equal(t, int32(2), atomic.LoadInt32(&env.receiver.hits))
}

func TestRun_WholeTableFailureContinues(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)
	env.store.failTable = persistence.TableScores

	summary, err := env.orch.Run(context.Background(), models.RunConfig{EnableWebhooks: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, summary.Status)
	assert.Equal(t, 3, stage(summary, models.StagePersistence).Failed)
	assert.Zero(t, stage(summary, models.StageWebhooks).Attempted)
	assert.Zero(t, atomic.LoadInt32(&env.receiver.hits))
}

func TestRun_WebhookFailuresAreAccounted(t *testing.T) {
	env := createTestEnv(t, http.StatusServiceUnavailable)

	summary, err := env.orch.Run(context.Background(), models.RunConfig{EnableWebhooks: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, summary.Status)
	assert.Equal(t, models.WebhookCounts{Queued: 3, Failed: 3}, summary.Webhooks)
	wh := stage(summary, models.StageWebhooks)
	assert.Equal(t, 3, wh.Failed)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", wh.Errors[0].Code)
	// two attempts each before giving up
	assert.Equal(t, int32(6), atomic.LoadInt32(&env.receiver.hits))
}

func TestRun_SkipStages(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)

	summary, err := env.orch.Run(context.Background(), models.RunConfig{
		EnableWebhooks: true,
		SkipStages:     []models.Stage{models.StageScoring, models.StageEnrichment},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, summary.Status)
	assert.True(t, stage(summary, models.StageScoring).Skipped)
	assert.True(t, stage(summary, models.StageEnrichment).Skipped)
	// without enrichment only source NOIs can be valued
	v := stage(summary, models.StageValuation)
	assert.Equal(t, 3, v.Attempted)
	assert.Equal(t, 2, v.Succeeded)
	assert.Zero(t, env.store.count(persistence.TableScores))
	assert.Zero(t, atomic.LoadInt32(&env.receiver.hits))
}

func TestRun_WebhooksDisabled(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)

	summary, err := env.orch.Run(context.Background(), models.RunConfig{})
	require.NoError(t, err)

	assert.True(t, stage(summary, models.StageWebhooks).Skipped)
	assert.Zero(t, atomic.LoadInt32(&env.receiver.hits))
}

func TestRun_EverySourceFails(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)
	env.fetcher.batches = nil
	env.fetcher.errs = map[string]error{
		"county": apperrors.NewCircuitOpenError("connector:county"),
		"feed":   apperrors.NewExternalServiceError("feed", errors.New("timeout")),
	}

	summary, err := env.orch.Run(context.Background(), models.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, summary.Status)
	assert.Contains(t, summary.FailReason, "every source failed")
	assert.Len(t, summary.Stages, 1)
	require.Len(t, env.alerter.summaries, 1)
	assert.Equal(t, models.RunFailed, env.alerter.summaries[0].Status)
}

func TestRun_MarketDataOutageFailsRun(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)
	env.data.down = true
	for _, c := range []string{"macro", "fundamentals", "comps", "backtest"} {
		br := env.breakers.Get("marketdata:" + c)
		for i := 0; i < 5; i++ {
			gen, _ := br.Allow()
			br.Failure(gen)
		}
	}

	summary, err := env.orch.Run(context.Background(), models.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, summary.Status)
	assert.False(t, summary.Aborted)
	assert.Contains(t, summary.FailReason, "total external outage")
	assert.Zero(t, env.store.count(persistence.TableValuations))

	h := env.orch.Health()
	assert.Equal(t, HealthDegraded, h.Status)
	assert.Contains(t, h.OpenBreakers, "marketdata:comps")
	require.NotNil(t, h.LastRun)
	assert.Equal(t, summary.RunID, h.LastRun.RunID)
}

func TestSubmit_Abort(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)
	env.fetcher.block = make(chan struct{})
	env.fetcher.started = make(chan struct{})

	runID, err := env.orch.Submit(context.Background(), models.RunConfig{EnableWebhooks: true})
	require.NoError(t, err)
	<-env.fetcher.started
	require.NoError(t, env.orch.Abort(runID))
	close(env.fetcher.block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := env.orch.Wait(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, summary.Status)
	assert.True(t, summary.Aborted)
	assert.Contains(t, summary.FailReason, "aborted")
	// ingestion finished, nothing after it started
	assert.Equal(t, 2, stage(summary, models.StageIngestion).Succeeded)
	assert.Len(t, summary.Stages, 1)
	assert.Zero(t, env.store.count(persistence.TableProperties))
	assert.Zero(t, atomic.LoadInt32(&env.receiver.hits))

	err = env.orch.Abort(runID)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestRun_Validation(t *testing.T) {
	env := createTestEnv(t, http.StatusOK)

	_, err := env.orch.Run(context.Background(), models.RunConfig{Sources: []string{"nowhere"}})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = env.orch.Run(context.Background(), models.RunConfig{SkipStages: []models.Stage{"teleport"}})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = env.orch.Run(context.Background(), models.RunConfig{RunID: "fixed"})
	require.NoError(t, err)
	_, err = env.orch.Run(context.Background(), models.RunConfig{RunID: "fixed"})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(env.orch.Abort("missing")))
}

func TestRunRequest_Resolve(t *testing.T) {
	defaults := config.PipelineConfig{MaxProperties: 100, EnableWebhooks: true, SkipStages: []string{"webhooks"}, Sources: []string{"county"}}
	no := false
	max := 5

	cfg, err := RunRequest{}.Resolve(defaults)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxProperties)
	assert.True(t, cfg.EnableWebhooks)
	assert.Equal(t, []models.Stage{models.StageWebhooks}, cfg.SkipStages)
	assert.Equal(t, []string{"county"}, cfg.Sources)

	cfg, err = RunRequest{RunID: "r1", MaxProperties: &max, EnableWebhooks: &no, SkipStages: []string{"Scoring"}}.Resolve(defaults)
	require.NoError(t, err)
	assert.Equal(t, "r1", cfg.RunID)
	assert.Equal(t, 5, cfg.MaxProperties)
	assert.False(t, cfg.EnableWebhooks)
	assert.Equal(t, []models.Stage{models.StageScoring}, cfg.SkipStages)

	_, err = RunRequest{SkipStages: []string{"scoring", "bogus"}}.Resolve(defaults)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func normalizerID(t *testing.T, address, postal string) string {
	t.Helper()
	return normalizer.PropertyID(normalizer.DedupeKey(normalizer.CanonicalAddress(address), postal, "DFW"))
}
