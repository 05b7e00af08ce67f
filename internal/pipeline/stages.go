package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/metrics"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/normalizer"
	"valuation-pipeline/internal/persistence"
	"valuation-pipeline/internal/scoring"
	"valuation-pipeline/internal/valuation"
	"valuation-pipeline/internal/webhook"
)

const EventValuationScored = "valuation.scored"

// item carries one property through the stages. Each item is only touched
// by the goroutine processing it, so it needs no lock.
type item struct {
	normalized models.NormalizedProperty
	enriched   *models.EnrichedProperty
	valuation  *models.Valuation
	score      *models.Score
	persisted  bool
}

type runState struct {
	o   *Orchestrator
	e   *runEntry
	cfg models.RunConfig
	log logger.Logger

	mu    sync.Mutex
	raws  []models.RawProperty
	items []*item
}

type stageFunc func(ctx context.Context, res *models.StageResult) string

// execute runs every stage in order and returns a failure reason, or ""
// when the run completed.
func (r *runState) execute(ctx context.Context) string {
	steps := []struct {
		stage models.Stage
		run   stageFunc
	}{
		{models.StageIngestion, r.ingest},
		{models.StageNormalization, r.normalize},
		{models.StageEnrichment, r.enrich},
		{models.StageValuation, r.value},
		{models.StageScoring, r.score},
		{models.StagePersistence, r.persist},
		{models.StageWebhooks, r.deliver},
	}

	for _, step := range steps {
		if r.e.aborted.Load() {
			return fmt.Sprintf("run aborted before %s", step.stage)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Sprintf("run stopped before %s: %v", step.stage, err)
		}

		res := r.begin(step.stage)
		if r.skipped(step.stage) {
			r.e.mu.Lock()
			res.Skipped = true
			r.e.mu.Unlock()
			if step.stage == models.StageEnrichment {
				r.passThroughEnrichment()
			}
			continue
		}

		start := time.Now()
		reason := step.run(ctx, res)
		elapsed := time.Since(start)
		r.e.mu.Lock()
		res.Duration = elapsed
		r.e.mu.Unlock()
		metrics.StageDuration.WithLabelValues(string(step.stage)).Observe(elapsed.Seconds())

		if reason != "" {
			return reason
		}
		if r.e.aborted.Load() {
			return fmt.Sprintf("run aborted during %s", step.stage)
		}
	}
	return ""
}

func (r *runState) skipped(st models.Stage) bool {
	if r.cfg.Skips(st) {
		return true
	}
	return st == models.StageWebhooks && (!r.cfg.EnableWebhooks || r.o.deps.Dispatcher == nil)
}

func (r *runState) begin(st models.Stage) *models.StageResult {
	res := &models.StageResult{Stage: st}
	r.e.mu.Lock()
	r.e.run.Stages[st] = res
	r.e.mu.Unlock()
	return res
}

func (r *runState) attempt(res *models.StageResult) {
	r.e.mu.Lock()
	res.Attempted++
	r.e.mu.Unlock()
}

func (r *runState) succeed(res *models.StageResult) {
	r.e.mu.Lock()
	res.Succeeded++
	r.e.mu.Unlock()
	metrics.StageRecords.WithLabelValues(string(res.Stage), "succeeded").Inc()
}

func (r *runState) fail(res *models.StageResult, propertyID, source string, err error) {
	se := apperrors.AsStandard(err)
	r.e.mu.Lock()
	res.Failed++
	res.Errors = append(res.Errors, models.StageError{
		RunID:      r.cfg.RunID,
		Stage:      res.Stage,
		PropertyID: propertyID,
		Source:     source,
		Code:       string(se.Code),
		Message:    err.Error(),
	})
	r.e.mu.Unlock()
	metrics.StageRecords.WithLabelValues(string(res.Stage), "failed").Inc()
	r.log.Warn("Stage failed for record", map[string]interface{}{
		"stage":      res.Stage,
		"propertyId": propertyID,
		"source":     source,
		"code":       se.Code,
		"error":      err.Error(),
	})
}

// forEach runs fn over items on the bounded pool. Items not yet started
// when the run is aborted are left alone.
func (r *runState) forEach(ctx context.Context, items []*item, fn func(ctx context.Context, it *item)) {
	var g errgroup.Group
	g.SetLimit(r.o.opts.Concurrency)
	for _, it := range items {
		if r.e.aborted.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
}

func totalFailure(res *models.StageResult) string {
	if res.Attempted > 0 && res.Succeeded == 0 {
		return fmt.Sprintf("every record failed %s", res.Stage)
	}
	return ""
}

func (r *runState) ingest(ctx context.Context, res *models.StageResult) string {
	sources := r.cfg.Sources
	if len(sources) == 0 {
		sources = r.o.deps.Connectors.Sources()
	}
	limit := r.cfg.MaxProperties
	if limit <= 0 {
		limit = r.o.opts.DefaultLimit
	}

	// each connector has its own rate limiter, so sources run side by side
	var g errgroup.Group
	for _, src := range sources {
		r.attempt(res)
		g.Go(func() error {
			batch, err := r.o.deps.Connectors.FetchBatch(ctx, src, limit)
			if err != nil {
				r.fail(res, "", src, apperrors.WithRunID(err, r.cfg.RunID))
				return nil
			}
			if batch.Degraded {
				r.log.Warn("Ingested cached batch after source failure", map[string]interface{}{
					"source": src, "fetchedAt": batch.FetchedAt,
				})
			}
			r.mu.Lock()
			r.raws = append(r.raws, batch.Records...)
			r.mu.Unlock()
			r.succeed(res)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(r.raws, func(i, j int) bool {
		if r.raws[i].Source != r.raws[j].Source {
			return r.raws[i].Source < r.raws[j].Source
		}
		return r.raws[i].SourceID < r.raws[j].SourceID
	})
	r.log.Info("Ingestion finished", map[string]interface{}{"sources": len(sources), "records": len(r.raws)})
	if res.Attempted > 0 && res.Succeeded == 0 {
		return "every source failed ingestion"
	}
	return ""
}

func (r *runState) normalize(ctx context.Context, res *models.StageResult) string {
	out := make([]*models.NormalizedProperty, len(r.raws))
	var g errgroup.Group
	g.SetLimit(r.o.opts.Concurrency)
	for i, raw := range r.raws {
		if r.e.aborted.Load() || ctx.Err() != nil {
			break
		}
		r.attempt(res)
		g.Go(func() error {
			p, err := r.o.deps.Normalizer.Normalize(ctx, raw)
			if err != nil {
				r.fail(res, raw.SourceID, raw.Source, apperrors.WithRunID(err, r.cfg.RunID))
				return nil
			}
			out[i] = &p
			r.succeed(res)
			return nil
		})
	}
	_ = g.Wait()

	props := make([]models.NormalizedProperty, 0, len(out))
	for _, p := range out {
		if p != nil {
			props = append(props, *p)
		}
	}
	deduped := normalizer.Dedupe(props)
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].ID < deduped[j].ID })
	if r.cfg.MaxProperties > 0 && len(deduped) > r.cfg.MaxProperties {
		deduped = deduped[:r.cfg.MaxProperties]
	}
	if dropped := len(props) - len(deduped); dropped > 0 {
		r.log.Info("Dropped duplicate or excess properties", map[string]interface{}{"dropped": dropped})
	}

	r.items = make([]*item, len(deduped))
	for i, p := range deduped {
		r.items[i] = &item{normalized: p}
	}
	return totalFailure(res)
}

func (r *runState) enrich(ctx context.Context, res *models.StageResult) string {
	r.forEach(ctx, r.items, func(ctx context.Context, it *item) {
		r.attempt(res)
		enriched, err := r.o.deps.Enricher.Enrich(ctx, it.normalized)
		if err != nil {
			r.fail(res, it.normalized.ID, it.normalized.Raw.Source, apperrors.WithRunID(err, r.cfg.RunID))
			return
		}
		it.enriched = &enriched
		r.succeed(res)
	})
	return totalFailure(res)
}

// passThroughEnrichment stands in for a skipped enrichment stage: only
// properties whose source supplied an NOI can be valued.
func (r *runState) passThroughEnrichment() {
	for _, it := range r.items {
		enriched := models.EnrichedProperty{NormalizedProperty: it.normalized}
		if noi := it.normalized.Raw.NOIAnnual; noi != nil {
			enriched.NOIAnnual = *noi
		}
		it.enriched = &enriched
	}
}

func (r *runState) value(ctx context.Context, res *models.StageResult) string {
	priced := 0
	var mu sync.Mutex
	r.forEach(ctx, r.withEnrichment(), func(ctx context.Context, it *item) {
		r.attempt(res)
		p := it.enriched
		req := valuation.Request{
			PropertyID:        p.ID,
			RunID:             r.cfg.RunID,
			Market:            strings.ToUpper(p.Market()),
			Submarket:         p.Submarket(),
			BuildingSF:        p.Raw.BuildingSF,
			NOIAnnual:         p.NOIAnnual,
			YearBuilt:         p.Raw.YearBuilt,
			Latitude:          &p.Geocode.Latitude,
			Longitude:         &p.Geocode.Longitude,
			ConfirmStaleComps: r.cfg.ConfirmStaleComps,
		}
		v, err := r.o.deps.Valuer.Value(ctx, req)
		if err != nil {
			r.fail(res, p.ID, p.Raw.Source, err)
			return
		}
		it.valuation = v
		if v.Status != models.ValuationInsufficientData {
			mu.Lock()
			priced++
			mu.Unlock()
		}
		r.succeed(res)
	})

	if reason := totalFailure(res); reason != "" {
		return reason
	}
	if res.Attempted > 0 && priced == 0 && r.o.deps.Breakers != nil && r.o.deps.Breakers.AllOpen("marketdata:") {
		return "total external outage: every market data breaker is open"
	}
	return ""
}

func (r *runState) score(ctx context.Context, res *models.StageResult) string {
	treasury := 0.0
	if r.o.deps.Macro != nil {
		m, _, err := r.o.deps.Macro.Macro(ctx)
		if err != nil {
			r.log.Warn("Macro snapshot unavailable for scoring", map[string]interface{}{"error": err.Error()})
		} else {
			treasury = m.TenYearTreasury
		}
	}

	for _, it := range r.items {
		if r.e.aborted.Load() {
			break
		}
		v := it.valuation
		if v == nil || v.Status == models.ValuationInsufficientData {
			continue
		}
		r.attempt(res)
		s := scoring.Score(scoring.Input{
			Valuation:       v,
			MarketCapRate:   it.enriched.Fundamentals.CapRateMedian12M,
			TenYearTreasury: treasury,
			AskingPrice:     it.enriched.Raw.AskingPrice,
			CompCapRates:    v.CompCapRates,
		})
		if s == nil {
			r.fail(res, v.PropertyID, it.enriched.Raw.Source, apperrors.NewDataUnavailableError("valuation", "no priced valuation to score"))
			continue
		}
		it.score = s
		r.succeed(res)
	}
	return totalFailure(res)
}

// persist writes properties, valuations and scores in batches. A property
// counts as persisted only when all of its rows were written. Dry runs
// count every property as written without touching the store.
func (r *runState) persist(ctx context.Context, res *models.StageResult) string {
	var valued []*item
	for _, it := range r.items {
		if it.valuation != nil {
			valued = append(valued, it)
		}
	}

	if r.cfg.DryRun || r.o.deps.Store == nil {
		r.e.mu.Lock()
		res.Simulated = true
		res.Attempted = len(valued)
		res.Succeeded = len(valued)
		r.e.mu.Unlock()
		for _, it := range valued {
			it.persisted = true
		}
		return ""
	}

	owner := map[string]string{}
	tables := map[string][]persistence.Record{}
	for _, it := range valued {
		id := it.normalized.ID
		owner[id] = id
		tables[persistence.TableProperties] = append(tables[persistence.TableProperties],
			persistence.Record{ID: id, RunID: r.cfg.RunID, Payload: it.enriched})

		vid := r.cfg.RunID + ":" + id
		owner[vid] = id
		tables[persistence.TableValuations] = append(tables[persistence.TableValuations],
			persistence.Record{ID: vid, RunID: r.cfg.RunID, Payload: it.valuation})
		if it.score != nil {
			tables[persistence.TableScores] = append(tables[persistence.TableScores],
				persistence.Record{ID: vid, RunID: r.cfg.RunID, Payload: it.score})
		}
	}

	failed := map[string]error{}
	for _, table := range []string{persistence.TableProperties, persistence.TableValuations, persistence.TableScores} {
		records := tables[table]
		if len(records) == 0 {
			continue
		}
		result, err := r.o.deps.Store.BulkUpsert(ctx, table, records)
		if err != nil {
			for _, rec := range records {
				if _, seen := failed[owner[rec.ID]]; !seen {
					failed[owner[rec.ID]] = err
				}
			}
			continue
		}
		for _, re := range result.Errors {
			if _, seen := failed[owner[re.ID]]; !seen {
				failed[owner[re.ID]] = re.Err
			}
		}
	}

	for _, it := range valued {
		r.attempt(res)
		if err, bad := failed[it.normalized.ID]; bad {
			r.fail(res, it.normalized.ID, it.normalized.Raw.Source, apperrors.WithRunID(err, r.cfg.RunID))
			continue
		}
		it.persisted = true
		r.succeed(res)
	}
	// persistence failures are flagged for reprocessing and never fail the run
	return ""
}

// deliver dispatches one event per persisted, scored property and waits for
// every delivery to succeed or exhaust its retries.
func (r *runState) deliver(ctx context.Context, res *models.StageResult) string {
	var eligible []*item
	for _, it := range r.items {
		if it.persisted && it.score != nil {
			eligible = append(eligible, it)
		}
	}

	if r.cfg.DryRun {
		r.e.mu.Lock()
		res.Simulated = true
		res.Attempted = len(eligible)
		res.Succeeded = len(eligible)
		r.e.run.Webhooks.Simulated = len(eligible)
		r.e.mu.Unlock()
		return ""
	}

	handles := make([]*webhook.Handle, 0, len(eligible))
	for _, it := range eligible {
		if r.e.aborted.Load() {
			break
		}
		r.attempt(res)
		event := models.ScoredEvent{
			EventType:  EventValuationScored,
			EventID:    uuid.NewString(),
			RunID:      r.cfg.RunID,
			PropertyID: it.normalized.ID,
			OccurredAt: r.o.opts.Now().UTC(),
			Valuation:  it.valuation,
			Score:      it.score,
		}
		h, err := r.o.deps.Dispatcher.Dispatch(ctx, EventValuationScored, r.cfg.RunID, it.normalized.ID, event)
		if err != nil {
			r.e.mu.Lock()
			r.e.run.Webhooks.Rejected++
			r.e.mu.Unlock()
			r.fail(res, it.normalized.ID, "", err)
			continue
		}
		r.e.mu.Lock()
		r.e.run.Webhooks.Queued++
		r.e.mu.Unlock()
		handles = append(handles, h)
	}

	wait := context.WithoutCancel(ctx)
	for _, h := range handles {
		ev, _ := h.Wait(wait)
		if ev.DeliveryStatus == models.DeliveryDelivered {
			r.e.mu.Lock()
			r.e.run.Webhooks.Delivered++
			r.e.mu.Unlock()
			r.succeed(res)
			continue
		}
		r.e.mu.Lock()
		r.e.run.Webhooks.Failed++
		r.e.mu.Unlock()
		r.fail(res, ev.PropertyID, "", apperrors.WithRunID(
			apperrors.NewExternalServiceError("webhook", fmt.Errorf("%s after %d attempts", ev.LastError, ev.AttemptCount)),
			r.cfg.RunID))
	}
	return ""
}

func (r *runState) withEnrichment() []*item {
	out := make([]*item, 0, len(r.items))
	for _, it := range r.items {
		if it.enriched != nil {
			out = append(out, it)
		}
	}
	return out
}

func (r *runState) results() []Result {
	out := make([]Result, 0, len(r.items))
	for _, it := range r.items {
		if it.valuation == nil {
			continue
		}
		out = append(out, Result{
			PropertyID: it.normalized.ID,
			Valuation:  it.valuation,
			Score:      it.score,
			Persisted:  it.persisted,
		})
	}
	return out
}
