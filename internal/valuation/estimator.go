package valuation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"valuation-pipeline/internal/common/cache"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
)

// Estimator is a pure function of its request, inputs and clock.
type Estimator struct {
	opts Options
}

func NewEstimator(opts Options) *Estimator {
	return &Estimator{opts: opts.withDefaults()}
}

func (e *Estimator) Options() Options { return e.opts }

// Estimate values one property. Malformed requests return a validation
// error. Missing evidence is not an error: it comes back as an
// INSUFFICIENT_DATA valuation carrying the reason as a warning.
func (e *Estimator) Estimate(ctx context.Context, req Request, in Inputs) (*models.Valuation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	now := e.opts.Now().UTC()
	v := &models.Valuation{
		PropertyID: req.PropertyID,
		RunID:      req.RunID,
		Market:     strings.ToUpper(req.Market),
		ValuedAt:   now,
	}
	w := &warnings{}

	comps := rejectOutliers(in.Comps, func(c models.Comparable) float64 { return monthsBetween(c.SaleDate, now) })
	n := len(comps)
	v.ValidComps = n
	v.Provenance = e.provenance(in, comps, now)

	winsorize(comps)
	slopes := trendSlopes(comps)
	if n > 0 && !timeAdjust(comps, slopes) {
		w.add(models.WarnTrendUnavailable)
	}
	kept := trimTails(comps)
	assignWeights(kept, req)
	points := adjustedPoints(kept)

	hw, calibrated := conformalHalfWidth(in.Backtest, e.opts.BacktestMinPoints, e.opts.DefaultBand)
	if !calibrated {
		w.add(models.WarnUncalibratedBand)
	}
	if in.Fundamentals == nil {
		w.add(models.WarnMissingFundamentals)
	}
	if in.Macro == nil {
		w.add(models.WarnMissingMacro)
	}

	var compCap float64
	if n >= e.opts.MinComps {
		compCap = weightedMedian(points)
	} else {
		w.add(models.WarnLowCompCount)
		if n == 0 {
			w.add(models.WarnNoUsableComparables)
		}
		switch {
		case in.Fundamentals != nil && in.Fundamentals.CapRateMedian12M > 0:
			compCap = clamp(in.Fundamentals.CapRateMedian12M, MinCapRate, MaxCapRate)
		case n > 0:
			compCap = recentMedian(comps)
		default:
			return e.insufficient(v, w), nil
		}
		hw = math.Max(e.opts.DefaultBand, hw) + lowCompWidenPerComp*float64(e.opts.MinComps-n)
	}

	iqr := 0.0
	if len(kept) >= 2 {
		iqr = weightedIQR(points)
		if iqr > wideSpreadIQR {
			hw += wideSpreadWiden
			w.add(models.WarnWideSpread)
		}
	}

	staleComps := n > 0 && allOlderThan(comps, float64(e.opts.StaleCompMonths))
	if staleComps {
		if !req.ConfirmStaleComps {
			w.add(models.WarnStaleConfirmation)
			return e.insufficient(v, w), nil
		}
		hw += staleCompWiden
		w.add(models.WarnStaleComps)
	}
	hw = math.Min(hw, maxHalfWidth)

	compValue := req.NOIAnnual / compCap
	point := compValue
	compConf := math.Max(0.1, clamp01(1-hw)*math.Min(1, float64(n)/float64(e.opts.MinComps)))
	incomeCap, incomeValue, haveIncome := e.incomeEngine(req, in)
	incomeConf := e.incomeConfidence(in, now)
	disagree := false
	if haveIncome && math.Abs(compValue-incomeValue)/compValue > disagreementMax {
		disagree = true
		w.add(models.WarnEngineDisagreement)
		point = (compConf*compValue + incomeConf*incomeValue) / (compConf + incomeConf)
	}

	v.Point = point
	v.Low = point * (1 - hw)
	v.High = point * (1 + hw)
	v.HalfWidth = hw
	v.CapRateApplied = req.NOIAnnual / point
	v.Confidence = e.confidence(hw, n, disagree, in, comps, now)
	v.TopComps = e.topComps(kept)
	v.CompCapRates = make([]float64, len(kept))
	for i, c := range kept {
		v.CompCapRates[i] = c.capRate
	}

	fundFresh := e.freshness(cache.CategoryFundamentals, fundamentalsAsOf(in), now)
	macroFresh := e.freshness(cache.CategoryMacro, macroAsOf(in), now)
	compsFresh := e.freshness(cache.CategoryComps, newestSale(comps), now)
	if fundFresh == marketdata.Stale {
		w.add(models.WarnStaleFundamentals)
	}
	if macroFresh == marketdata.Stale {
		w.add(models.WarnStaleMacro)
	}
	if in.degraded() {
		w.add(models.WarnDegradedExternalFetch)
	}

	v.Status = models.ValuationFresh
	// a valuation with no usable comps rests on the market median alone
	if staleComps || n == 0 || in.degraded() ||
		fundFresh != marketdata.Fresh || macroFresh != marketdata.Fresh || compsFresh == marketdata.Stale {
		v.Status = models.ValuationStaleData
	}
	v.Warnings = w.list

	if req.Debug {
		trend := make(map[string]float64, len(slopes))
		for m, s := range slopes {
			trend[m] = s * 12 * 10000
		}
		v.Diagnostics = map[string]interface{}{
			"trend_bps_per_year":       trend,
			"weighted_iqr":             iqr,
			"comp_cap_rate":            compCap,
			"comp_value":               compValue,
			"comp_engine_confidence":   compConf,
			"income_cap_rate":          incomeCap,
			"income_value":             incomeValue,
			"income_engine_confidence": incomeConf,
			"trimmed":                  n - len(kept),
			"band_calibrated":          calibrated,
		}
	}
	return v, nil
}

func (e *Estimator) insufficient(v *models.Valuation, w *warnings) *models.Valuation {
	v.Status = models.ValuationInsufficientData
	v.Point, v.Low, v.High = 0, 0, 0
	v.Confidence = 0
	v.Warnings = w.list
	return v
}

// incomeEngine values the property at the market median cap rate moved by
// part of the year-over-year change in the 10-year treasury.
func (e *Estimator) incomeEngine(req Request, in Inputs) (float64, float64, bool) {
	if in.Fundamentals == nil || in.Fundamentals.CapRateMedian12M <= 0 {
		return 0, 0, false
	}
	c := in.Fundamentals.CapRateMedian12M
	if in.Macro != nil {
		c += e.opts.RatePassThrough * (in.Macro.TenYearTreasury - in.Macro.TenYearTreasuryYearAgo)
	}
	c = clamp(c, MinCapRate, MaxCapRate)
	return c, req.NOIAnnual / c, true
}

func (e *Estimator) incomeConfidence(in Inputs, now time.Time) float64 {
	conf := 0.5
	if e.freshness(cache.CategoryFundamentals, fundamentalsAsOf(in), now) != marketdata.Fresh {
		conf *= 0.5
	}
	switch e.freshness(cache.CategoryMacro, macroAsOf(in), now) {
	case marketdata.Stale:
		conf *= 0.75
	case marketdata.Missing:
		conf *= 0.5
	}
	return conf
}

// confidence starts at 1 minus the band half-width and applies penalties in
// a fixed order, clamping to [0,1] after each: staleness of comps, then
// fundamentals, then macro, then low sample size, then engine disagreement.
func (e *Estimator) confidence(hw float64, n int, disagree bool, in Inputs, comps []*scoredComp, now time.Time) float64 {
	conf := clamp01(1 - hw)
	conf = clamp01(conf - penaltyStaleComps*staleness(newestSale(comps), e.opts.Windows.Comps, now))
	conf = clamp01(conf - penaltyStaleFundamentals*staleness(fundamentalsAsOf(in), e.opts.Windows.Fundamentals, now))
	conf = clamp01(conf - penaltyStaleMacro*staleness(macroAsOf(in), e.opts.Windows.Macro, now))
	if n < e.opts.MinComps {
		conf = clamp01(conf - penaltyPerMissingComp*float64(e.opts.MinComps-n))
	}
	if disagree {
		conf = clamp01(conf - penaltyDisagreement)
	}
	return conf
}

// staleness is 1 - e^(-age/window): it keeps growing with age and only
// approaches 1. Missing data counts as fully stale.
func staleness(asOf time.Time, window time.Duration, now time.Time) float64 {
	if asOf.IsZero() || window <= 0 {
		return 1
	}
	age := now.Sub(asOf)
	if age < 0 {
		age = 0
	}
	return 1 - math.Exp(-float64(age)/float64(window))
}

func (e *Estimator) freshness(category cache.Category, asOf, now time.Time) marketdata.Freshness {
	return e.opts.Windows.Classify(category, asOf, now)
}

func (e *Estimator) provenance(in Inputs, comps []*scoredComp, now time.Time) map[string]models.DataProvenance {
	entry := func(meta marketdata.Meta, category cache.Category, asOf time.Time) models.DataProvenance {
		source := meta.Source
		if source == "" && !asOf.IsZero() {
			source = string(category)
		}
		return models.DataProvenance{Source: source, AsOf: asOf, Freshness: string(e.freshness(category, asOf, now))}
	}
	backtestFresh := marketdata.Missing
	if len(in.Backtest) > 0 {
		backtestFresh = marketdata.Fresh
	}
	return map[string]models.DataProvenance{
		"comps":        entry(in.CompsMeta, cache.CategoryComps, newestSale(comps)),
		"fundamentals": entry(in.FundamentalsMeta, cache.CategoryFundamentals, fundamentalsAsOf(in)),
		"macro":        entry(in.MacroMeta, cache.CategoryMacro, macroAsOf(in)),
		"backtest":     {Source: in.BacktestMeta.Source, AsOf: in.BacktestMeta.FetchedAt, Freshness: string(backtestFresh)},
	}
}

// topComps returns the heaviest comps with identifiers reduced to a short
// hash.
func (e *Estimator) topComps(kept []*scoredComp) []models.CompContribution {
	sorted := make([]*scoredComp, len(kept))
	copy(sorted, kept)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].weight != sorted[j].weight {
			return sorted[i].weight > sorted[j].weight
		}
		return sorted[i].comp.ID < sorted[j].comp.ID
	})
	if len(sorted) > e.opts.TopN {
		sorted = sorted[:e.opts.TopN]
	}
	out := make([]models.CompContribution, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, models.NewCompContribution(MaskID(c.comp.ID), c.comp.Submarket, c.comp.SaleDate,
			c.capRate, c.adjusted, c.ppsf, c.weight))
	}
	return out
}

// MaskID reduces a comp identifier to the first 8 hex characters of its
// SHA-256.
func MaskID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:8]
}

// recentMedian is the median cap rate of comps sold in the last 12 months,
// or of all comps when none are that recent.
func recentMedian(comps []*scoredComp) float64 {
	recent := make(stats.Float64Data, 0, len(comps))
	all := make(stats.Float64Data, 0, len(comps))
	for _, c := range comps {
		all = append(all, c.capRate)
		if c.monthsAgo <= 12 {
			recent = append(recent, c.capRate)
		}
	}
	if len(recent) == 0 {
		recent = all
	}
	m, _ := stats.Median(recent)
	return m
}

func allOlderThan(comps []*scoredComp, months float64) bool {
	for _, c := range comps {
		if c.monthsAgo <= months {
			return false
		}
	}
	return len(comps) > 0
}

func newestSale(comps []*scoredComp) time.Time {
	var t time.Time
	for _, c := range comps {
		if c.comp.SaleDate.After(t) {
			t = c.comp.SaleDate
		}
	}
	return t
}

func fundamentalsAsOf(in Inputs) time.Time {
	if in.Fundamentals == nil {
		return time.Time{}
	}
	return in.Fundamentals.AsOf
}

func macroAsOf(in Inputs) time.Time {
	if in.Macro == nil {
		return time.Time{}
	}
	return in.Macro.AsOf
}

func monthsBetween(from, to time.Time) float64 {
	m := to.Sub(from).Hours() / 24 / daysPerMonth
	if m < 0 {
		return 0
	}
	return m
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

type warnings struct {
	list []string
}

func (w *warnings) add(flag string) {
	for _, f := range w.list {
		if f == flag {
			return
		}
	}
	w.list = append(w.list, flag)
}
