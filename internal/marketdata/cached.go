package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"valuation-pipeline/internal/common/breaker"
	"valuation-pipeline/internal/common/cache"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"
)

type Freshness string

const (
	Fresh   Freshness = "FRESH"
	Stale   Freshness = "STALE"
	Missing Freshness = "MISSING"
)

// Windows are the per-category freshness limits.
type Windows struct {
	Macro        time.Duration
	Fundamentals time.Duration
	Comps        time.Duration
}

func DefaultWindows() Windows {
	return Windows{
		Macro:        7 * 24 * time.Hour,
		Fundamentals: 90 * 24 * time.Hour,
		Comps:        180 * 24 * time.Hour,
	}
}

func (w Windows) For(category cache.Category) time.Duration {
	switch category {
	case cache.CategoryMacro:
		return w.Macro
	case cache.CategoryFundamentals:
		return w.Fundamentals
	case cache.CategoryComps:
		return w.Comps
	}
	return 0
}

// Classify compares the age of asOf against the category window. A zero
// window means the category is never stale.
func (w Windows) Classify(category cache.Category, asOf, now time.Time) Freshness {
	if asOf.IsZero() {
		return Missing
	}
	win := w.For(category)
	if win > 0 && now.Sub(asOf) > win {
		return Stale
	}
	return Fresh
}

// Meta is attached to every result of CachedProvider.
type Meta struct {
	Source    string
	AsOf      time.Time
	FetchedAt time.Time
	Freshness Freshness
	// Degraded is set when a cached value was served in place of a failed
	// or skipped live fetch.
	Degraded bool
}

func (m Meta) Provenance() models.DataProvenance {
	return models.DataProvenance{Source: m.Source, AsOf: m.AsOf, Freshness: string(m.Freshness)}
}

// CachedProvider puts each data category behind the shared cache and a
// breaker named marketdata:<category>.
type CachedProvider struct {
	inner    Provider
	cache    *cache.Cache
	breakers *breaker.Registry
	windows  Windows
	now      func() time.Time
}

func NewCachedProvider(inner Provider, c *cache.Cache, breakers *breaker.Registry, windows Windows) *CachedProvider {
	return &CachedProvider{inner: inner, cache: c, breakers: breakers, windows: windows, now: time.Now}
}

func BreakerName(category cache.Category) string { return "marketdata:" + string(category) }

func (p *CachedProvider) Macro(ctx context.Context) (models.MacroSnapshot, Meta, error) {
	v, meta, err := fetch(ctx, p, cache.CategoryMacro, MacroKey(), p.inner.Macro)
	if err != nil {
		return v, meta, err
	}
	meta.Source, meta.AsOf = v.Source, v.AsOf
	meta.Freshness = p.windows.Classify(cache.CategoryMacro, v.AsOf, p.now())
	return v, meta, nil
}

func (p *CachedProvider) Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, Meta, error) {
	v, meta, err := fetch(ctx, p, cache.CategoryFundamentals, FundamentalsKey(market), func(ctx context.Context) (models.MarketFundamentals, error) {
		return p.inner.Fundamentals(ctx, market)
	})
	if err != nil {
		return v, meta, err
	}
	meta.Source, meta.AsOf = v.Source, v.AsOf
	meta.Freshness = p.windows.Classify(cache.CategoryFundamentals, v.AsOf, p.now())
	return v, meta, nil
}

// Comps is keyed by market and count. AsOf is the newest sale in the set.
func (p *CachedProvider) Comps(ctx context.Context, market string, count int) ([]models.Comparable, Meta, error) {
	key := fmt.Sprintf("comps:%s:%d", strings.ToUpper(market), count)
	v, meta, err := fetch(ctx, p, cache.CategoryComps, key, func(ctx context.Context) ([]models.Comparable, error) {
		return p.inner.Comps(ctx, market, count)
	})
	if err != nil {
		return v, meta, err
	}
	meta.Source = "comps:" + strings.ToUpper(market)
	for _, c := range v {
		if c.SaleDate.After(meta.AsOf) {
			meta.AsOf = c.SaleDate
		}
	}
	meta.Freshness = p.windows.Classify(cache.CategoryComps, meta.AsOf, p.now())
	return v, meta, nil
}

func (p *CachedProvider) Backtest(ctx context.Context, market string) ([]models.BacktestPoint, Meta, error) {
	v, meta, err := fetch(ctx, p, cache.CategoryBacktest, BacktestKey(market), func(ctx context.Context) ([]models.BacktestPoint, error) {
		return p.inner.Backtest(ctx, market)
	})
	if err != nil {
		return v, meta, err
	}
	meta.Source = "store:" + BacktestKey(market)
	meta.Freshness = Fresh
	return v, meta, nil
}

// AllOpen reports whether every market data breaker is open.
func (p *CachedProvider) AllOpen() bool {
	return p.breakers.AllOpen("marketdata:")
}

func fetch[T any](ctx context.Context, p *CachedProvider, category cache.Category, key string, load func(ctx context.Context) (T, error)) (T, Meta, error) {
	br := p.breakers.Get(BreakerName(category))
	v, cm, err := cache.Fetch(ctx, p.cache, category, key, func(ctx context.Context) (T, error) {
		var out T
		var missing error
		err := br.Execute(ctx, func(ctx context.Context) error {
			var lerr error
			out, lerr = load(ctx)
			// Absent data is an answer from a healthy dependency.
			if apperrors.CodeOf(lerr) == apperrors.ErrCodeDataUnavailable {
				missing = lerr
				return nil
			}
			return lerr
		})
		if err == nil {
			err = missing
		}
		return out, err
	})
	if err != nil {
		if e, ok := p.cache.Peek(key); ok {
			if cached, ok := e.Value.(T); ok {
				return cached, Meta{FetchedAt: e.FetchedAt, Degraded: true}, nil
			}
		}
		var zero T
		return zero, Meta{Freshness: Missing}, err
	}
	return v, Meta{FetchedAt: cm.FetchedAt, Degraded: cm.Stale}, nil
}
