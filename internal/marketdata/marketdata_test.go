package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"valuation-pipeline/internal/common/breaker"
	"valuation-pipeline/internal/common/cache"
	"valuation-pipeline/internal/common/config"
	"valuation-pipeline/internal/common/database"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots map[string]persistence.Snapshot

func (f fakeSnapshots) ReadLatest(_ context.Context, key string) (persistence.Snapshot, error) {
	s, ok := f[key]
	if !ok {
		return persistence.Snapshot{}, persistence.ErrNotFound
	}
	return s, nil
}

type fakeComps struct {
	comps []models.Comparable
	err   error
	calls int
}

func (f *fakeComps) Comps(context.Context, string, int) ([]models.Comparable, error) {
	f.calls++
	return f.comps, f.err
}

var testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func createTestProvider(inner Provider, threshold int) *CachedProvider {
	c := cache.New(cache.Options{TTLs: map[cache.Category]time.Duration{
		cache.CategoryMacro: time.Hour, cache.CategoryComps: time.Hour,
	}})
	br := breaker.NewRegistry(breaker.Settings{FailureThreshold: threshold, Cooldown: time.Hour})
	p := NewCachedProvider(inner, c, br, DefaultWindows())
	p.now = func() time.Time { return testNow }
	return p
}

func TestSources_ReadsSnapshots(t *testing.T) {
	snaps := fakeSnapshots{
		"macro": {Key: "macro", Payload: []byte(`{"ten_year_treasury":0.043,"ten_year_treasury_year_ago":0.038}`), AsOf: testNow.AddDate(0, 0, -3)},
		"fundamentals:DFW": {Key: "fundamentals:DFW", Payload: []byte(`{"cap_rate_median_12m":0.064,"rent_per_sf":28}`), AsOf: testNow.AddDate(0, -4, 0)},
	}
	src := NewSources(&fakeComps{}, snaps)

	m, err := src.Macro(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.043, m.TenYearTreasury)
	assert.Equal(t, testNow.AddDate(0, 0, -3), m.AsOf)
	assert.Equal(t, "store:macro", m.Source)

	f, err := src.Fundamentals(context.Background(), "dfw")
	require.NoError(t, err)
	assert.Equal(t, "DFW", f.Market)
	assert.Equal(t, 0.064, f.CapRateMedian12M)

	_, err = src.Fundamentals(context.Background(), "AUS")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func TestCachedProvider_ClassifiesFreshness(t *testing.T) {
	snaps := fakeSnapshots{
		"macro":            {Payload: []byte(`{"ten_year_treasury":0.043}`), AsOf: testNow.AddDate(0, 0, -3)},
		"fundamentals:DFW": {Payload: []byte(`{"cap_rate_median_12m":0.064}`), AsOf: testNow.AddDate(0, -4, 0)},
	}
	comps := &fakeComps{comps: []models.Comparable{
		{ID: "c1", SaleDate: testNow.AddDate(0, -8, 0)},
		{ID: "c2", SaleDate: testNow.AddDate(0, -7, 0)},
	}}
	p := createTestProvider(NewSources(comps, snaps), 3)

	_, meta, err := p.Macro(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Fresh, meta.Freshness)

	_, meta, err = p.Fundamentals(context.Background(), "DFW")
	require.NoError(t, err)
	assert.Equal(t, Stale, meta.Freshness)

	_, meta, err = p.Comps(context.Background(), "DFW", 50)
	require.NoError(t, err)
	assert.Equal(t, Stale, meta.Freshness, "newest comp is 7 months old")
	assert.Equal(t, testNow.AddDate(0, -7, 0), meta.AsOf)

	_, _, err = p.Comps(context.Background(), "DFW", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, comps.calls)
}

func TestCachedProvider_MissingDataDoesNotTripBreaker(t *testing.T) {
	p := createTestProvider(NewSources(&fakeComps{}, fakeSnapshots{}), 1)

	_, meta, err := p.Fundamentals(context.Background(), "AUS")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
	assert.Equal(t, Missing, meta.Freshness)
	assert.Equal(t, breaker.Closed, p.breakers.Get(BreakerName(cache.CategoryFundamentals)).State())
}

func TestCachedProvider_OutageOpensBreaker(t *testing.T) {
	comps := &fakeComps{err: apperrors.NewExternalServiceError("elasticsearch", errors.New("timeout"))}
	p := createTestProvider(NewSources(comps, fakeSnapshots{}), 2)

	for i := 0; i < 2; i++ {
		_, _, err := p.Comps(context.Background(), "DFW", 10)
		require.Error(t, err)
	}
	_, _, err := p.Comps(context.Background(), "DFW", 10)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, 2, comps.calls)
	assert.False(t, p.AllOpen(), "the other categories have no breaker tripped")
}

func TestElasticComps_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		assert.Contains(t, r.URL.Path, "/comparables/_search")
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"s-1","_source":{"market":"DFW","submarket":"Uptown","price":30000000,"building_sf":150000,"cap_rate":0.061,"sale_date":"2024-02-15","year_built":2005,"verified":true,"location":{"lat":32.8,"lon":-96.8}}},
			{"_id":"s-2","_source":{"market":"DFW","price":12000000,"building_sf":60000,"cap_rate":0.066,"sale_date":"2023-11-01T00:00:00Z"}},
			{"_id":"bad","_source":{"market":"DFW","sale_date":"yesterday"}}
		]}}`))
	}))
	defer srv.Close()

	es, err := database.NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	got, err := NewElasticComps(es, "comparables").Comps(context.Background(), "dfw", 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s-1", got[0].ID)
	assert.Equal(t, 200.0, got[0].PricePerSF())
	require.NotNil(t, got[0].Latitude)
	assert.Nil(t, got[1].Latitude)
	assert.Equal(t, time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC), got[1].SaleDate)
}
