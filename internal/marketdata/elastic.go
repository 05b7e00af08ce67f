package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"valuation-pipeline/internal/common/database"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"
)

// Searcher is satisfied by *database.ElasticsearchClient.
type Searcher interface {
	Search(ctx context.Context, index string, query map[string]interface{}) ([]database.SearchHit, error)
}

// ElasticComps reads comparable sales from a search index, newest first.
type ElasticComps struct {
	es    Searcher
	index string
}

func NewElasticComps(es Searcher, index string) *ElasticComps {
	return &ElasticComps{es: es, index: index}
}

type compDoc struct {
	Market     string  `json:"market"`
	Submarket  string  `json:"submarket"`
	Price      float64 `json:"price"`
	BuildingSF float64 `json:"building_sf"`
	CapRate    float64 `json:"cap_rate"`
	SaleDate   string  `json:"sale_date"`
	YearBuilt  *int    `json:"year_built"`
	Verified   bool    `json:"verified"`
	Location   *geoDoc `json:"location"`
}

type geoDoc struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (e *ElasticComps) Comps(ctx context.Context, market string, count int) ([]models.Comparable, error) {
	query := map[string]interface{}{
		"size": count,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"market": strings.ToUpper(market)}},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"sale_date": map[string]interface{}{"order": "desc"}},
		},
	}

	hits, err := e.es.Search(ctx, e.index, query)
	if err != nil {
		return nil, apperrors.NewExternalServiceError("elasticsearch", err)
	}

	out := make([]models.Comparable, 0, len(hits))
	for _, h := range hits {
		var doc compDoc
		if err := json.Unmarshal(h.Source, &doc); err != nil {
			continue
		}
		sold, err := parseSaleDate(doc.SaleDate)
		if err != nil {
			continue
		}
		c := models.Comparable{
			ID:         h.ID,
			Market:     doc.Market,
			Submarket:  doc.Submarket,
			Price:      doc.Price,
			BuildingSF: doc.BuildingSF,
			CapRate:    doc.CapRate,
			SaleDate:   sold,
			YearBuilt:  doc.YearBuilt,
			Verified:   doc.Verified,
		}
		if doc.Location != nil {
			lat, lon := doc.Location.Lat, doc.Location.Lon
			c.Latitude, c.Longitude = &lat, &lon
		}
		out = append(out, c)
	}
	return out, nil
}

func parseSaleDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
