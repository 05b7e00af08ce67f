package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "valuation-pipeline/internal/common/errors"
	commonhttp "valuation-pipeline/internal/common/http"
	"valuation-pipeline/internal/models"
)

// HTTPConnector reads a JSON listing feed: GET {base_url}?limit=N.
type HTTPConnector struct {
	name    string
	baseURL string
	apiKey  string
	client  commonhttp.Doer
	now     func() time.Time
}

func NewHTTPConnector(name, baseURL, apiKey string, client commonhttp.Doer) *HTTPConnector {
	return &HTTPConnector{name: name, baseURL: baseURL, apiKey: apiKey, client: client, now: time.Now}
}

func (c *HTTPConnector) Name() string { return c.name }

type feedResponse struct {
	Listings []feedListing `json:"listings"`
}

type feedListing struct {
	ID        string   `json:"id"`
	Street    string   `json:"street"`
	City      string   `json:"city"`
	State     string   `json:"state"`
	Zip       string   `json:"zip"`
	Market    string   `json:"market"`
	Submarket string   `json:"submarket"`
	Type      string   `json:"type"`
	SqFt      float64  `json:"sqft"`
	YearBuilt *int     `json:"year_built"`
	NOI       *float64 `json:"noi"`
	Price     *float64 `json:"price"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

func (c *HTTPConnector) Fetch(ctx context.Context, limit int) ([]models.RawProperty, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("connector %s: bad base url: %v", c.name, err))
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalServiceError(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := apperrors.NewExternalServiceError(c.name, fmt.Errorf("feed returned %d", resp.StatusCode))
		se.Retryable = commonhttp.Retryable(resp.StatusCode)
		return nil, se
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.NewExternalServiceError(c.name, fmt.Errorf("decode feed: %w", err))
	}

	fetchedAt := c.now().UTC()
	out := make([]models.RawProperty, 0, len(body.Listings))
	for _, l := range body.Listings {
		out = append(out, models.RawProperty{
			Source:       c.name,
			SourceID:     l.ID,
			FetchedAt:    fetchedAt,
			Address:      l.Street,
			City:         l.City,
			State:        l.State,
			PostalCode:   l.Zip,
			Market:       l.Market,
			Submarket:    l.Submarket,
			PropertyType: l.Type,
			BuildingSF:   l.SqFt,
			YearBuilt:    l.YearBuilt,
			NOIAnnual:    l.NOI,
			AskingPrice:  l.Price,
			Latitude:     l.Lat,
			Longitude:    l.Lng,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
