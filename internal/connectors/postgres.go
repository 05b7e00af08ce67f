package connectors

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"

	"github.com/lib/pq"
)

// PostgresConnector reads staged county assessor rows.
type PostgresConnector struct {
	name  string
	db    *sql.DB
	query string
	now   func() time.Time
}

func NewPostgresConnector(name string, db *sql.DB, table string) *PostgresConnector {
	query := "SELECT parcel_id, situs_address, city, state, zip, market, submarket, " +
		"land_use, building_sqft, year_built, noi, assessed_value, lat, lon " +
		"FROM " + pq.QuoteIdentifier(table) + " ORDER BY updated_at DESC LIMIT $1"
	return &PostgresConnector{name: name, db: db, query: query, now: time.Now}
}

func (c *PostgresConnector) Name() string { return c.name }

func (c *PostgresConnector) Fetch(ctx context.Context, limit int) ([]models.RawProperty, error) {
	rows, err := c.db.QueryContext(ctx, c.query, limit)
	if err != nil {
		return nil, apperrors.NewExternalServiceError(c.name, err)
	}
	defer rows.Close()

	fetchedAt := c.now().UTC()
	var out []models.RawProperty
	for rows.Next() {
		var (
			p                       models.RawProperty
			submarket, landUse      sql.NullString
			yearBuilt               sql.NullInt64
			noi, assessed, lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&p.SourceID, &p.Address, &p.City, &p.State, &p.PostalCode, &p.Market, &submarket,
			&landUse, &p.BuildingSF, &yearBuilt, &noi, &assessed, &lat, &lon); err != nil {
			return nil, apperrors.NewExternalServiceError(c.name, fmt.Errorf("scan: %w", err))
		}
		p.Source = c.name
		p.FetchedAt = fetchedAt
		p.Submarket = submarket.String
		p.PropertyType = landUse.String
		if yearBuilt.Valid {
			y := int(yearBuilt.Int64)
			p.YearBuilt = &y
		}
		p.NOIAnnual = nullFloat(noi)
		p.AskingPrice = nullFloat(assessed)
		p.Latitude = nullFloat(lat)
		p.Longitude = nullFloat(lon)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExternalServiceError(c.name, err)
	}
	return out, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
