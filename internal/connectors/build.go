package connectors

import (
	"database/sql"
	"fmt"

	"valuation-pipeline/internal/common/config"
	commonhttp "valuation-pipeline/internal/common/http"
)

// RegisterFromConfig builds and registers every enabled connector.
func (r *Registry) RegisterFromConfig(cfgs map[string]config.ConnectorConfig, db *sql.DB) error {
	for name, c := range cfgs {
		if !c.Enabled {
			continue
		}
		var conn Connector
		switch c.Kind {
		case "http":
			conn = NewHTTPConnector(name, c.BaseURL, c.APIKey, commonhttp.NewClient(config.GetDuration(c.Timeout)))
		case "postgres":
			if db == nil {
				return fmt.Errorf("connector %s needs a postgres handle", name)
			}
			conn = NewPostgresConnector(name, db, c.Table)
		default:
			return fmt.Errorf("connector %s: unsupported kind %q", name, c.Kind)
		}
		r.Register(conn, c.RatePerSecond, c.Burst)
	}
	return nil
}
