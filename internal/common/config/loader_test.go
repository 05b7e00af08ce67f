package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
database:
  postgres:
    host: localhost
    database: valuations
    user: pipeline
  elasticsearch:
    addresses: ["http://localhost:9200"]
workers:
  estimate-property-value:
    enabled: true
connectors:
  county:
    enabled: true
    kind: postgres
    table: county_parcels
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "http://localhost:9200", cfg.Database.Elasticsearch.URL)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, 30*time.Minute, GetDuration(cfg.Pipeline.RunTimeout))
	assert.Equal(t, 8, cfg.Valuation.MinComps)
	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 16, cfg.Webhook.MaxInFlight)
	assert.Equal(t, ":8080", cfg.HTTP.Address)

	county := cfg.Connectors["county"]
	assert.Equal(t, 500, county.Limit)
	assert.Equal(t, 5.0, county.RatePerSecond)

	wc := GetWorkerConfig(cfg, "estimate-property-value")
	assert.True(t, wc.Enabled)
	assert.Equal(t, 30000, wc.Timeout)

	fallback := GetWorkerConfig(cfg, "unknown")
	assert.Equal(t, 5, fallback.MaxJobsActive)
}

func TestLoadFromFile_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PG_PASSWORD", "s3cret")
	t.Setenv("WEBHOOK_SECRET", "whsec")

	cfg, err := LoadFromFile(writeConfig(t, minimalConfig+"webhook:\n  url: http://hooks.local/events\n"))
	require.NoError(t, err)
	assert.Equal(t, "whsec", cfg.Webhook.Secret)

	cfg, err = LoadFromFile(writeConfig(t, `
database:
  postgres:
    host: localhost
    database: valuations
    user: pipeline
    password: ${TEST_PG_PASSWORD}
  elasticsearch:
    url: http://localhost:9200
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Postgres.Password)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing postgres host",
			body: "database:\n  elasticsearch:\n    url: http://es\n",
			want: "database.postgres.host",
		},
		{
			name: "redis required when enabled",
			body: minimalConfig + "cache:\n  use_redis: true\n",
			want: "database.redis.address",
		},
		{
			name: "webhooks need a url",
			body: minimalConfig + "pipeline:\n  enable_webhooks: true\n",
			want: "webhook.url",
		},
		{
			name: "too many webhook attempts",
			body: minimalConfig + "webhook:\n  max_attempts: 9\n",
			want: "webhook.max_attempts",
		},
		{
			name: "unknown connector kind",
			body: minimalConfig + "  feed:\n    kind: ftp\n",
			want: "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
