// internal/workers/pipeline/estimate-property-value/config.go
package estimatepropertyvalue

import (
	"time"

	"valuation-pipeline/internal/common/config"
)

type Config struct {
	Timeout time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	c := &Config{Timeout: 30 * time.Second}
	if wc, ok := cfg.Workers[TaskType]; ok && wc.Timeout > 0 {
		c.Timeout = config.GetDuration(wc.Timeout)
	}
	return c
}
