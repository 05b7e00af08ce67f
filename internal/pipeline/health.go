package pipeline

import (
	"sort"

	"valuation-pipeline/internal/common/breaker"
	"valuation-pipeline/internal/models"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

type Health struct {
	Status       string             `json:"status"`
	Breakers     map[string]string  `json:"breakers"`
	OpenBreakers []string           `json:"open_breakers,omitempty"`
	CacheEntries int                `json:"cache_entries"`
	ActiveRuns   int                `json:"active_runs"`
	LastRun      *models.RunSummary `json:"last_run,omitempty"`
}

// Health reports breaker states, cache size and the last finished run.
// Any open breaker makes the service degraded.
func (o *Orchestrator) Health() Health {
	h := Health{Status: HealthOK, Breakers: map[string]string{}}

	collect := func(states map[string]breaker.State) {
		for name, st := range states {
			h.Breakers[name] = st.String()
			if st == breaker.Open {
				h.OpenBreakers = append(h.OpenBreakers, name)
			}
		}
	}
	if o.deps.Breakers != nil {
		collect(o.deps.Breakers.States())
	}
	if o.deps.Dispatcher != nil {
		collect(o.deps.Dispatcher.BreakerStates())
	}
	sort.Strings(h.OpenBreakers)
	if len(h.OpenBreakers) > 0 {
		h.Status = HealthDegraded
	}
	if o.deps.Cache != nil {
		h.CacheEntries = o.deps.Cache.Len()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.runs {
		e.mu.Lock()
		if !e.run.Terminal() {
			h.ActiveRuns++
		}
		e.mu.Unlock()
	}
	if o.lastRun != nil {
		last := *o.lastRun
		h.LastRun = &last
	}
	return h
}
