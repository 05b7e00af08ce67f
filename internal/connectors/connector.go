// Package connectors fetches raw property records from external sources.
// Every source sits behind its own rate limiter and circuit breaker, and
// shares the raw-record cache.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"valuation-pipeline/internal/common/breaker"
	"valuation-pipeline/internal/common/cache"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/metrics"
	"valuation-pipeline/internal/models"

	"golang.org/x/time/rate"
)

// Connector is implemented once per external source. Implementations map the
// source's native shape into models.RawProperty.
type Connector interface {
	Name() string
	Fetch(ctx context.Context, limit int) ([]models.RawProperty, error)
}

// Batch is the result of one Registry fetch.
type Batch struct {
	Source    string
	Records   []models.RawProperty
	FetchedAt time.Time
	Stale     bool
	// Degraded is set when the live call failed and a cached batch was served.
	Degraded bool
}

type source struct {
	conn    Connector
	limiter *rate.Limiter
}

type Registry struct {
	sources     map[string]*source
	cache       *cache.Cache
	breakers    *breaker.Registry
	logger      logger.Logger
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

type RegistryOption func(*Registry)

// WithRetry sets the attempt budget for retryable upstream errors.
func WithRetry(maxAttempts int, baseDelay time.Duration) RegistryOption {
	return func(r *Registry) {
		r.maxAttempts = maxAttempts
		r.baseDelay = baseDelay
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) RegistryOption {
	return func(r *Registry) { r.sleep = fn }
}

func NewRegistry(c *cache.Cache, breakers *breaker.Registry, log logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		sources:     map[string]*source{},
		cache:       c,
		breakers:    breakers,
		logger:      log,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a connector limited to ratePerSecond with the given burst.
func (r *Registry) Register(conn Connector, ratePerSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	r.sources[conn.Name()] = &source{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Sources lists registered source names in a stable order.
func (r *Registry) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func BreakerName(source string) string { return "connector:" + source }

// Fetch implements fetch(source, limit).
func (r *Registry) Fetch(ctx context.Context, sourceName string, limit int) ([]models.RawProperty, error) {
	b, err := r.FetchBatch(ctx, sourceName, limit)
	if err != nil {
		return nil, err
	}
	return b.Records, nil
}

// FetchBatch fetches through cache, limiter and breaker. When the live call
// fails, any cached batch for the same key is served instead.
func (r *Registry) FetchBatch(ctx context.Context, sourceName string, limit int) (Batch, error) {
	src, ok := r.sources[sourceName]
	if !ok {
		return Batch{}, apperrors.NewValidationError(fmt.Sprintf("unknown source %q", sourceName))
	}
	if limit <= 0 {
		return Batch{}, apperrors.NewValidationError("limit must be positive")
	}

	key := fmt.Sprintf("raw:%s:%d", sourceName, limit)
	br := r.breakers.Get(BreakerName(sourceName))

	records, meta, err := cache.Fetch(ctx, r.cache, cache.CategoryRaw, key, func(ctx context.Context) ([]models.RawProperty, error) {
		return r.fetchLive(ctx, src, br, limit)
	})
	if err != nil {
		if e, ok := r.cache.Peek(key); ok {
			r.logger.Warn("serving cached batch after fetch failure", map[string]interface{}{
				"source": sourceName,
				"error":  err.Error(),
			})
			cached := e.Value.([]models.RawProperty)
			return Batch{Source: sourceName, Records: cached, FetchedAt: e.FetchedAt, Stale: true, Degraded: true}, nil
		}
		return Batch{}, err
	}

	metrics.ConnectorRecords.WithLabelValues(sourceName).Add(float64(len(records)))
	return Batch{Source: sourceName, Records: records, FetchedAt: meta.FetchedAt, Stale: meta.Stale}, nil
}

func (r *Registry) fetchLive(ctx context.Context, src *source, br *breaker.Breaker, limit int) ([]models.RawProperty, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := src.limiter.Wait(ctx); err != nil {
			return nil, apperrors.NewExternalServiceError(src.conn.Name(), err)
		}

		var out []models.RawProperty
		err := br.Execute(ctx, func(ctx context.Context) error {
			var ferr error
			out, ferr = src.conn.Fetch(ctx, limit)
			return ferr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err

		if apperrors.CodeOf(err) == apperrors.ErrCodeCircuitOpen || !apperrors.IsRetryable(err) || attempt == r.maxAttempts {
			break
		}
		delay := r.baseDelay * time.Duration(1<<(attempt-1))
		r.logger.Warn("connector fetch failed, retrying", map[string]interface{}{
			"source":  src.conn.Name(),
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			return nil, apperrors.NewExternalServiceError(src.conn.Name(), err)
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
