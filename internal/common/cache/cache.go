// Package cache is the shared TTL cache in front of every external fetch.
// Entries past their TTL are still served while a single background refresh
// runs, and are dropped once they exceed the stale limit.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/metrics"

	"golang.org/x/sync/singleflight"
)

type Category string

const (
	CategoryRaw          Category = "raw"
	CategoryMacro        Category = "macro"
	CategoryFundamentals Category = "fundamentals"
	CategoryComps        Category = "comps"
	CategoryBacktest     Category = "backtest"
)

// Entry is one cached value. Entries are replaced, never mutated.
type Entry struct {
	Key       string
	Category  Category
	Value     interface{}
	FetchedAt time.Time
	TTL       time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.FetchedAt) >= e.TTL
}

// Remote is an optional second tier shared between replicas.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Options struct {
	TTLs map[Category]time.Duration
	// StaleFactor bounds how long past its TTL an entry may still be served,
	// as a multiple of the TTL. Zero means 10.
	StaleFactor    int
	RefreshTimeout time.Duration
	Remote         Remote
	Logger         logger.Logger
	Now            func() time.Time
}

type Cache struct {
	entries        sync.Map // key -> *Entry
	group          singleflight.Group
	ttls           map[Category]time.Duration
	staleFactor    int
	refreshTimeout time.Duration
	remote         Remote
	logger         logger.Logger
	now            func() time.Time
	refreshes      sync.WaitGroup
}

func New(opts Options) *Cache {
	c := &Cache{
		ttls:           opts.TTLs,
		staleFactor:    opts.StaleFactor,
		refreshTimeout: opts.RefreshTimeout,
		remote:         opts.Remote,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	if c.ttls == nil {
		c.ttls = map[Category]time.Duration{}
	}
	if c.staleFactor <= 0 {
		c.staleFactor = 10
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = logger.NewNoOpLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Cache) TTL(category Category) time.Duration {
	if ttl, ok := c.ttls[category]; ok && ttl > 0 {
		return ttl
	}
	return 5 * time.Minute
}

// Meta describes how a value was served.
type Meta struct {
	FetchedAt time.Time
	Hit       bool
	Stale     bool
}

// Peek returns the entry for key if it is still within the stale limit.
func (c *Cache) Peek(key string) (*Entry, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if c.now().Sub(e.FetchedAt) >= e.TTL*time.Duration(c.staleFactor) {
		c.entries.CompareAndDelete(key, e)
		return nil, false
	}
	return e, true
}

// Put stores value under key. An entry fetched earlier never overwrites a
// newer one.
func (c *Cache) Put(category Category, key string, value interface{}, fetchedAt time.Time) {
	c.store(&Entry{Key: key, Category: category, Value: value, FetchedAt: fetchedAt, TTL: c.TTL(category)})
}

func (c *Cache) store(e *Entry) {
	for {
		old, loaded := c.entries.LoadOrStore(e.Key, e)
		if !loaded {
			return
		}
		if old.(*Entry).FetchedAt.After(e.FetchedAt) {
			return
		}
		if c.entries.CompareAndSwap(e.Key, old, e) {
			return
		}
	}
}

func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}

func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Wait blocks until in-flight background refreshes finish.
func (c *Cache) Wait() {
	c.refreshes.Wait()
}

type envelope struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Value     json.RawMessage `json:"value"`
}

// Fetch returns the cached value for key, loading it on a miss. Concurrent
// misses for one key share a single load. An expired entry is returned
// immediately with Meta.Stale set while one refresh runs in the background.
func Fetch[T any](ctx context.Context, c *Cache, category Category, key string, load func(ctx context.Context) (T, error)) (T, Meta, error) {
	if e, ok := c.Peek(key); ok {
		if v, ok := e.Value.(T); ok {
			if !e.expired(c.now()) {
				metrics.CacheLookups.WithLabelValues(string(category), "hit").Inc()
				return v, Meta{FetchedAt: e.FetchedAt, Hit: true}, nil
			}
			metrics.CacheLookups.WithLabelValues(string(category), "stale").Inc()
			c.refreshInBackground(ctx, category, key, func(ctx context.Context) (interface{}, error) {
				return loadAndStore(ctx, c, category, key, load)
			})
			return v, Meta{FetchedAt: e.FetchedAt, Hit: true, Stale: true}, nil
		}
	}

	if c.remote != nil {
		if v, fetchedAt, ok := readRemote[T](ctx, c, key); ok {
			c.Put(category, key, v, fetchedAt)
			metrics.CacheLookups.WithLabelValues(string(category), "remote_hit").Inc()
			stale := c.now().Sub(fetchedAt) >= c.TTL(category)
			return v, Meta{FetchedAt: fetchedAt, Hit: true, Stale: stale}, nil
		}
	}

	metrics.CacheLookups.WithLabelValues(string(category), "miss").Inc()
	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		return loadAndStore(ctx, c, category, key, load)
	})
	if err != nil {
		var zero T
		return zero, Meta{}, err
	}
	e := res.(*Entry)
	return e.Value.(T), Meta{FetchedAt: e.FetchedAt}, nil
}

func loadAndStore[T any](ctx context.Context, c *Cache, category Category, key string, load func(ctx context.Context) (T, error)) (*Entry, error) {
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	e := &Entry{Key: key, Category: category, Value: v, FetchedAt: c.now(), TTL: c.TTL(category)}
	c.store(e)
	if c.remote != nil {
		writeRemote(ctx, c, e)
	}
	return e, nil
}

func (c *Cache) refreshInBackground(ctx context.Context, category Category, key string, fn func(ctx context.Context) (interface{}, error)) {
	c.refreshes.Add(1)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return fn(rctx)
	})
	go func() {
		defer c.refreshes.Done()
		res := <-ch
		if res.Err != nil {
			c.logger.Warn("background refresh failed, serving stale entry", map[string]interface{}{
				"key":      key,
				"category": string(category),
				"error":    res.Err.Error(),
			})
		}
	}()
}

func readRemote[T any](ctx context.Context, c *Cache, key string) (T, time.Time, bool) {
	var zero T
	raw, err := c.remote.Get(ctx, key)
	if err != nil || len(raw) == 0 {
		return zero, time.Time{}, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, time.Time{}, false
	}
	var v T
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return zero, time.Time{}, false
	}
	return v, env.FetchedAt, true
}

func writeRemote(ctx context.Context, c *Cache, e *Entry) {
	val, err := json.Marshal(e.Value)
	if err != nil {
		return
	}
	raw, err := json.Marshal(envelope{FetchedAt: e.FetchedAt, Value: val})
	if err != nil {
		return
	}
	if err := c.remote.Set(ctx, e.Key, raw, e.TTL*time.Duration(c.staleFactor)); err != nil {
		c.logger.Warn("remote cache write failed", map[string]interface{}{"key": e.Key, "error": err.Error()})
	}
}
