// Package breaker implements the circuit breaker placed in front of every
// external dependency.
package breaker

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/metrics"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Settings struct {
	// FailureThreshold consecutive failures inside Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	Now              func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
	// generation changes on every state transition
	generation   uint64
}

func New(name string, settings Settings) *Breaker {
	b := &Breaker{name: name, settings: settings.withDefaults()}
	metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

func newUnregistered(name string, settings Settings) *Breaker {
	return &Breaker{name: name, settings: settings.withDefaults()}
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, moving OPEN to HALF_OPEN once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Allow reserves a call and returns the generation it was admitted under.
// It returns a CIRCUIT_OPEN error while the breaker is open, or while a
// half-open probe is already in flight.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case Open:
		return b.generation, apperrors.NewCircuitOpenError(b.name)
	case HalfOpen:
		if b.probing {
			return b.generation, apperrors.NewCircuitOpenError(b.name)
		}
		b.probing = true
	}
	return b.generation, nil
}

// Success records a call admitted under gen. Outcomes of calls admitted
// before the last state change are ignored.
func (b *Breaker) Success(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	if gen != b.generation {
		return
	}
	b.failures = 0
	b.probing = false
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// Failure records a failed call admitted under gen.
func (b *Breaker) Failure(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	if gen != b.generation {
		return
	}
	now := b.settings.Now()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.trip(now)
		return
	case Open:
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.settings.Window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.settings.FailureThreshold {
		b.trip(now)
	}
}

// RetryAfter is the time left before an OPEN breaker admits a probe. It is
// zero in every other state.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	if b.state != Open {
		return 0
	}
	return b.settings.Cooldown - b.settings.Now().Sub(b.openedAt)
}

// Execute runs fn when the breaker allows it and records the outcome.
// Context cancellation is not counted as a dependency failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	switch {
	case err == nil:
		b.Success(gen)
	case ctx.Err() != nil:
		b.release(gen)
	default:
		b.Failure(gen)
	}
	return err
}

func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	if gen == b.generation {
		b.probing = false
	}
	b.mu.Unlock()
}

func (b *Breaker) trip(now time.Time) {
	b.failures = 0
	b.openedAt = now
	b.setState(Open)
}

func (b *Breaker) refresh() {
	if b.state == Open && b.settings.Now().Sub(b.openedAt) >= b.settings.Cooldown {
		b.setState(HalfOpen)
	}
}

func (b *Breaker) setState(s State) {
	b.state = s
	b.generation++
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}

// Registry hands out one breaker per name. Breakers are created on first use.
type Registry struct {
	settings Settings
	breakers sync.Map // name -> *Breaker
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{settings: settings}
}

func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b.(*Breaker)
	}
	b, loaded := r.breakers.LoadOrStore(name, newUnregistered(name, r.settings))
	if !loaded {
		metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	}
	return b.(*Breaker)
}

// States snapshots every breaker's state, keyed by name.
func (r *Registry) States() map[string]State {
	out := map[string]State{}
	r.breakers.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*Breaker).State()
		return true
	})
	return out
}

// AllOpen reports whether at least one breaker with the prefix exists and
// every one of them is OPEN.
func (r *Registry) AllOpen(prefix string) bool {
	seen, allOpen := 0, true
	r.breakers.Range(func(k, v interface{}) bool {
		if !strings.HasPrefix(k.(string), prefix) {
			return true
		}
		seen++
		if v.(*Breaker).State() != Open {
			allOpen = false
			return false
		}
		return true
	})
	return seen > 0 && allOpen
}
