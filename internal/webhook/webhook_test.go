package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-pipeline/internal/common/breaker"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/pkg/registry"
)

const testSecret = "s3cret"

func TestSign_Deterministic(t *testing.T) {
	body := []byte(`{"event_type":"valuation.scored"}`)
	assert.Equal(t, Sign([]byte(testSecret), "1700000000", body), Sign([]byte(testSecret), "1700000000", body))
	assert.NotEqual(t, Sign([]byte(testSecret), "1700000000", body), Sign([]byte(testSecret), "1700000001", body))
	assert.NotEqual(t, Sign([]byte(testSecret), "1700000000", body), Sign([]byte("other"), "1700000000", body))
	assert.Len(t, PayloadHash(body), 64)
}

func TestSign_SingleByteFlipInvalidates(t *testing.T) {
	body := []byte(`{"run_id":"run-1","point":19047619.05}`)
	sig := Sign([]byte(testSecret), "1700000000", body)
	for i := range body {
		flipped := append([]byte(nil), body...)
		flipped[i] ^= 0x01
		assert.NotEqual(t, sig, Sign([]byte(testSecret), "1700000000", flipped), "byte %d", i)
	}
}

func createTestHeaders(body []byte, ts time.Time) http.Header {
	h := http.Header{}
	unix := strconv.FormatInt(ts.Unix(), 10)
	h.Set(HeaderTimestamp, unix)
	h.Set(HeaderSignature, Sign([]byte(testSecret), unix, body))
	h.Set(HeaderPayloadHash, PayloadHash(body))
	h.Set(HeaderRequestID, "req-1")
	return h
}

func TestVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"ok":true}`)
	tampered := []byte(`{"ok":false}`)

	tests := []struct {
		name    string
		header  func() http.Header
		body    []byte
		wantErr error
	}{
		{name: "valid", header: func() http.Header { return createTestHeaders(body, now) }, body: body},
		{name: "within skew", header: func() http.Header { return createTestHeaders(body, now.Add(-4*time.Minute)) }, body: body},
		{name: "too old", header: func() http.Header { return createTestHeaders(body, now.Add(-6*time.Minute)) }, body: body, wantErr: ErrClockSkew},
		{name: "from the future", header: func() http.Header { return createTestHeaders(body, now.Add(6*time.Minute)) }, body: body, wantErr: ErrClockSkew},
		{name: "tampered body", header: func() http.Header { return createTestHeaders(body, now) }, body: tampered, wantErr: ErrPayloadHash},
		{
			name: "tampered body with recomputed hash",
			header: func() http.Header {
				h := createTestHeaders(body, now)
				h.Set(HeaderPayloadHash, PayloadHash(tampered))
				return h
			},
			body:    tampered,
			wantErr: ErrInvalidSignature,
		},
		{
			name: "missing request id",
			header: func() http.Header {
				h := createTestHeaders(body, now)
				h.Del(HeaderRequestID)
				return h
			},
			body:    body,
			wantErr: ErrMissingHeader,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify([]byte(testSecret), tt.header(), tt.body, now, 5*time.Minute)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		assert.Equal(t, w, Backoff(base, i+1), "attempt %d", i+1)
	}
}

func createTestSchemas(t *testing.T) *validation.SchemaSet {
	reg, err := registry.Default()
	require.NoError(t, err)
	docs, err := reg.EventSchemas()
	require.NoError(t, err)
	set, err := validation.CompileSchemas(docs)
	require.NoError(t, err)
	return set
}

func createTestEvent() models.ScoredEvent {
	return models.ScoredEvent{
		EventType:  "valuation.scored",
		EventID:    "evt-1",
		RunID:      "run-1",
		PropertyID: "prop-1",
		OccurredAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		Valuation: &models.Valuation{
			Market: "DFW", Point: 19047619.05, Low: 18133333.33, High: 19961904.76,
			CapRateApplied: 0.063, Confidence: 0.91, Status: models.ValuationFresh,
		},
		Score: &models.Score{DealScore: 60, MTSScore: 50, YieldSignal: 50, Classification: models.ClassHold, Grade: "C"},
	}
}

type receiver struct {
	mu       sync.Mutex
	hits     int32
	statuses []int
	verified []error
	ids      []string
}

func (r *receiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		n := atomic.AddInt32(&r.hits, 1)
		r.mu.Lock()
		r.verified = append(r.verified, Verify([]byte(testSecret), req.Header, body, time.Now(), DefaultMaxSkew))
		r.ids = append(r.ids, req.Header.Get(HeaderRequestID))
		status := http.StatusOK
		if int(n) <= len(r.statuses) {
			status = r.statuses[n-1]
		}
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// createTestDispatcher records every wait and moves the breaker clock past
// it instead of sleeping. Signing keeps the wall clock so receivers verify.
func createTestDispatcher(t *testing.T, url string, threshold int, opts ...func(*Options)) (*Dispatcher, *[]time.Duration) {
	var delays []time.Duration
	var mu sync.Mutex
	clock := &testClock{now: time.Now()}
	o := Options{
		URL:         url,
		Secret:      testSecret,
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Breaker:     breaker.Settings{FailureThreshold: threshold, Cooldown: time.Hour, Now: clock.Now},
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			clock.mu.Lock()
			clock.now = clock.now.Add(d)
			clock.mu.Unlock()
			return nil
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewDispatcher(http.DefaultClient, createTestSchemas(t), o, logger.NewNoOpLogger()), &delays
}

func TestDispatcher_Delivery(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantStatus   models.DeliveryStatus
		wantAttempts int
		wantDelays   []time.Duration
	}{
		{name: "first try", wantStatus: models.DeliveryDelivered, wantAttempts: 1},
		{
			name: "retries 5xx and 429", statuses: []int{503, 429},
			wantStatus: models.DeliveryDelivered, wantAttempts: 3,
			wantDelays: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		},
		{
			name: "exhausts after five attempts", statuses: []int{500, 500, 500, 500, 500, 500},
			wantStatus: models.DeliveryFailed, wantAttempts: 5,
			wantDelays: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond},
		},
		{name: "4xx is not retried", statuses: []int{400}, wantStatus: models.DeliveryFailed, wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rcv := &receiver{statuses: tt.statuses}
			srv := httptest.NewServer(rcv.handler())
			defer srv.Close()
			d, delays := createTestDispatcher(t, srv.URL, 100)

			h, err := d.Dispatch(context.Background(), "valuation.scored", "run-1", "prop-1", createTestEvent())
			require.NoError(t, err)
			ev, err := h.Wait(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, ev.DeliveryStatus)
			assert.Equal(t, tt.wantAttempts, ev.AttemptCount)
			assert.Equal(t, int32(tt.wantAttempts), atomic.LoadInt32(&rcv.hits))
			assert.Equal(t, tt.wantDelays, *delays)
			assert.False(t, ev.CompletedAt.IsZero())
			for i, verr := range rcv.verified {
				assert.NoError(t, verr, "attempt %d", i+1)
				// the request id is stable across retries so receivers can dedupe
				assert.Equal(t, ev.RequestID, rcv.ids[i])
			}
		})
	}
}

func TestDispatcher_SchemaRejection(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler())
	defer srv.Close()
	d, delays := createTestDispatcher(t, srv.URL, 5)

	bad := createTestEvent()
	bad.RunID = ""
	bad.Score = nil
	h, err := d.Dispatch(context.Background(), "valuation.scored", "run-1", "prop-1", bad)

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSchema, apperrors.CodeOf(err))
	ev, werr := h.Wait(context.Background())
	require.NoError(t, werr)
	assert.True(t, ev.Rejected)
	assert.Equal(t, models.DeliveryFailed, ev.DeliveryStatus)
	assert.Zero(t, ev.AttemptCount)
	assert.Zero(t, atomic.LoadInt32(&rcv.hits))
	assert.Empty(t, *delays)
}

func TestDispatcher_OpenBreakerDoesNotUseAttempts(t *testing.T) {
	rcv := &receiver{statuses: []int{500, 500}}
	srv := httptest.NewServer(rcv.handler())
	defer srv.Close()
	d, delays := createTestDispatcher(t, srv.URL, 2)

	h, err := d.Dispatch(context.Background(), "valuation.scored", "run-1", "prop-1", createTestEvent())
	require.NoError(t, err)
	ev, err := h.Wait(context.Background())
	require.NoError(t, err)

	// two failures open the breaker; the third send waits out the cooldown
	assert.Equal(t, models.DeliveryDelivered, ev.DeliveryStatus)
	assert.Equal(t, 3, ev.AttemptCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&rcv.hits))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, time.Hour - 200*time.Millisecond}, *delays)

	states := d.BreakerStates()
	require.Len(t, states, 1)
	for name, st := range states {
		assert.Contains(t, name, "webhook:127.0.0.1")
		assert.Equal(t, breaker.Closed, st)
	}
}

func TestDispatcher_WaitsForOpenBreaker(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler())
	defer srv.Close()
	d, delays := createTestDispatcher(t, srv.URL, 2)

	br := d.breakers.Get(d.breakerName())
	for i := 0; i < 2; i++ {
		gen, _ := br.Allow()
		br.Failure(gen)
	}
	require.Equal(t, breaker.Open, br.State())

	h, err := d.Dispatch(context.Background(), "valuation.scored", "run-1", "prop-1", createTestEvent())
	require.NoError(t, err)
	ev, err := h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.DeliveryDelivered, ev.DeliveryStatus)
	assert.Equal(t, 1, ev.AttemptCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rcv.hits))
	assert.Equal(t, []time.Duration{time.Hour}, *delays)
	assert.Equal(t, breaker.Closed, br.State())
}

func TestDispatcher_BoundsInFlightDeliveries(t *testing.T) {
	var current, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	d, _ := createTestDispatcher(t, srv.URL, 5, func(o *Options) { o.MaxInFlight = 3 })

	handles := make([]*Handle, 0, 20)
	for i := 0; i < 20; i++ {
		h, err := d.Dispatch(context.Background(), "valuation.scored", "run-1", "prop-1", createTestEvent())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		ev, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryDelivered, ev.DeliveryStatus)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}
