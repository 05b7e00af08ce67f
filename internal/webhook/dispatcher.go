package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"valuation-pipeline/internal/common/breaker"
	apperrors "valuation-pipeline/internal/common/errors"
	commonhttp "valuation-pipeline/internal/common/http"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/metrics"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/models"
)

type Options struct {
	URL         string
	Secret      string
	MaxAttempts int
	BaseDelay   time.Duration
	Breaker     breaker.Settings
	// MaxInFlight bounds the deliveries running at once. Dispatch blocks
	// while the bound is reached.
	MaxInFlight int
	Now         func() time.Time
	// Sleep waits between attempts. It returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 16
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatcher delivers events at least once. Each subscriber endpoint gets
// its own breaker named webhook:<host>.
type Dispatcher struct {
	client   commonhttp.Doer
	schemas  *validation.SchemaSet
	breakers *breaker.Registry
	inflight *semaphore.Weighted
	opts     Options
	logger   logger.Logger
}

func NewDispatcher(client commonhttp.Doer, schemas *validation.SchemaSet, opts Options, log logger.Logger) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		client:   client,
		schemas:  schemas,
		breakers: breaker.NewRegistry(opts.Breaker),
		inflight: semaphore.NewWeighted(int64(opts.MaxInFlight)),
		opts:     opts,
		logger:   log,
	}
}

func (d *Dispatcher) BreakerStates() map[string]breaker.State { return d.breakers.States() }

// Backoff is the wait before attempt n (n >= 2): base * 2^(n-2), so the
// first retry waits base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return base << (attempt - 2)
}

// Handle tracks one dispatched event until its final outcome is known.
type Handle struct {
	done  chan struct{}
	mu    sync.Mutex
	event models.WebhookEvent
}

func newHandle(ev models.WebhookEvent) *Handle {
	return &Handle{done: make(chan struct{}), event: ev}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until delivery succeeded, was rejected or exhausted its
// attempts, and returns the final event record.
func (h *Handle) Wait(ctx context.Context) (models.WebhookEvent, error) {
	select {
	case <-h.done:
		return h.Event(), nil
	case <-ctx.Done():
		return h.Event(), ctx.Err()
	}
}

func (h *Handle) Event() models.WebhookEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.event
}

func (h *Handle) update(fn func(ev *models.WebhookEvent)) {
	h.mu.Lock()
	fn(&h.event)
	h.mu.Unlock()
}

// Dispatch validates and signs the payload and starts delivery in the
// background. A payload failing its schema is rejected with a SCHEMA_ERROR
// and an already completed handle; no attempt is consumed. Delivery is not
// cancelled with ctx, so an aborted run still accounts for every event it
// queued. At most MaxInFlight deliveries run at once; Dispatch waits for a
// free slot.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, runID, propertyID string, payload interface{}) (*Handle, error) {
	ev := models.WebhookEvent{
		EventType:      eventType,
		RequestID:      uuid.NewString(),
		RunID:          runID,
		PropertyID:     propertyID,
		DeliveryStatus: models.DeliveryPending,
	}

	body, err := json.Marshal(payload)
	if err == nil {
		err = d.schemas.Validate(eventType, body)
	}
	if err != nil {
		if apperrors.CodeOf(err) != apperrors.ErrCodeSchema {
			err = apperrors.NewSchemaError(err.Error())
		}
		serr := apperrors.WithRunID(err, runID)
		ev.Rejected = true
		ev.DeliveryStatus = models.DeliveryFailed
		ev.LastError = serr.Error()
		ev.CompletedAt = d.opts.Now()
		h := newHandle(ev)
		close(h.done)
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		d.logger.Error("Webhook payload rejected", map[string]interface{}{
			"runId":      runID,
			"propertyId": propertyID,
			"eventType":  eventType,
			"error":      err.Error(),
		})
		return h, serr
	}

	ev.Payload = body
	ev.PayloadHash = PayloadHash(body)
	h := newHandle(ev)
	dctx := context.WithoutCancel(ctx)
	// cannot fail: dctx is never cancelled
	_ = d.inflight.Acquire(dctx, 1)
	go d.deliver(dctx, h)
	return h, nil
}

func (d *Dispatcher) deliver(ctx context.Context, h *Handle) {
	defer d.inflight.Release(1)
	defer close(h.done)
	ev := h.Event()
	br := d.breakers.Get(d.breakerName())
	log := d.logger.With(map[string]interface{}{
		"runId":      ev.RunID,
		"propertyId": ev.PropertyID,
		"requestId":  ev.RequestID,
	})

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.opts.Sleep(ctx, Backoff(d.opts.BaseDelay, attempt)); err != nil {
				lastErr = err
				break
			}
		}
		gen, err := d.admit(ctx, br)
		if err != nil {
			lastErr = err
			break
		}
		metrics.WebhookAttempts.Inc()

		h.update(func(ev *models.WebhookEvent) { ev.AttemptCount++ })
		retry, err := d.send(ctx, ev)
		switch {
		case err == nil:
			br.Success(gen)
			d.finish(h, models.DeliveryDelivered, nil)
			log.Info("Webhook delivered", map[string]interface{}{"attempt": attempt})
			return
		case !retry:
			// the endpoint answered, so it is healthy even though it refused
			br.Success(gen)
			d.finish(h, models.DeliveryFailed, err)
			log.Error("Webhook refused", map[string]interface{}{"attempt": attempt, "error": err.Error()})
			return
		default:
			br.Failure(gen)
			lastErr = err
			log.Warn("Webhook attempt failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
		}
	}

	d.finish(h, models.DeliveryFailed, lastErr)
	log.Error("Webhook delivery exhausted", map[string]interface{}{
		"attempts": d.opts.MaxAttempts,
		"error":    errString(lastErr),
	})
}

// admit waits until the breaker lets a call through. Waiting on an open
// breaker does not use up an attempt; only requests that are actually sent
// count against MaxAttempts.
func (d *Dispatcher) admit(ctx context.Context, br *breaker.Breaker) (uint64, error) {
	for {
		gen, err := br.Allow()
		if err == nil {
			return gen, nil
		}
		wait := br.RetryAfter()
		if wait <= 0 {
			// half-open with another delivery holding the trial call
			wait = d.opts.BaseDelay
		}
		if err := d.opts.Sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
}

// send performs one signed POST and reports whether a failure is worth
// retrying.
func (d *Dispatcher) send(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	ts := strconv.FormatInt(d.opts.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.URL, bytes.NewReader(ev.Payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign([]byte(d.opts.Secret), ts, ev.Payload))
	req.Header.Set(HeaderRequestID, ev.RequestID)
	req.Header.Set(HeaderPayloadHash, ev.PayloadHash)

	resp, err := d.client.Do(req)
	if err != nil {
		return true, apperrors.NewExternalServiceError("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	err = apperrors.NewExternalServiceError("webhook", fmt.Errorf("status %d", resp.StatusCode))
	return commonhttp.Retryable(resp.StatusCode), err
}

func (d *Dispatcher) finish(h *Handle, status models.DeliveryStatus, err error) {
	h.update(func(ev *models.WebhookEvent) {
		ev.DeliveryStatus = status
		ev.CompletedAt = d.opts.Now()
		if err != nil {
			ev.LastError = err.Error()
		}
	})
	metrics.WebhookDeliveries.WithLabelValues(string(status)).Inc()
}

func (d *Dispatcher) breakerName() string {
	u, err := url.Parse(d.opts.URL)
	if err != nil || u.Host == "" {
		return "webhook:" + d.opts.URL
	}
	return "webhook:" + u.Host
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
