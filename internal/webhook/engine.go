// Package webhook delivers domain events to subscribed HTTP endpoints.
// Deliveries are durable rows worked by a dispatcher loop, so a restart
// never loses a queued delivery and retries survive across processes.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/metrics"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

const (
	// deliveryTimeout bounds one outbound POST.
	deliveryTimeout = 10 * time.Second

	// pollInterval is how often the dispatcher scans for due deliveries
	// when nothing wakes it sooner.
	pollInterval = 5 * time.Second

	// dispatchBatch caps the deliveries attempted per scan.
	dispatchBatch = 50

	// maxBackoff caps the retry delay.
	maxBackoff = 3600 * time.Second

	// responseExcerpt caps how much of the receiver's reply is stored.
	responseExcerpt = 1024

	subscriberBuffer = 512
)

var ErrNotReplayable = errors.New("webhook: delivery is not in a terminal state")

// payload is the JSON body POSTed to receivers.
type payload struct {
	Event      string          `json:"event"`
	EventID    *db.ID          `json:"event_id,omitempty"`
	SourceType string          `json:"source_type,omitempty"`
	SourceID   db.ID           `json:"source_id,omitempty"`
	ActorID    *db.ID          `json:"actor_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
}

// Engine owns the full webhook pipeline: a bus subscriber that fans
// events out into delivery rows, and a dispatcher that posts due rows
// with signed bodies and capped exponential backoff.
type Engine struct {
	webhooks repositories.WebhookRepository
	bus      *events.Bus
	client   *http.Client
	log      *zap.Logger
	wake     chan struct{}
	now      func() time.Time
}

func NewEngine(webhooks repositories.WebhookRepository, bus *events.Bus, log *zap.Logger) *Engine {
	return &Engine{
		webhooks: webhooks,
		bus:      bus,
		client:   &http.Client{Timeout: deliveryTimeout},
		log:      log.Named("webhook"),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Run consumes the bus and works the delivery queue until ctx is
// cancelled. Call in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	go e.consume(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	e.log.Info("webhook engine started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info("webhook engine stopped")
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.dispatchDue(ctx)
	}
}

// poke nudges the dispatcher without waiting for the next poll.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// consume turns each published event into one pending delivery per
// matching enabled webhook.
func (e *Engine) consume(ctx context.Context) {
	ch, unsubscribe := e.bus.Subscribe("webhook-engine", subscriberBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			e.enqueue(ctx, env)
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, env events.Envelope) {
	matching, err := e.webhooks.ListEnabledForEventType(ctx, env.Type)
	if err != nil {
		e.log.Error("listing webhooks for event failed",
			zap.String("event", env.Type), zap.Error(err))
		return
	}
	if len(matching) == 0 {
		return
	}

	body, err := json.Marshal(payload{
		Event:      env.Type,
		EventID:    &env.ID,
		SourceType: env.SourceType,
		SourceID:   env.SourceID,
		ActorID:    env.ActorID,
		Data:       json.RawMessage(env.Payload),
		Timestamp:  env.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.log.Error("encoding webhook payload failed", zap.Error(err))
		return
	}

	for _, hook := range matching {
		delivery := &db.WebhookDelivery{
			WebhookID: hook.ID,
			EventID:   &env.ID,
			Payload:   string(body),
			Status:    db.DeliveryPending,
		}
		if err := e.webhooks.CreateDelivery(ctx, delivery); err != nil {
			e.log.Error("queueing delivery failed",
				zap.Int64("webhook_id", hook.ID), zap.Error(err))
		}
	}
	e.poke()
}

// dispatchDue attempts every delivery that is pending or whose retry
// time has passed.
func (e *Engine) dispatchDue(ctx context.Context) {
	due, err := e.webhooks.ListDueDeliveries(ctx, e.now(), dispatchBatch)
	if err != nil {
		e.log.Error("listing due deliveries failed", zap.Error(err))
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		e.attempt(ctx, &due[i])
	}
}

// attempt performs one POST for a delivery and records the outcome.
func (e *Engine) attempt(ctx context.Context, delivery *db.WebhookDelivery) {
	hook, err := e.webhooks.GetByID(ctx, delivery.WebhookID)
	if err != nil {
		// Webhook deleted while deliveries were queued: fail them.
		delivery.Status = db.DeliveryFailed
		delivery.ResponseBody = "webhook removed"
		if uerr := e.webhooks.UpdateDelivery(ctx, delivery); uerr != nil {
			e.log.Error("failing orphaned delivery failed", zap.Error(uerr))
		}
		return
	}
	if !hook.IsEnabled {
		return
	}

	delivery.AttemptCount++
	status, respBody, postErr := e.post(ctx, hook, delivery)

	now := e.now()
	if status != 0 {
		delivery.ResponseStatusCode = &status
	}
	delivery.ResponseBody = respBody

	switch {
	case postErr == nil && status >= 200 && status < 300:
		metrics.WebhookDelivery("delivered")
		delivery.Status = db.DeliveryDelivered
		delivery.DeliveredAt = &now
		delivery.NextRetryAt = nil
		if err := e.webhooks.RecordTrigger(ctx, hook.ID, now); err != nil {
			e.log.Warn("recording trigger failed", zap.Error(err))
		}
		e.log.Info("delivery succeeded",
			zap.Int64("delivery_id", delivery.ID),
			zap.Int64("webhook_id", hook.ID),
			zap.Int("attempt", delivery.AttemptCount))

	case delivery.AttemptCount >= delivery.MaxAttempts:
		metrics.WebhookDelivery("failed")
		delivery.Status = db.DeliveryFailed
		delivery.NextRetryAt = nil
		if err := e.webhooks.IncrementFailureCount(ctx, hook.ID); err != nil {
			e.log.Warn("incrementing failure count failed", zap.Error(err))
		}
		e.log.Warn("delivery exhausted retries",
			zap.Int64("delivery_id", delivery.ID),
			zap.Int64("webhook_id", hook.ID),
			zap.Int("attempts", delivery.AttemptCount),
			zap.Error(postErr))

	default:
		metrics.WebhookDelivery("retrying")
		retryAt := now.Add(backoffDelay(delivery.AttemptCount))
		delivery.Status = db.DeliveryRetrying
		delivery.NextRetryAt = &retryAt
		e.log.Info("delivery failed, will retry",
			zap.Int64("delivery_id", delivery.ID),
			zap.Int("attempt", delivery.AttemptCount),
			zap.Time("next_retry_at", retryAt),
			zap.Error(postErr))
	}

	if err := e.webhooks.UpdateDelivery(ctx, delivery); err != nil {
		e.log.Error("persisting delivery outcome failed",
			zap.Int64("delivery_id", delivery.ID), zap.Error(err))
	}
}

// post signs and sends the delivery body. Returns the HTTP status (zero
// on transport failure) and a bounded excerpt of the response body.
func (e *Engine) post(ctx context.Context, hook *db.Webhook, delivery *db.WebhookDelivery) (int, string, error) {
	body := []byte(delivery.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("webhook: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SceneForge-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", eventName(delivery))
	req.Header.Set("X-Webhook-Signature", Sign(body, string(hook.Secret)))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseExcerpt))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(excerpt), fmt.Errorf("webhook: receiver returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(excerpt), nil
}

// SendTest queues a synthetic webhook.test delivery so operators can
// verify an endpoint without waiting for real traffic.
func (e *Engine) SendTest(ctx context.Context, webhookID db.ID) (*db.WebhookDelivery, error) {
	hook, err := e.webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload{
		Event:     events.WebhookTest,
		Data:      json.RawMessage(fmt.Sprintf(`{"webhook_id":%d,"message":"test delivery"}`, hook.ID)),
		Timestamp: e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: encoding test payload: %w", err)
	}

	delivery := &db.WebhookDelivery{
		WebhookID: hook.ID,
		Payload:   string(body),
		Status:    db.DeliveryPending,
	}
	if err := e.webhooks.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("webhook: queueing test delivery: %w", err)
	}
	e.poke()
	return delivery, nil
}

// Replay resets a terminal delivery back to pending so the dispatcher
// picks it up again: the attempt counter restarts and the previous
// response fields are cleared.
func (e *Engine) Replay(ctx context.Context, deliveryID db.ID) (*db.WebhookDelivery, error) {
	delivery, err := e.webhooks.GetDeliveryByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.Status != db.DeliveryDelivered && delivery.Status != db.DeliveryFailed {
		return nil, ErrNotReplayable
	}

	delivery.Status = db.DeliveryPending
	delivery.AttemptCount = 0
	delivery.ResponseStatusCode = nil
	delivery.ResponseBody = ""
	delivery.NextRetryAt = nil
	delivery.DeliveredAt = nil
	if err := e.webhooks.UpdateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("webhook: resetting delivery for replay: %w", err)
	}
	e.poke()
	return delivery, nil
}

// Sign computes the HMAC-SHA256 signature of body with the webhook
// secret, as lowercase hex. Receivers recompute it to authenticate the
// delivery.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoffDelay returns min(2^attempts, 3600) seconds.
func backoffDelay(attempts int) time.Duration {
	if attempts >= 12 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// eventName extracts the event name from a delivery payload for the
// X-Webhook-Event header.
func eventName(delivery *db.WebhookDelivery) string {
	var p struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(delivery.Payload), &p); err != nil {
		return ""
	}
	return p.Event
}
