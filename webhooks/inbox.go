package webhooks

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-txcoord/core"
	"github.com/google/uuid"
)

const (
	defaultMaxRetries = 3
	defaultBatchSize  = 10
	defaultRetention  = 7 * 24 * time.Hour
)

type InboxStats struct {
	Enqueued        int64
	Deduplicated    int64
	Claimed         int64
	Completed       int64
	Failed          int64
	Retried         int64
	Cleaned         int64
	Reclaimed       int64
	AvgProcessingMS float64
}

// Inbox is the durable queue between webhook ingress and the dispatcher.
// Enqueue sits on the HTTP response path and performs one insert.
type Inbox struct {
	MaxRetries  int
	BatchSize   int
	Retention   time.Duration
	MaxDelay    time.Duration
	RetryPolicy RetryPolicy
	// EventID fills in missing event ids. Nil uses DefaultEventIDExtractor.
	EventID EventIDExtractor
	Now     func() time.Time

	store    core.WebhookEventStore
	breaker  *core.CircuitBreaker
	observer *core.Observer

	enqueued     atomic.Int64
	deduplicated atomic.Int64
	claimed      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	cleaned      atomic.Int64
	reclaimed    atomic.Int64
	timedCount   atomic.Int64
	timedTotalMS atomic.Int64
}

func NewInbox(store core.WebhookEventStore, breaker *core.CircuitBreaker, observer *core.Observer) *Inbox {
	if observer == nil {
		observer = core.NewObserver("inbox", nil, nil)
	}
	return &Inbox{
		MaxRetries:  defaultMaxRetries,
		BatchSize:   defaultBatchSize,
		Retention:   defaultRetention,
		MaxDelay:    defaultRetryMaxDelay,
		RetryPolicy: ExponentialRetryPolicy{Base: defaultRetryBaseDelay, Max: defaultRetryMaxDelay},
		Now: func() time.Time {
			return time.Now().UTC()
		},
		store:    store,
		breaker:  breaker,
		observer: observer,
	}
}

// NewInboxFromConfig applies the inbox section of cfg.
func NewInboxFromConfig(cfg core.InboxConfig, store core.WebhookEventStore, breaker *core.CircuitBreaker, observer *core.Observer) *Inbox {
	inbox := NewInbox(store, breaker, observer)
	if cfg.MaxRetries > 0 {
		inbox.MaxRetries = cfg.MaxRetries
	}
	if cfg.BatchSize > 0 {
		inbox.BatchSize = cfg.BatchSize
	}
	if cfg.Retention > 0 {
		inbox.Retention = cfg.Retention
	}
	if cfg.RetryMaxDelay > 0 {
		inbox.MaxDelay = cfg.RetryMaxDelay
	}
	inbox.RetryPolicy = ExponentialRetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}
	return inbox
}

// Enqueue records an inbound event. A repeat of (provider, event_id) is
// accepted without writing a second row and reported as a duplicate of the
// existing one.
func (i *Inbox) Enqueue(ctx context.Context, in core.EnqueueWebhookInput) (core.EnqueueWebhookResult, error) {
	if i == nil || i.store == nil {
		return core.EnqueueWebhookResult{}, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	startedAt := time.Now()
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		eventID, _ = i.eventIDExtractor()(in)
		eventID = strings.TrimSpace(eventID)
	}
	endpoint := strings.TrimSpace(in.Endpoint)
	if provider == "" || eventID == "" || endpoint == "" {
		return core.EnqueueWebhookResult{}, core.BadInputError("webhooks: provider, endpoint and event id are required", map[string]any{
			"provider": provider,
			"endpoint": endpoint,
			"event_id": eventID,
		})
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = i.maxRetries()
	}
	now := i.now()
	event := core.WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   provider,
		Endpoint:   endpoint,
		EventID:    eventID,
		EventType:  strings.TrimSpace(in.EventType),
		Payload:    append([]byte(nil), in.Payload...),
		Headers:    core.CopyStringMap(in.Headers),
		ClientIP:   strings.TrimSpace(in.ClientIP),
		Signature:  in.Signature,
		Status:     core.WebhookStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   in.Metadata.Clone(),
	}
	fields := map[string]any{"provider": provider, "endpoint": endpoint, "event_id": eventID}

	var (
		rowID    string
		inserted bool
	)
	err := i.observer.Guard(ctx, i.breaker, "inbox_enqueue", fields, func(ctx context.Context) error {
		var err error
		rowID, inserted, err = i.store.InsertIfAbsent(ctx, event)
		return err
	})
	durationMS := time.Since(startedAt).Milliseconds()
	if err != nil {
		i.observer.Error(ctx, "webhook enqueue failed", withError(fields, err))
		return core.EnqueueWebhookResult{DurationMS: durationMS}, err
	}
	tags := map[string]string{"provider": provider, "endpoint": endpoint}
	i.observer.Histogram(ctx, "txcoord.inbox.enqueue_ms", float64(durationMS), tags)
	if inserted {
		i.enqueued.Add(1)
		i.observer.Count(ctx, "txcoord.inbox.enqueued", 1, tags)
	} else {
		i.deduplicated.Add(1)
		i.observer.Count(ctx, "txcoord.inbox.deduplicated", 1, tags)
		i.observer.Debug(ctx, "webhook already enqueued", fields)
	}
	return core.EnqueueWebhookResult{
		Accepted:   true,
		Duplicate:  !inserted,
		ID:         rowID,
		EventID:    eventID,
		DurationMS: durationMS,
	}, nil
}

// Dequeue claims up to batchSize due events and moves them to processing.
func (i *Inbox) Dequeue(ctx context.Context, batchSize int) ([]core.WebhookEvent, error) {
	if i == nil || i.store == nil {
		return nil, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	if batchSize <= 0 {
		batchSize = i.batchSize()
	}
	var events []core.WebhookEvent
	err := i.observer.Guard(ctx, i.breaker, "inbox_dequeue", map[string]any{"batch_size": batchSize}, func(ctx context.Context) error {
		var err error
		events, err = i.store.ClaimBatch(ctx, batchSize, i.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		i.claimed.Add(int64(len(events)))
		i.observer.Count(ctx, "txcoord.inbox.claimed", int64(len(events)), nil)
	}
	return events, nil
}

// UpdateStatus records an outcome for a claimed event.
func (i *Inbox) UpdateStatus(ctx context.Context, in core.UpdateWebhookStatusInput) (bool, error) {
	if i == nil || i.store == nil {
		return false, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return false, core.BadInputError("webhooks: event id is required", nil)
	}
	if !in.Status.Valid() {
		return false, core.BadInputError("webhooks: invalid status "+string(in.Status), map[string]any{"status": string(in.Status)})
	}
	var updated bool
	err := i.observer.Guard(ctx, i.breaker, "inbox_update_status", map[string]any{"status": string(in.Status)}, func(ctx context.Context) error {
		var err error
		updated, err = i.store.UpdateStatus(ctx, in, i.now())
		return err
	})
	if err != nil {
		return false, err
	}
	if !updated {
		return false, nil
	}
	switch in.Status {
	case core.WebhookStatusCompleted:
		i.completed.Add(1)
		i.observer.Count(ctx, "txcoord.inbox.processed", 1, nil)
	case core.WebhookStatusFailed:
		i.failed.Add(1)
		i.observer.Count(ctx, "txcoord.inbox.failed", 1, nil)
	}
	if in.DurationMS != nil {
		i.timedCount.Add(1)
		i.timedTotalMS.Add(*in.DurationMS)
		i.observer.Histogram(ctx, "txcoord.inbox.processing_ms", float64(*in.DurationMS), map[string]string{"status": string(in.Status)})
	}
	return true, nil
}

// Retry bumps the retry count. Once it reaches the event's max retries the
// event is marked failed and Scheduled is false.
func (i *Inbox) Retry(ctx context.Context, in core.RetryWebhookInput) (core.RetryWebhookResult, error) {
	if i == nil || i.store == nil {
		return core.RetryWebhookResult{}, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return core.RetryWebhookResult{}, core.BadInputError("webhooks: event id is required", nil)
	}
	var result core.RetryWebhookResult
	err := i.observer.Guard(ctx, i.breaker, "inbox_retry", map[string]any{"event": id}, func(ctx context.Context) error {
		var err error
		result, err = i.store.ScheduleRetry(ctx, id, in.Cause, i.now(), i.retryPlan(in.Delay))
		return err
	})
	if err != nil {
		return core.RetryWebhookResult{}, err
	}
	if result.Scheduled {
		i.retried.Add(1)
		i.observer.Count(ctx, "txcoord.inbox.retried", 1, nil)
		return result, nil
	}
	i.failed.Add(1)
	i.observer.Count(ctx, "txcoord.inbox.failed", 1, map[string]string{"reason": "retries_exhausted"})
	i.observer.Warn(ctx, "webhook retries exhausted", map[string]any{
		"event":       id,
		"retry_count": result.RetryCount,
		"cause":       in.Cause,
	})
	return result, nil
}

func (i *Inbox) retryPlan(requested *time.Duration) core.RetryPlan {
	return func(event core.WebhookEvent, now time.Time) core.RetryWebhookResult {
		count := event.RetryCount + 1
		maxRetries := event.MaxRetries
		if maxRetries <= 0 {
			maxRetries = i.maxRetries()
		}
		if count >= maxRetries {
			return core.RetryWebhookResult{Status: core.WebhookStatusFailed, RetryCount: count}
		}
		var delay time.Duration
		if requested != nil && *requested >= 0 {
			delay = *requested
		} else {
			delay = i.retryPolicy().NextDelay(count)
		}
		if limit := i.maxDelay(); delay > limit {
			delay = limit
		}
		scheduledAt := now.Add(delay)
		return core.RetryWebhookResult{
			Scheduled:   true,
			Status:      core.WebhookStatusRetry,
			RetryCount:  count,
			ScheduledAt: &scheduledAt,
		}
	}
}

// Cleanup deletes completed and failed events last touched before the
// retention window. A non-positive retention uses the inbox default.
func (i *Inbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if i == nil || i.store == nil {
		return 0, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	if retention <= 0 {
		retention = i.retention()
	}
	before := i.now().Add(-retention)
	var deleted int
	err := i.observer.Guard(ctx, i.breaker, "inbox_cleanup", nil, func(ctx context.Context) error {
		var err error
		deleted, err = i.store.DeleteTerminalBefore(ctx, before)
		return err
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		i.cleaned.Add(int64(deleted))
		i.observer.Count(ctx, "txcoord.inbox.cleaned", int64(deleted), nil)
		i.observer.Info(ctx, "webhook inbox cleaned", map[string]any{"deleted": deleted, "retention_ms": retention.Milliseconds()})
	}
	return deleted, nil
}

func (i *Inbox) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if i == nil || i.store == nil {
		return core.WebhookEvent{}, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	var event core.WebhookEvent
	err := i.observer.Guard(ctx, i.breaker, "inbox_get", nil, func(ctx context.Context) error {
		var err error
		event, err = i.store.Get(ctx, strings.TrimSpace(id))
		return err
	})
	return event, err
}

// ReleaseStaleClaims hands processing events untouched for longer than
// olderThan back to the claim queue. It covers dispatchers that died or
// could not record an outcome.
func (i *Inbox) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	if i == nil || i.store == nil {
		return 0, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	if olderThan <= 0 {
		return 0, core.BadInputError("webhooks: claim timeout must be positive", nil)
	}
	now := i.now()
	var released int
	err := i.observer.Guard(ctx, i.breaker, "inbox_release_stale", nil, func(ctx context.Context) error {
		var err error
		released, err = i.store.ReleaseStaleClaims(ctx, now.Add(-olderThan), now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		i.reclaimed.Add(int64(released))
		i.observer.Count(ctx, "txcoord.inbox.reclaimed", int64(released), nil)
		i.observer.Warn(ctx, "stale webhook claims released", map[string]any{
			"released":      released,
			"claim_timeout": olderThan.String(),
		})
	}
	return released, nil
}

// GetByEventID looks an event up by its provider delivery id.
func (i *Inbox) GetByEventID(ctx context.Context, provider string, eventID string) (core.WebhookEvent, error) {
	if i == nil || i.store == nil {
		return core.WebhookEvent{}, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	var event core.WebhookEvent
	err := i.observer.Guard(ctx, i.breaker, "inbox_get", map[string]any{"provider": provider, "event_id": eventID}, func(ctx context.Context) error {
		var err error
		event, err = i.store.GetByEventID(ctx, provider, eventID)
		return err
	})
	return event, err
}

func (i *Inbox) Counts(ctx context.Context) (map[core.WebhookStatus]int, error) {
	if i == nil || i.store == nil {
		return nil, core.ConfigurationError("webhooks: inbox is not configured", nil)
	}
	var counts map[core.WebhookStatus]int
	err := i.observer.Guard(ctx, i.breaker, "inbox_counts", nil, func(ctx context.Context) error {
		var err error
		counts, err = i.store.CountByStatus(ctx)
		return err
	})
	return counts, err
}

func (i *Inbox) Stats() InboxStats {
	if i == nil {
		return InboxStats{}
	}
	stats := InboxStats{
		Enqueued:     i.enqueued.Load(),
		Deduplicated: i.deduplicated.Load(),
		Claimed:      i.claimed.Load(),
		Completed:    i.completed.Load(),
		Failed:       i.failed.Load(),
		Retried:      i.retried.Load(),
		Cleaned:      i.cleaned.Load(),
		Reclaimed:    i.reclaimed.Load(),
	}
	if count := i.timedCount.Load(); count > 0 {
		stats.AvgProcessingMS = float64(i.timedTotalMS.Load()) / float64(count)
	}
	return stats
}

func (i *Inbox) now() time.Time {
	if i != nil && i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func (i *Inbox) eventIDExtractor() EventIDExtractor {
	if i.EventID != nil {
		return i.EventID
	}
	return DefaultEventIDExtractor
}

func (i *Inbox) maxRetries() int {
	if i != nil && i.MaxRetries > 0 {
		return i.MaxRetries
	}
	return defaultMaxRetries
}

func (i *Inbox) batchSize() int {
	if i != nil && i.BatchSize > 0 {
		return i.BatchSize
	}
	return defaultBatchSize
}

func (i *Inbox) retention() time.Duration {
	if i != nil && i.Retention > 0 {
		return i.Retention
	}
	return defaultRetention
}

func (i *Inbox) maxDelay() time.Duration {
	if i != nil && i.MaxDelay > 0 {
		return i.MaxDelay
	}
	return defaultRetryMaxDelay
}

func (i *Inbox) retryPolicy() RetryPolicy {
	if i != nil && i.RetryPolicy != nil {
		return i.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		out[key] = value
	}
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}
