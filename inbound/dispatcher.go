package inbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-txcoord/core"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency  = 10
	defaultBatchSize    = 10
	defaultPollInterval = time.Second
)

// Inbox is the slice of the webhook inbox the dispatcher drives.
type Inbox interface {
	Dequeue(ctx context.Context, batchSize int) ([]core.WebhookEvent, error)
	UpdateStatus(ctx context.Context, in core.UpdateWebhookStatusInput) (bool, error)
	Retry(ctx context.Context, in core.RetryWebhookInput) (core.RetryWebhookResult, error)
}

type DispatcherStats struct {
	Dispatched     int64
	Completed      int64
	Retried        int64
	Failed         int64
	MissingHandler int64
	Panics         int64
	InFlight       int64
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeRetried   outcome = "retried"
	outcomeFailed    outcome = "failed"
)

// Dispatcher claims batches from the inbox and runs each event through the
// handler registered for its (provider, endpoint).
type Dispatcher struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration

	inbox    Inbox
	observer *core.Observer

	mu       sync.RWMutex
	handlers map[string]Handler

	semOnce sync.Once
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	lifeMu  sync.Mutex
	stopped bool
	stopCh  chan struct{}

	inFlight       atomic.Int64
	dispatched     atomic.Int64
	completed      atomic.Int64
	retried        atomic.Int64
	failed         atomic.Int64
	missingHandler atomic.Int64
	panics         atomic.Int64
}

func NewDispatcher(inbox Inbox, observer *core.Observer) *Dispatcher {
	if observer == nil {
		observer = core.NewObserver("dispatcher", nil, nil)
	}
	return &Dispatcher{
		Concurrency:  defaultConcurrency,
		BatchSize:    defaultBatchSize,
		PollInterval: defaultPollInterval,
		inbox:        inbox,
		observer:     observer,
		handlers:     map[string]Handler{},
		stopCh:       make(chan struct{}),
	}
}

func NewDispatcherFromConfig(cfg core.Config, inbox Inbox, observer *core.Observer) *Dispatcher {
	d := NewDispatcher(inbox, observer)
	if cfg.Dispatcher.Concurrency > 0 {
		d.Concurrency = cfg.Dispatcher.Concurrency
	}
	if cfg.Inbox.BatchSize > 0 {
		d.BatchSize = cfg.Inbox.BatchSize
	}
	if cfg.Inbox.PollInterval > 0 {
		d.PollInterval = cfg.Inbox.PollInterval
	}
	return d
}

// Register binds handler to (provider, endpoint). A second registration for
// the same pair is rejected.
func (d *Dispatcher) Register(provider string, endpoint string, handler Handler) error {
	if d == nil {
		return core.ConfigurationError("inbound: dispatcher is nil", nil)
	}
	provider, endpoint = normalizeRoute(provider, endpoint)
	if provider == "" || endpoint == "" {
		return core.BadInputError("inbound: provider and endpoint are required", map[string]any{
			"provider": provider,
			"endpoint": endpoint,
		})
	}
	if handler == nil {
		return core.BadInputError("inbound: handler is nil", map[string]any{"provider": provider, "endpoint": endpoint})
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := routeKey(provider, endpoint)
	if _, exists := d.handlers[key]; exists {
		return handlerConflictError(provider, endpoint)
	}
	d.handlers[key] = handler
	return nil
}

func (d *Dispatcher) RegisterFunc(provider string, endpoint string, fn HandlerFunc) error {
	if fn == nil {
		return d.Register(provider, endpoint, nil)
	}
	return d.Register(provider, endpoint, fn)
}

// Run polls the inbox until ctx is cancelled or Stop is called, then waits
// for every in-flight event to finish. Non-positive arguments fall back to
// the dispatcher's BatchSize and PollInterval.
func (d *Dispatcher) Run(ctx context.Context, batchSize int, pollInterval time.Duration) error {
	if d == nil || d.inbox == nil {
		return core.ConfigurationError("inbound: dispatcher is not configured", nil)
	}
	if batchSize <= 0 {
		batchSize = d.batchSize()
	}
	if pollInterval <= 0 {
		pollInterval = d.pollInterval()
	}
	defer d.wg.Wait()

	d.observer.Info(ctx, "dispatcher started", map[string]any{
		"batch_size":    batchSize,
		"concurrency":   d.concurrency(),
		"poll_interval": pollInterval.String(),
	})
	for {
		if d.halted(ctx) {
			d.observer.Info(ctx, "dispatcher stopping", map[string]any{"in_flight": d.InFlight()})
			return nil
		}
		spawned, err := d.dispatch(ctx, batchSize, nil)
		if err != nil {
			d.observer.Warn(ctx, "dispatcher dequeue failed", map[string]any{"error": err.Error()})
		}
		if spawned > 0 && err == nil {
			continue
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-d.stopCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// DispatchOnce claims a single batch and returns after every claimed event
// has been handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context, batchSize int) (int, error) {
	if d == nil || d.inbox == nil {
		return 0, core.ConfigurationError("inbound: dispatcher is not configured", nil)
	}
	if batchSize <= 0 {
		batchSize = d.batchSize()
	}
	var batch sync.WaitGroup
	spawned, err := d.dispatch(ctx, batchSize, &batch)
	batch.Wait()
	return spawned, err
}

// Stop ends Run's claim loop and blocks until in-flight events finish.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	d.lifeMu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopCh)
	}
	d.lifeMu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) InFlight() int64 {
	if d == nil {
		return 0
	}
	return d.inFlight.Load()
}

func (d *Dispatcher) Stats() DispatcherStats {
	if d == nil {
		return DispatcherStats{}
	}
	return DispatcherStats{
		Dispatched:     d.dispatched.Load(),
		Completed:      d.completed.Load(),
		Retried:        d.retried.Load(),
		Failed:         d.failed.Load(),
		MissingHandler: d.missingHandler.Load(),
		Panics:         d.panics.Load(),
		InFlight:       d.inFlight.Load(),
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, batchSize int, batch *sync.WaitGroup) (int, error) {
	// The claim itself counts as in-flight work so Stop cannot return
	// between a dequeue and the tasks it spawns.
	d.lifeMu.Lock()
	if d.stopped {
		d.lifeMu.Unlock()
		return 0, nil
	}
	d.wg.Add(1)
	d.lifeMu.Unlock()
	defer d.wg.Done()

	events, err := d.inbox.Dequeue(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	// Claimed rows are already processing, so their tasks must finish even
	// when the caller's context is cancelled.
	taskCtx := context.WithoutCancel(ctx)
	sem := d.semaphore()
	for _, event := range events {
		if err := sem.Acquire(taskCtx, 1); err != nil {
			return 0, err
		}
		d.wg.Add(1)
		if batch != nil {
			batch.Add(1)
		}
		d.inFlight.Add(1)
		d.dispatched.Add(1)
		go func(event core.WebhookEvent) {
			defer func() {
				d.inFlight.Add(-1)
				sem.Release(1)
				if batch != nil {
					batch.Done()
				}
				d.wg.Done()
			}()
			d.handle(taskCtx, event)
		}(event)
	}
	return len(events), nil
}

func (d *Dispatcher) handle(ctx context.Context, event core.WebhookEvent) {
	startedAt := time.Now()
	provider, endpoint := normalizeRoute(event.Provider, event.Endpoint)
	fields := map[string]any{
		"event":    event.ID,
		"provider": provider,
		"endpoint": endpoint,
		"event_id": event.EventID,
		"attempt":  event.RetryCount + 1,
	}

	handler := d.handlerFor(provider, endpoint)
	if handler == nil {
		d.missingHandler.Add(1)
		err := handlerNotFoundError(provider, endpoint)
		d.finish(ctx, event, startedAt, outcomeFailed, d.fail(ctx, event, startedAt, err.Error()), fields)
		return
	}

	result, err := d.invoke(ctx, handler, event)
	if err != nil {
		fields["error"] = err.Error()
		if core.IsRetryable(err) {
			result, retryErr := d.retry(ctx, event, nil, err.Error())
			d.finish(ctx, event, startedAt, result, retryErr, fields)
			return
		}
		d.finish(ctx, event, startedAt, outcomeFailed, d.fail(ctx, event, startedAt, err.Error()), fields)
		return
	}

	switch result.Status {
	case StatusSuccess:
		d.finish(ctx, event, startedAt, outcomeCompleted, d.complete(ctx, event, startedAt, result.Message), fields)
	case StatusAlreadyProcessing:
		note := "already processing"
		if message := strings.TrimSpace(result.Message); message != "" {
			note += ": " + message
		}
		d.finish(ctx, event, startedAt, outcomeCompleted, d.complete(ctx, event, startedAt, note), fields)
	case StatusRetry:
		next, retryErr := d.retry(ctx, event, result.RetryDelay, result.Message)
		d.finish(ctx, event, startedAt, next, retryErr, fields)
	case StatusError:
		message := strings.TrimSpace(result.Message)
		if message == "" {
			message = "handler reported an error"
		}
		d.finish(ctx, event, startedAt, outcomeFailed, d.fail(ctx, event, startedAt, message), fields)
	default:
		message := fmt.Sprintf("inbound: unknown handler status %q", result.Status)
		d.finish(ctx, event, startedAt, outcomeFailed, d.fail(ctx, event, startedAt, message), fields)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, event core.WebhookEvent) (result HandlerResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.panics.Add(1)
			result = HandlerResult{}
			err = handlerPanicError(event.Provider, event.Endpoint, recovered)
		}
	}()
	return handler.Handle(ctx, requestFromEvent(event))
}

func (d *Dispatcher) complete(ctx context.Context, event core.WebhookEvent, startedAt time.Time, note string) error {
	durationMS := time.Since(startedAt).Milliseconds()
	_, err := d.inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{
		ID:           event.ID,
		Status:       core.WebhookStatusCompleted,
		ErrorMessage: note,
		DurationMS:   &durationMS,
	})
	return err
}

func (d *Dispatcher) fail(ctx context.Context, event core.WebhookEvent, startedAt time.Time, message string) error {
	durationMS := time.Since(startedAt).Milliseconds()
	_, err := d.inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{
		ID:           event.ID,
		Status:       core.WebhookStatusFailed,
		ErrorMessage: message,
		DurationMS:   &durationMS,
	})
	return err
}

// retry reports outcomeFailed once the inbox has run out of attempts.
func (d *Dispatcher) retry(ctx context.Context, event core.WebhookEvent, delay *time.Duration, cause string) (outcome, error) {
	result, err := d.inbox.Retry(ctx, core.RetryWebhookInput{
		ID:    event.ID,
		Delay: delay,
		Cause: cause,
	})
	if err != nil || result.Scheduled {
		return outcomeRetried, err
	}
	return outcomeFailed, nil
}

func (d *Dispatcher) finish(
	ctx context.Context,
	event core.WebhookEvent,
	startedAt time.Time,
	result outcome,
	updateErr error,
	fields map[string]any,
) {
	fields["outcome"] = string(result)
	fields["duration_ms"] = time.Since(startedAt).Milliseconds()
	d.observer.Count(ctx, "txcoord.dispatcher.tasks", 1, map[string]string{
		"provider": event.Provider,
		"outcome":  string(result),
	})
	if updateErr != nil {
		fields["update_error"] = updateErr.Error()
		d.observer.Error(ctx, "dispatcher could not record event outcome", fields)
		return
	}
	switch result {
	case outcomeCompleted:
		d.completed.Add(1)
		d.observer.Debug(ctx, "webhook event handled", fields)
	case outcomeRetried:
		d.retried.Add(1)
		d.observer.Info(ctx, "webhook event scheduled for retry", fields)
	case outcomeFailed:
		d.failed.Add(1)
		d.observer.Warn(ctx, "webhook event failed", fields)
	}
}

func (d *Dispatcher) handlerFor(provider string, endpoint string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[routeKey(provider, endpoint)]
}

func (d *Dispatcher) semaphore() *semaphore.Weighted {
	d.semOnce.Do(func() {
		d.sem = semaphore.NewWeighted(int64(d.concurrency()))
	})
	return d.sem
}

func (d *Dispatcher) halted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return defaultConcurrency
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return defaultBatchSize
}

func (d *Dispatcher) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return defaultPollInterval
}

func normalizeRoute(provider string, endpoint string) (string, string) {
	return strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(endpoint)
}

func routeKey(provider string, endpoint string) string {
	return provider + "\x00" + endpoint
}
