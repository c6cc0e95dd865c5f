package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-txcoord/core"
)

const (
	JobIDLocksSweep    = "txcoord.locks.sweep"
	JobIDInboxCleanup  = "txcoord.inbox.cleanup"
	JobIDInboxDispatch = "txcoord.inbox.dispatch"
)

const (
	ParamBatchSize = "batch_size"
	ParamRetention = "retention"
	ParamAttempt   = "attempt"

	defaultRetryDelay = 30 * time.Second
)

type Sweeper interface {
	SweepOnce(ctx context.Context) (core.SweepReport, error)
}

type InboxCleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

type BatchDispatcher interface {
	DispatchOnce(ctx context.Context, batchSize int) (int, error)
}

// MaintenanceRunner executes the periodic coordination jobs delivered by a
// go-job queue. Each delivery is acked on success and nacked under the
// retry policy otherwise.
type MaintenanceRunner struct {
	Sweeper    Sweeper
	Inbox      InboxCleaner
	Dispatcher BatchDispatcher
	Policy     RetryPolicy
	RetryDelay time.Duration
	Hook       core.JobWorkerHook
	Now        func() time.Time

	dequeuer core.JobDequeuer
}

func NewMaintenanceRunner(dequeuer core.JobDequeuer, policy RetryPolicy) *MaintenanceRunner {
	return &MaintenanceRunner{
		Policy:     policy,
		RetryDelay: defaultRetryDelay,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		dequeuer: dequeuer,
	}
}

// Run processes deliveries until ctx is done. Dequeue failures back off for
// idle before trying again.
func (r *MaintenanceRunner) Run(ctx context.Context, idle time.Duration) error {
	if r == nil || r.dequeuer == nil {
		return fmt.Errorf("gojob: maintenance dequeuer is not configured")
	}
	if idle <= 0 {
		idle = time.Second
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
		}
	}
}

// RunOnce dequeues and executes a single delivery.
func (r *MaintenanceRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.dequeuer == nil {
		return fmt.Errorf("gojob: maintenance dequeuer is not configured")
	}
	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	return r.Handle(ctx, delivery)
}

// Handle executes delivery and settles it with the queue.
func (r *MaintenanceRunner) Handle(ctx context.Context, delivery core.JobDelivery) error {
	msg := delivery.Message()
	if msg == nil {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "empty job message"})
	}
	attempt := intParam(msg.Parameters, ParamAttempt, 1)
	event := core.JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: r.now()}
	r.hookStart(ctx, event)

	runErr := r.Execute(ctx, msg)
	event.Duration = r.now().Sub(event.StartedAt)
	event.Err = runErr
	if runErr == nil {
		r.hookSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	opts := core.JobNackOptions{Reason: runErr.Error()}
	if core.IsRetryable(runErr) {
		opts.Requeue = true
		opts.Delay = r.retryDelay()
		event.Delay = opts.Delay
		r.hookRetry(ctx, event)
	} else {
		opts.DeadLetter = true
		r.hookFailure(ctx, event)
	}
	if bounded, ok := delivery.(interface {
		NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error
	}); ok {
		return bounded.NackForAttempt(ctx, opts, attempt)
	}
	return delivery.Nack(ctx, r.Policy.Settle(opts, attempt))
}

// Execute routes msg to the maintenance operation named by its job id.
func (r *MaintenanceRunner) Execute(ctx context.Context, msg *core.JobExecutionMessage) error {
	switch strings.TrimSpace(msg.JobID) {
	case JobIDLocksSweep:
		if r.Sweeper == nil {
			return core.ConfigurationError("gojob: sweeper is not configured", nil)
		}
		_, err := r.Sweeper.SweepOnce(ctx)
		return err
	case JobIDInboxCleanup:
		if r.Inbox == nil {
			return core.ConfigurationError("gojob: inbox is not configured", nil)
		}
		retention, err := durationParam(msg.Parameters, ParamRetention)
		if err != nil {
			return err
		}
		_, err = r.Inbox.Cleanup(ctx, retention)
		return err
	case JobIDInboxDispatch:
		if r.Dispatcher == nil {
			return core.ConfigurationError("gojob: dispatcher is not configured", nil)
		}
		_, err := r.Dispatcher.DispatchOnce(ctx, intParam(msg.Parameters, ParamBatchSize, 0))
		return err
	default:
		return core.PermanentError(nil, "gojob: unknown maintenance job", map[string]any{"job_id": msg.JobID})
	}
}

// MaintenanceMessage builds a job message for jobID. key deduplicates
// schedules of the same tick.
func MaintenanceMessage(jobID string, key string, params map[string]any) *core.JobExecutionMessage {
	return &core.JobExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     copyAnyMap(params),
		IdempotencyKey: strings.TrimSpace(key),
		DedupPolicy:    "drop",
	}
}

func (r *MaintenanceRunner) retryDelay() time.Duration {
	if r.RetryDelay > 0 {
		return r.RetryDelay
	}
	return defaultRetryDelay
}

func (r *MaintenanceRunner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *MaintenanceRunner) hookStart(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnStart(ctx, event)
	}
}

func (r *MaintenanceRunner) hookSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnSuccess(ctx, event)
	}
}

func (r *MaintenanceRunner) hookFailure(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnFailure(ctx, event)
	}
}

func (r *MaintenanceRunner) hookRetry(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnRetry(ctx, event)
	}
}

func intParam(params map[string]any, key string, fallback int) int {
	switch typed := params[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(typed)); err == nil {
			return parsed
		}
	}
	return fallback
}

// durationParam accepts a Go duration, a duration string, or seconds.
func durationParam(params map[string]any, key string) (time.Duration, error) {
	switch typed := params[key].(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return typed, nil
	case int:
		return time.Duration(typed) * time.Second, nil
	case int64:
		return time.Duration(typed) * time.Second, nil
	case float64:
		return time.Duration(typed * float64(time.Second)), nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(typed))
		if err != nil {
			return 0, core.BadInputError("gojob: invalid duration parameter", map[string]any{
				"param": key,
				"value": typed,
				"error": err.Error(),
			})
		}
		return parsed, nil
	default:
		return 0, core.BadInputError("gojob: unsupported duration parameter", map[string]any{
			"param": key,
			"type":  fmt.Sprintf("%T", typed),
		})
	}
}
