package gojob

import (
	"context"

	"github.com/goliatone/go-txcoord/core"

	"github.com/goliatone/go-job/queue/worker"
)

// ObserverHook reports maintenance job outcomes as log lines and
// txcoord.jobs.* counters.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	if observer == nil {
		observer = core.NewObserver("jobs", nil, nil)
	}
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Debug(ctx, "maintenance job started", eventFields(event))
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Count(ctx, "txcoord.jobs.succeeded", 1, jobTags(event))
	h.observer.Info(ctx, "maintenance job succeeded", eventFields(event))
}

func (h *ObserverHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Count(ctx, "txcoord.jobs.failed", 1, jobTags(event))
	h.observer.Error(ctx, "maintenance job failed", eventFields(event))
}

func (h *ObserverHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Count(ctx, "txcoord.jobs.retried", 1, jobTags(event))
	h.observer.Warn(ctx, "maintenance job retrying", eventFields(event))
}

// WorkerHook lets a go-job worker pool report through hook, so jobs run by
// an external worker show up alongside the MaintenanceRunner's.
func WorkerHook(hook core.JobWorkerHook) worker.Hook {
	return workerHook{hook: hook}
}

type workerHook struct {
	hook core.JobWorkerHook
}

func (w workerHook) OnStart(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnStart(ctx, fromWorkerEvent(event))
	}
}

func (w workerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnSuccess(ctx, fromWorkerEvent(event))
	}
}

func (w workerHook) OnFailure(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnFailure(ctx, fromWorkerEvent(event))
	}
}

func (w workerHook) OnRetry(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnRetry(ctx, fromWorkerEvent(event))
	}
}

func fromWorkerEvent(event worker.Event) core.JobWorkerEvent {
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   decodeMessage(msg),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func eventFields(event core.JobWorkerEvent) map[string]any {
	fields := map[string]any{
		"attempt":     event.Attempt,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Message != nil {
		fields["job_id"] = event.Message.JobID
		if event.Message.IdempotencyKey != "" {
			fields["job_key"] = event.Message.IdempotencyKey
		}
	}
	if event.Delay > 0 {
		fields["delay_ms"] = event.Delay.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

func jobTags(event core.JobWorkerEvent) map[string]string {
	if event.Message == nil {
		return nil
	}
	return map[string]string{"job_id": event.Message.JobID}
}

var (
	_ core.JobWorkerHook = (*ObserverHook)(nil)
	_ worker.Hook        = workerHook{}
)
