package gojob

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-txcoord/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// RetryPolicy bounds how often a failed maintenance job goes back on the
// queue.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Settle clamps opts for a nack on the given attempt. Exhausted jobs are
// dropped unless DeadLetterOnMax is set.
func (p RetryPolicy) Settle(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	switch {
	case out.Delay < 0:
		out.Delay = 0
	case p.MaxDelay > 0 && out.Delay > p.MaxDelay:
		out.Delay = p.MaxDelay
	}
	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	switch {
	case out.DeadLetter:
		out.Requeue = false
	case exhausted && p.DeadLetterOnMax:
		out.Requeue = false
		out.DeadLetter = true
	case exhausted:
		out.Requeue = false
	}
	if !out.Requeue && !out.DeadLetter && !exhausted {
		out.Requeue = true
	}
	return out
}

// Scheduler publishes maintenance jobs onto a go-job queue.
type Scheduler struct {
	enqueuer queue.Enqueuer
}

func NewScheduler(enqueuer queue.Enqueuer) *Scheduler {
	return &Scheduler{enqueuer: enqueuer}
}

func (s *Scheduler) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if s == nil || s.enqueuer == nil {
		return core.ConfigurationError("gojob: enqueuer is not configured", nil)
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return core.BadInputError("gojob: job id is required", nil)
	}
	return s.enqueuer.Enqueue(ctx, encodeMessage(msg))
}

// Schedule enqueues jobID once per key.
func (s *Scheduler) Schedule(ctx context.Context, jobID string, key string, params map[string]any) error {
	return s.Enqueue(ctx, MaintenanceMessage(jobID, key, params))
}

// Source pulls maintenance deliveries from a go-job queue.
type Source struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewSource(dequeuer queue.Dequeuer, policy RetryPolicy) *Source {
	return &Source{dequeuer: dequeuer, policy: policy}
}

func (s *Source) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if s == nil || s.dequeuer == nil {
		return nil, core.ConfigurationError("gojob: dequeuer is not configured", nil)
	}
	raw, err := s.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return WrapDelivery(raw, s.policy), nil
}

// WrapDelivery exposes a go-job delivery through the core job contract,
// applying policy on every nack.
func WrapDelivery(raw queue.Delivery, policy RetryPolicy) core.JobDelivery {
	return &delivery{raw: raw, policy: policy}
}

type delivery struct {
	raw    queue.Delivery
	policy RetryPolicy
}

func (d *delivery) Message() *core.JobExecutionMessage {
	return decodeMessage(d.raw.Message())
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.raw.Ack(ctx)
}

func (d *delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

func (d *delivery) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	settled := d.policy.Settle(opts, attempt)
	return d.raw.Nack(ctx, queue.NackOptions{
		Delay:      settled.Delay,
		Requeue:    settled.Requeue,
		DeadLetter: settled.DeadLetter,
		Reason:     settled.Reason,
	})
}

func encodeMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func decodeMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*Scheduler)(nil)
	_ core.JobDequeuer = (*Source)(nil)
	_ core.JobDelivery = (*delivery)(nil)
)
