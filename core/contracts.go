package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type LockStore interface {
	// Insert creates an active lock row. A unique violation must be reported
	// through ErrLockContended.
	Insert(ctx context.Context, lock Lock) error
	GetActive(ctx context.Context, name string) (Lock, error)
	Release(ctx context.Context, name string, ownerToken string, now time.Time) (bool, error)
	Extend(ctx context.Context, name string, ownerToken string, additional time.Duration, maxExpiry time.Time, now time.Time) (bool, error)
	ForceRelease(ctx context.Context, name string, now time.Time) (bool, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
	PurgeReleased(ctx context.Context, before time.Time) (int, error)
}

type IdempotencyStore interface {
	// Insert creates a processing record. A unique violation must be reported
	// through ErrIdempotencyKeyExists.
	Insert(ctx context.Context, record IdempotencyRecord) error
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Complete(ctx context.Context, in CompleteIdempotencyInput) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type WebhookEventStore interface {
	// InsertIfAbsent ignores rows that collide on (provider, event_id) and
	// returns the id of the stored row either way.
	InsertIfAbsent(ctx context.Context, event WebhookEvent) (string, bool, error)
	Get(ctx context.Context, id string) (WebhookEvent, error)
	GetByEventID(ctx context.Context, provider string, eventID string) (WebhookEvent, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]WebhookEvent, error)
	UpdateStatus(ctx context.Context, in UpdateWebhookStatusInput, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id string, cause string, now time.Time, plan RetryPlan) (RetryWebhookResult, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int, error)
	// ReleaseStaleClaims returns processing rows last touched at or before
	// before to retry, or to failed once their retry budget is spent.
	ReleaseStaleClaims(ctx context.Context, before time.Time, now time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[WebhookStatus]int, error)
}

type StoreProvider interface {
	LockStore() LockStore
	IdempotencyStore() IdempotencyStore
	WebhookEventStore() WebhookEventStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}
