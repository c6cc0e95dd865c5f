package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type lockRecord struct {
	bun.BaseModel `bun:"table:locks,alias:lk"`

	ID            string         `bun:"id,pk"`
	LockName      string         `bun:"lock_name,notnull"`
	OwnerToken    string         `bun:"owner_token,notnull"`
	OperationType string         `bun:"operation_type,notnull"`
	ResourceID    string         `bun:"resource_id,notnull"`
	ProcessID     string         `bun:"process_id,notnull"`
	AcquiredAt    time.Time      `bun:"acquired_at,notnull"`
	ExpiresAt     time.Time      `bun:"expires_at,notnull"`
	ReleasedAt    *time.Time     `bun:"released_at,nullzero"`
	IsActive      bool           `bun:"is_active,notnull"`
	Metadata      map[string]any `bun:"metadata,type:jsonb,notnull"`
}

type idempotencyTokenRecord struct {
	bun.BaseModel `bun:"table:idempotency_tokens,alias:it"`

	ID             string         `bun:"id,pk"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	OperationType  string         `bun:"operation_type,notnull"`
	ResourceID     string         `bun:"resource_id,notnull"`
	Status         string         `bun:"status,notnull"`
	ResultData     map[string]any `bun:"result_data,type:jsonb,notnull"`
	ErrorMessage   string         `bun:"error_message,notnull"`
	ExpiresAt      time.Time      `bun:"expires_at,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt    *time.Time     `bun:"completed_at,nullzero"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:webhook_events,alias:we"`

	ID                   string            `bun:"id,pk"`
	Provider             string            `bun:"provider,notnull"`
	Endpoint             string            `bun:"endpoint,notnull"`
	EventID              string            `bun:"event_id,notnull"`
	EventType            string            `bun:"event_type,notnull"`
	Payload              []byte            `bun:"payload,notnull"`
	Headers              map[string]string `bun:"headers,type:jsonb,notnull"`
	ClientIP             string            `bun:"client_ip,notnull"`
	Signature            string            `bun:"signature,notnull"`
	Status               string            `bun:"status,notnull"`
	RetryCount           int               `bun:"retry_count,notnull"`
	MaxRetries           int               `bun:"max_retries,notnull"`
	ScheduledAt          *time.Time        `bun:"scheduled_at,nullzero"`
	CreatedAt            time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ErrorMessage         string            `bun:"error_message,notnull"`
	ProcessingDurationMS *int64            `bun:"processing_duration_ms"`
	Metadata             map[string]any    `bun:"metadata,type:jsonb,notnull"`
}

type statusCountRow struct {
	Status string `bun:"status"`
	Count  int    `bun:"count"`
}
