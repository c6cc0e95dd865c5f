package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StaleClaimReason is recorded on events whose processing claim outlived
// the inbox claim timeout.
const StaleClaimReason = "claim expired before an outcome was recorded"

var (
	ErrInvalidWebhookStatusTransition = errors.New("core: invalid webhook status transition")
	ErrInvalidIdempotencyStatus       = errors.New("core: invalid idempotency status")
	ErrLockNotFound                   = errors.New("core: lock not found")
	ErrIdempotencyRecordNotFound      = errors.New("core: idempotency record not found")
	ErrWebhookEventNotFound           = errors.New("core: webhook event not found")
)

// Document is the in-process form of the opaque JSON blobs persisted for lock
// metadata, idempotency results, and webhook metadata.
type Document map[string]any

func (d Document) Clone() Document {
	if len(d) == 0 {
		return Document{}
	}
	out := make(Document, len(d))
	for key, value := range d {
		out[key] = cloneDocumentValue(value)
	}
	return out
}

func (d Document) Encode() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}

func (d Document) String(key string) string {
	if len(d) == 0 {
		return ""
	}
	value, ok := d[key]
	if !ok || value == nil {
		return ""
	}
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func DecodeDocument(raw []byte) (Document, error) {
	if len(raw) == 0 {
		return Document{}, nil
	}
	out := Document{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("core: decode document: %w", err)
	}
	return out, nil
}

func cloneDocumentValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Document(typed).Clone())
	case Document:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneDocumentValue(typed[i])
		}
		return out
	default:
		return value
	}
}

type Lock struct {
	Name          string
	OwnerToken    string
	OperationType string
	ResourceID    string
	ProcessID     string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	ReleasedAt    *time.Time
	Active        bool
	Metadata      Document
}

func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

type AcquireLockInput struct {
	Name          string
	OperationType string
	ResourceID    string
	Timeout       time.Duration
	Metadata      Document
}

type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyStatusCompleted || s == IdempotencyStatusFailed
}

type IdempotencyRecord struct {
	Key           string
	OperationType string
	ResourceID    string
	Status        IdempotencyStatus
	ResultData    Document
	ErrorMessage  string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

type CompleteIdempotencyInput struct {
	Key          string
	Status       IdempotencyStatus
	ResultData   Document
	ErrorMessage string
	CompletedAt  time.Time
}

// EnsureResult reports whether a key was already claimed. Previous is only set
// when the earlier attempt completed successfully.
type EnsureResult struct {
	Duplicate bool
	Expired   bool
	Previous  Document
	Record    IdempotencyRecord
}

type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusCompleted  WebhookStatus = "completed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusRetry      WebhookStatus = "retry"
)

func (s WebhookStatus) Terminal() bool {
	return s == WebhookStatusCompleted || s == WebhookStatusFailed
}

func (s WebhookStatus) Valid() bool {
	switch s {
	case WebhookStatusPending, WebhookStatusProcessing, WebhookStatusCompleted, WebhookStatusFailed, WebhookStatusRetry:
		return true
	default:
		return false
	}
}

func WebhookTransitionAllowed(from WebhookStatus, to WebhookStatus) bool {
	if from == to {
		return from == WebhookStatusProcessing || from == WebhookStatusRetry
	}
	switch from {
	case WebhookStatusPending:
		return to == WebhookStatusProcessing || to == WebhookStatusFailed
	case WebhookStatusProcessing:
		return to == WebhookStatusCompleted || to == WebhookStatusFailed || to == WebhookStatusRetry
	case WebhookStatusRetry:
		return to == WebhookStatusProcessing || to == WebhookStatusFailed
	default:
		return false
	}
}

type WebhookEvent struct {
	ID                   string
	Provider             string
	Endpoint             string
	EventID              string
	EventType            string
	Payload              []byte
	Headers              map[string]string
	ClientIP             string
	Signature            string
	Status               WebhookStatus
	RetryCount           int
	MaxRetries           int
	ScheduledAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ErrorMessage         string
	ProcessingDurationMS *int64
	Metadata             Document
}

func (e *WebhookEvent) TransitionTo(status WebhookStatus, reason string, now time.Time) error {
	if e == nil {
		return nil
	}
	if !WebhookTransitionAllowed(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidWebhookStatusTransition, e.Status, status)
	}
	e.Status = status
	e.UpdatedAt = now
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		e.ErrorMessage = trimmed
	}
	return nil
}

type EnqueueWebhookInput struct {
	Provider   string
	Endpoint   string
	EventID    string
	EventType  string
	Payload    []byte
	Headers    map[string]string
	ClientIP   string
	Signature  string
	Metadata   Document
	MaxRetries int
}

// EnqueueWebhookResult identifies the stored row. Duplicate is set when the
// (provider, event_id) pair was already recorded; ID is then the existing row.
type EnqueueWebhookResult struct {
	Accepted   bool
	Duplicate  bool
	ID         string
	EventID    string
	DurationMS int64
}

type UpdateWebhookStatusInput struct {
	ID           string
	Status       WebhookStatus
	ErrorMessage string
	DurationMS   *int64
}

type RetryWebhookInput struct {
	ID    string
	Delay *time.Duration
	Cause string
}

type RetryWebhookResult struct {
	Scheduled   bool
	Status      WebhookStatus
	RetryCount  int
	ScheduledAt *time.Time
}

// RetryPlan decides the next state of an event from its current retry counters.
type RetryPlan func(event WebhookEvent, now time.Time) RetryWebhookResult

func CopyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func CloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := in.UTC()
	return &value
}
