package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-txcoord/core"
)

const (
	TypeEnqueueWebhook      = "txcoord.command.webhook.enqueue"
	TypeRetryWebhook        = "txcoord.command.webhook.retry"
	TypeUpdateWebhookStatus = "txcoord.command.webhook.update_status"
	TypeCleanupWebhooks     = "txcoord.command.webhook.cleanup"
	TypeDispatchWebhooks    = "txcoord.command.webhook.dispatch"
	TypeSweep               = "txcoord.command.maintenance.sweep"
	TypeReleaseLock         = "txcoord.command.lock.release"
)

type EnqueueWebhookMessage struct {
	Input core.EnqueueWebhookInput
}

func (EnqueueWebhookMessage) Type() string { return TypeEnqueueWebhook }

func (m EnqueueWebhookMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.Input.Provider) == "":
		return commandValidationError("provider", "required")
	case strings.TrimSpace(m.Input.Endpoint) == "":
		return commandValidationError("endpoint", "required")
	case strings.TrimSpace(m.Input.EventID) == "":
		return commandValidationError("event_id", "required")
	case m.Input.MaxRetries < 0:
		return commandValidationError("max_retries", "must be >= 0")
	}
	return nil
}

type RetryWebhookMessage struct {
	Input core.RetryWebhookInput
}

func (RetryWebhookMessage) Type() string { return TypeRetryWebhook }

func (m RetryWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Input.ID) == "" {
		return commandValidationError("id", "required")
	}
	if m.Input.Delay != nil && *m.Input.Delay < 0 {
		return commandValidationError("delay", "must be >= 0")
	}
	return nil
}

type UpdateWebhookStatusMessage struct {
	Input core.UpdateWebhookStatusInput
}

func (UpdateWebhookStatusMessage) Type() string { return TypeUpdateWebhookStatus }

func (m UpdateWebhookStatusMessage) Validate() error {
	if strings.TrimSpace(m.Input.ID) == "" {
		return commandValidationError("id", "required")
	}
	if !m.Input.Status.Valid() {
		return commandValidationError("status", "unknown status "+string(m.Input.Status))
	}
	return nil
}

// CleanupWebhooksMessage removes terminal events older than Retention. Zero
// uses the inbox default.
type CleanupWebhooksMessage struct {
	Retention time.Duration
}

func (CleanupWebhooksMessage) Type() string { return TypeCleanupWebhooks }

func (m CleanupWebhooksMessage) Validate() error {
	if m.Retention < 0 {
		return commandValidationError("retention", "must be >= 0")
	}
	return nil
}

type DispatchWebhooksMessage struct {
	BatchSize int
}

func (DispatchWebhooksMessage) Type() string { return TypeDispatchWebhooks }

func (m DispatchWebhooksMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandValidationError("batch_size", "must be >= 0")
	}
	return nil
}

type SweepMessage struct{}

func (SweepMessage) Type() string { return TypeSweep }

func (SweepMessage) Validate() error { return nil }

// ReleaseLockMessage releases Name for OwnerToken. Force releases the active
// row regardless of owner and is meant for operators.
type ReleaseLockMessage struct {
	Name       string
	OwnerToken string
	Force      bool
}

func (ReleaseLockMessage) Type() string { return TypeReleaseLock }

func (m ReleaseLockMessage) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return commandValidationError("name", "required")
	}
	if !m.Force && strings.TrimSpace(m.OwnerToken) == "" {
		return commandValidationError("owner_token", "required unless force is set")
	}
	return nil
}

type CleanupResult struct {
	Deleted int
}

type DispatchResult struct {
	Dispatched int
}

type ReleaseLockResult struct {
	Released bool
}
