package query

import (
	"strings"

	"github.com/goliatone/go-txcoord/core"
	"github.com/goliatone/go-txcoord/inbound"
	"github.com/goliatone/go-txcoord/payments"
	"github.com/goliatone/go-txcoord/webhooks"
)

const (
	TypeGetWebhookEvent      = "txcoord.query.webhook.get"
	TypeGetIdempotencyRecord = "txcoord.query.idempotency.get"
	TypeGetLock              = "txcoord.query.lock.get"
	TypeStats                = "txcoord.query.stats"
)

// GetWebhookEventMessage selects an event by row ID, or by Provider and
// EventID when ID is empty.
type GetWebhookEventMessage struct {
	ID       string
	Provider string
	EventID  string
}

func (GetWebhookEventMessage) Type() string { return TypeGetWebhookEvent }

func (m GetWebhookEventMessage) Validate() error {
	if strings.TrimSpace(m.ID) != "" {
		return nil
	}
	if strings.TrimSpace(m.Provider) == "" || strings.TrimSpace(m.EventID) == "" {
		return queryValidationError("id", "required unless provider and event_id are set")
	}
	return nil
}

type GetIdempotencyRecordMessage struct {
	Key string
}

func (GetIdempotencyRecordMessage) Type() string { return TypeGetIdempotencyRecord }

func (m GetIdempotencyRecordMessage) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return queryValidationError("key", "required")
	}
	return nil
}

type GetLockMessage struct {
	Name string
}

func (GetLockMessage) Type() string { return TypeGetLock }

func (m GetLockMessage) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return queryValidationError("name", "required")
	}
	return nil
}

type StatsMessage struct {
	// IncludeCounts adds a per-status count of inbox rows, which costs a
	// store round trip.
	IncludeCounts bool
}

func (StatsMessage) Type() string { return TypeStats }

func (StatsMessage) Validate() error { return nil }

// StatsSnapshot is a point-in-time view of every coordination counter in
// the process.
type StatsSnapshot struct {
	Locks       core.LockStats
	Idempotency core.IdempotencyStats
	Breaker     core.CircuitBreakerState
	Inbox       webhooks.InboxStats
	InboxCounts map[core.WebhookStatus]int
	Dispatcher  inbound.DispatcherStats
	Payments    payments.Stats
}
