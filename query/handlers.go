package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-txcoord/core"
)

type WebhookEventReader interface {
	Get(ctx context.Context, id string) (core.WebhookEvent, error)
	GetByEventID(ctx context.Context, provider string, eventID string) (core.WebhookEvent, error)
}

type IdempotencyReader interface {
	Lookup(ctx context.Context, key string) (core.IdempotencyRecord, bool, error)
}

type LockReader interface {
	Get(ctx context.Context, name string) (core.Lock, error)
}

type StatsReader interface {
	Snapshot(ctx context.Context, includeCounts bool) (StatsSnapshot, error)
}

type GetWebhookEventQuery struct {
	reader WebhookEventReader
}

func NewGetWebhookEventQuery(reader WebhookEventReader) *GetWebhookEventQuery {
	return &GetWebhookEventQuery{reader: reader}
}

func (q *GetWebhookEventQuery) Query(ctx context.Context, msg GetWebhookEventMessage) (core.WebhookEvent, error) {
	if q == nil || q.reader == nil {
		return core.WebhookEvent{}, queryDependencyError("query: webhook event reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.WebhookEvent{}, err
	}
	var (
		event core.WebhookEvent
		err   error
	)
	if id := strings.TrimSpace(msg.ID); id != "" {
		event, err = q.reader.Get(ctx, id)
	} else {
		event, err = q.reader.GetByEventID(ctx, msg.Provider, msg.EventID)
	}
	if err != nil {
		if core.IsNotFound(err) {
			return core.WebhookEvent{}, queryNotFoundError("query: webhook event not found", err)
		}
		return core.WebhookEvent{}, err
	}
	return event, nil
}

type GetIdempotencyRecordQuery struct {
	reader IdempotencyReader
}

func NewGetIdempotencyRecordQuery(reader IdempotencyReader) *GetIdempotencyRecordQuery {
	return &GetIdempotencyRecordQuery{reader: reader}
}

// Query returns the stored record, expired or not. Callers decide whether
// an expired record still matters to them.
func (q *GetIdempotencyRecordQuery) Query(ctx context.Context, msg GetIdempotencyRecordMessage) (core.IdempotencyRecord, error) {
	if q == nil || q.reader == nil {
		return core.IdempotencyRecord{}, queryDependencyError("query: idempotency reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.IdempotencyRecord{}, err
	}
	record, found, err := q.reader.Lookup(ctx, strings.TrimSpace(msg.Key))
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	if !found {
		return core.IdempotencyRecord{}, queryNotFoundError("query: idempotency record not found", core.ErrIdempotencyRecordNotFound)
	}
	return record, nil
}

type GetLockQuery struct {
	reader LockReader
}

func NewGetLockQuery(reader LockReader) *GetLockQuery {
	return &GetLockQuery{reader: reader}
}

func (q *GetLockQuery) Query(ctx context.Context, msg GetLockMessage) (core.Lock, error) {
	if q == nil || q.reader == nil {
		return core.Lock{}, queryDependencyError("query: lock reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Lock{}, err
	}
	lock, err := q.reader.Get(ctx, strings.TrimSpace(msg.Name))
	if err != nil {
		if core.IsNotFound(err) {
			return core.Lock{}, queryNotFoundError("query: lock not found", err)
		}
		return core.Lock{}, err
	}
	return lock, nil
}

type StatsQuery struct {
	reader StatsReader
}

func NewStatsQuery(reader StatsReader) *StatsQuery {
	return &StatsQuery{reader: reader}
}

func (q *StatsQuery) Query(ctx context.Context, msg StatsMessage) (StatsSnapshot, error) {
	if q == nil || q.reader == nil {
		return StatsSnapshot{}, queryDependencyError("query: stats reader is required")
	}
	return q.reader.Snapshot(ctx, msg.IncludeCounts)
}
