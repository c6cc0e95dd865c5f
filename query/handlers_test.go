package query

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-txcoord/core"
	"github.com/goliatone/go-txcoord/inbound"
	"github.com/goliatone/go-txcoord/webhooks"
)

type statsReaderFunc func(ctx context.Context, includeCounts bool) (StatsSnapshot, error)

func (f statsReaderFunc) Snapshot(ctx context.Context, includeCounts bool) (StatsSnapshot, error) {
	return f(ctx, includeCounts)
}

func TestGetWebhookEventQuery_ReadsThroughInbox(t *testing.T) {
	ctx := context.Background()
	inbox := webhooks.NewInbox(core.NewMemoryWebhookEventStore(), nil, nil)
	enqueued, err := inbox.Enqueue(ctx, core.EnqueueWebhookInput{
		Provider: "stripe",
		Endpoint: "/hooks/stripe",
		EventID:  "evt_1",
		Payload:  []byte(`{"id":"evt_1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	event, err := NewGetWebhookEventQuery(inbox).Query(ctx, GetWebhookEventMessage{ID: enqueued.ID})
	if err != nil {
		t.Fatalf("query event: %v", err)
	}
	if event.EventID != "evt_1" || event.Status != core.WebhookStatusPending {
		t.Fatalf("unexpected event: %#v", event)
	}
}

func TestGetWebhookEventQuery_LooksUpByProviderEvent(t *testing.T) {
	ctx := context.Background()
	inbox := webhooks.NewInbox(core.NewMemoryWebhookEventStore(), nil, nil)
	enqueued, err := inbox.Enqueue(ctx, core.EnqueueWebhookInput{
		Provider: "Stripe",
		Endpoint: "/hooks/stripe",
		EventID:  "evt_2",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	event, err := NewGetWebhookEventQuery(inbox).Query(ctx, GetWebhookEventMessage{Provider: "stripe", EventID: "evt_2"})
	if err != nil {
		t.Fatalf("query event: %v", err)
	}
	if event.ID != enqueued.ID {
		t.Fatalf("expected row %q, got %q", enqueued.ID, event.ID)
	}
	if _, err := NewGetWebhookEventQuery(inbox).Query(ctx, GetWebhookEventMessage{Provider: "stripe", EventID: "evt_3"}); !core.IsNotFound(err) {
		t.Fatalf("expected not found for unknown event, got %v", err)
	}
}

func TestGetWebhookEventQuery_MissingEventIsNotFoundEnvelope(t *testing.T) {
	inbox := webhooks.NewInbox(core.NewMemoryWebhookEventStore(), nil, nil)
	_, err := NewGetWebhookEventQuery(inbox).Query(context.Background(), GetWebhookEventMessage{ID: "missing"})
	if err == nil {
		t.Fatalf("expected not found error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Code != http.StatusNotFound || rich.TextCode != core.ErrorNotFound {
		t.Fatalf("unexpected envelope: code=%d text=%q", rich.Code, rich.TextCode)
	}
	if !errors.Is(err, core.ErrWebhookEventNotFound) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}

func TestGetIdempotencyRecordQuery(t *testing.T) {
	ctx := context.Background()
	manager := core.NewIdempotencyManager(core.NewMemoryIdempotencyStore(), nil, nil)
	if _, err := manager.Ensure(ctx, "payment:1", "payment", "order_1", time.Hour); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	q := NewGetIdempotencyRecordQuery(manager)

	record, err := q.Query(ctx, GetIdempotencyRecordMessage{Key: " payment:1 "})
	if err != nil {
		t.Fatalf("query record: %v", err)
	}
	if record.Status != core.IdempotencyStatusProcessing || record.ResourceID != "order_1" {
		t.Fatalf("unexpected record: %#v", record)
	}

	_, err = q.Query(ctx, GetIdempotencyRecordMessage{Key: "payment:2"})
	if !errors.Is(err, core.ErrIdempotencyRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetLockQuery(t *testing.T) {
	ctx := context.Background()
	locks := core.NewLockManager(core.NewMemoryLockStore(), nil, nil)
	token, ok, err := locks.Acquire(ctx, core.AcquireLockInput{Name: "payment:42", OperationType: "payment", Timeout: time.Minute})
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	lock, err := NewGetLockQuery(locks).Query(ctx, GetLockMessage{Name: "payment:42"})
	if err != nil {
		t.Fatalf("query lock: %v", err)
	}
	if lock.OwnerToken != token || !lock.Active {
		t.Fatalf("unexpected lock: %#v", lock)
	}

	if _, err := locks.Release(ctx, "payment:42", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err = NewGetLockQuery(locks).Query(ctx, GetLockMessage{Name: "payment:42"})
	if !core.IsNotFound(err) {
		t.Fatalf("expected not found after release, got %v", err)
	}
}

func TestStatsQuery_DelegatesToReader(t *testing.T) {
	reader := statsReaderFunc(func(_ context.Context, includeCounts bool) (StatsSnapshot, error) {
		if !includeCounts {
			t.Fatalf("expected counts to be requested")
		}
		return StatsSnapshot{
			Locks:       core.LockStats{Acquired: 3},
			InboxCounts: map[core.WebhookStatus]int{core.WebhookStatusPending: 2},
			Dispatcher:  inbound.DispatcherStats{Completed: 5},
		}, nil
	})
	snapshot, err := NewStatsQuery(reader).Query(context.Background(), StatsMessage{IncludeCounts: true})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if snapshot.Locks.Acquired != 3 || snapshot.InboxCounts[core.WebhookStatusPending] != 2 || snapshot.Dispatcher.Completed != 5 {
		t.Fatalf("unexpected snapshot: %#v", snapshot)
	}
}
