package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-txcoord/core"
)

type stubInbox struct {
	enqueueFn func(context.Context, core.EnqueueWebhookInput) (core.EnqueueWebhookResult, error)
	retryFn   func(context.Context, core.RetryWebhookInput) (core.RetryWebhookResult, error)
	updateFn  func(context.Context, core.UpdateWebhookStatusInput) (bool, error)
	cleanupFn func(context.Context, time.Duration) (int, error)
}

func (s stubInbox) Enqueue(ctx context.Context, in core.EnqueueWebhookInput) (core.EnqueueWebhookResult, error) {
	return s.enqueueFn(ctx, in)
}

func (s stubInbox) Retry(ctx context.Context, in core.RetryWebhookInput) (core.RetryWebhookResult, error) {
	return s.retryFn(ctx, in)
}

func (s stubInbox) UpdateStatus(ctx context.Context, in core.UpdateWebhookStatusInput) (bool, error) {
	return s.updateFn(ctx, in)
}

func (s stubInbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return s.cleanupFn(ctx, retention)
}

type stubLocks struct {
	released []string
	forced   []string
}

func (s *stubLocks) Release(_ context.Context, name string, ownerToken string) (bool, error) {
	s.released = append(s.released, name+":"+ownerToken)
	return true, nil
}

func (s *stubLocks) ForceRelease(_ context.Context, name string) (bool, error) {
	s.forced = append(s.forced, name)
	return true, nil
}

type sweepFunc func(context.Context) (core.SweepReport, error)

func (f sweepFunc) SweepOnce(ctx context.Context) (core.SweepReport, error) { return f(ctx) }

type dispatchFunc func(context.Context, int) (int, error)

func (f dispatchFunc) DispatchOnce(ctx context.Context, batch int) (int, error) { return f(ctx, batch) }

func TestEnqueueWebhookCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	called := false
	inbox := stubInbox{
		enqueueFn: func(_ context.Context, in core.EnqueueWebhookInput) (core.EnqueueWebhookResult, error) {
			called = true
			if in.Provider != "stripe" || in.EventID != "evt_1" {
				t.Fatalf("unexpected enqueue input: %#v", in)
			}
			return core.EnqueueWebhookResult{Accepted: true, EventID: "row_1"}, nil
		},
	}

	cmd := NewEnqueueWebhookCommand(inbox)
	collector := gocmd.NewResult[core.EnqueueWebhookResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, EnqueueWebhookMessage{Input: core.EnqueueWebhookInput{
		Provider: "stripe",
		Endpoint: "/hooks/stripe",
		EventID:  "evt_1",
	}})
	if err != nil {
		t.Fatalf("execute enqueue: %v", err)
	}
	if !called {
		t.Fatalf("expected enqueue invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if !result.Accepted || result.EventID != "row_1" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestInboxCommands_DelegateToService(t *testing.T) {
	t.Run("retry", func(t *testing.T) {
		delay := 5 * time.Second
		inbox := stubInbox{
			retryFn: func(_ context.Context, in core.RetryWebhookInput) (core.RetryWebhookResult, error) {
				if in.ID != "row_1" || in.Delay == nil || *in.Delay != delay {
					t.Fatalf("unexpected retry input: %#v", in)
				}
				return core.RetryWebhookResult{Scheduled: true, Status: core.WebhookStatusRetry, RetryCount: 1}, nil
			},
		}
		collector := gocmd.NewResult[core.RetryWebhookResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewRetryWebhookCommand(inbox).Execute(ctx, RetryWebhookMessage{Input: core.RetryWebhookInput{ID: "row_1", Delay: &delay}}); err != nil {
			t.Fatalf("execute retry: %v", err)
		}
		result, ok := collector.Load()
		if !ok || !result.Scheduled || result.RetryCount != 1 {
			t.Fatalf("unexpected retry result: %#v", result)
		}
	})

	t.Run("update status", func(t *testing.T) {
		inbox := stubInbox{
			updateFn: func(_ context.Context, in core.UpdateWebhookStatusInput) (bool, error) {
				if in.Status != core.WebhookStatusCompleted {
					t.Fatalf("unexpected status: %q", in.Status)
				}
				return true, nil
			},
		}
		collector := gocmd.NewResult[bool]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		msg := UpdateWebhookStatusMessage{Input: core.UpdateWebhookStatusInput{ID: "row_1", Status: core.WebhookStatusCompleted}}
		if err := NewUpdateWebhookStatusCommand(inbox).Execute(ctx, msg); err != nil {
			t.Fatalf("execute update: %v", err)
		}
		if updated, ok := collector.Load(); !ok || !updated {
			t.Fatalf("expected updated result")
		}
	})

	t.Run("cleanup", func(t *testing.T) {
		inbox := stubInbox{
			cleanupFn: func(_ context.Context, retention time.Duration) (int, error) {
				if retention != time.Hour {
					t.Fatalf("unexpected retention: %s", retention)
				}
				return 4, nil
			},
		}
		collector := gocmd.NewResult[CleanupResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewCleanupWebhooksCommand(inbox).Execute(ctx, CleanupWebhooksMessage{Retention: time.Hour}); err != nil {
			t.Fatalf("execute cleanup: %v", err)
		}
		if result, ok := collector.Load(); !ok || result.Deleted != 4 {
			t.Fatalf("unexpected cleanup result: %#v", result)
		}
	})

	t.Run("service error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		inbox := stubInbox{
			cleanupFn: func(context.Context, time.Duration) (int, error) { return 0, boom },
		}
		if err := NewCleanupWebhooksCommand(inbox).Execute(context.Background(), CleanupWebhooksMessage{}); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})
}

func TestDispatchWebhooksCommand_StoresDispatchedCount(t *testing.T) {
	dispatcher := dispatchFunc(func(_ context.Context, batch int) (int, error) {
		if batch != 25 {
			t.Fatalf("expected batch 25, got %d", batch)
		}
		return 7, nil
	})
	collector := gocmd.NewResult[DispatchResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewDispatchWebhooksCommand(dispatcher).Execute(ctx, DispatchWebhooksMessage{BatchSize: 25}); err != nil {
		t.Fatalf("execute dispatch: %v", err)
	}
	if result, ok := collector.Load(); !ok || result.Dispatched != 7 {
		t.Fatalf("unexpected dispatch result: %#v", result)
	}
}

func TestSweepCommand_StoresPartialReportOnError(t *testing.T) {
	failure := errors.New("purge failed")
	sweeper := sweepFunc(func(context.Context) (core.SweepReport, error) {
		return core.SweepReport{LocksDeactivated: 2}, failure
	})
	collector := gocmd.NewResult[core.SweepReport]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewSweepCommand(sweeper).Execute(ctx, SweepMessage{})
	if !errors.Is(err, failure) {
		t.Fatalf("expected sweep failure, got %v", err)
	}
	report, ok := collector.Load()
	if !ok || report.LocksDeactivated != 2 {
		t.Fatalf("expected partial report, got %#v", report)
	}
}

func TestReleaseLockCommand_SelectsReleaseMode(t *testing.T) {
	locks := &stubLocks{}
	cmd := NewReleaseLockCommand(locks)

	if err := cmd.Execute(context.Background(), ReleaseLockMessage{Name: " payment:42 ", OwnerToken: "tok"}); err != nil {
		t.Fatalf("execute release: %v", err)
	}
	if err := cmd.Execute(context.Background(), ReleaseLockMessage{Name: "payment:42", Force: true}); err != nil {
		t.Fatalf("execute force release: %v", err)
	}
	if len(locks.released) != 1 || locks.released[0] != "payment:42:tok" {
		t.Fatalf("unexpected releases: %#v", locks.released)
	}
	if len(locks.forced) != 1 || locks.forced[0] != "payment:42" {
		t.Fatalf("unexpected force releases: %#v", locks.forced)
	}
}
