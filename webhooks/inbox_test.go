package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-txcoord/core"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestInbox(clock *testClock) (*Inbox, *core.MemoryWebhookEventStore) {
	store := core.NewMemoryWebhookEventStore()
	breaker := core.NewCircuitBreaker(5, 30*time.Second)
	breaker.Now = clock.Now
	inbox := NewInbox(store, breaker, nil)
	inbox.Now = clock.Now
	return inbox, store
}

func enqueueInput(eventID string) core.EnqueueWebhookInput {
	return core.EnqueueWebhookInput{
		Provider: "Stripe",
		Endpoint: "/webhooks/stripe",
		EventID:  eventID,
		Payload:  []byte(`{"id":"` + eventID + `"}`),
		Headers:  map[string]string{"Content-Type": "application/json"},
	}
}

func claimOne(t *testing.T, inbox *Inbox) core.WebhookEvent {
	t.Helper()
	events, err := inbox.Dequeue(context.Background(), 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one claimed event, got %d", len(events))
	}
	return events[0]
}

func TestInbox_EnqueueIsDeduplicatedPerProviderEvent(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	ctx := context.Background()

	var rowID string
	for i := 0; i < 3; i++ {
		result, err := inbox.Enqueue(ctx, enqueueInput("evt_1"))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if !result.Accepted || result.EventID != "evt_1" || result.Duplicate != (i > 0) {
			t.Fatalf("unexpected enqueue result %d: %#v", i, result)
		}
		if i == 0 {
			rowID = result.ID
		}
		if result.ID == "" || result.ID != rowID {
			t.Fatalf("expected every enqueue to report row %q, got %q", rowID, result.ID)
		}
	}
	event, err := inbox.Get(ctx, rowID)
	if err != nil || event.EventID != "evt_1" {
		t.Fatalf("expected enqueued row to be readable by id, got %#v err=%v", event, err)
	}
	byEvent, err := inbox.GetByEventID(ctx, "STRIPE", "evt_1")
	if err != nil || byEvent.ID != rowID {
		t.Fatalf("expected lookup by provider event to find row %q, got %#v err=%v", rowID, byEvent, err)
	}
	counts, err := inbox.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[core.WebhookStatusPending] != 1 {
		t.Fatalf("expected a single pending row, got %#v", counts)
	}
	stats := inbox.Stats()
	if stats.Enqueued != 1 || stats.Deduplicated != 2 {
		t.Fatalf("unexpected stats %#v", stats)
	}

	other := enqueueInput("evt_1")
	other.Provider = "paypal"
	if _, err := inbox.Enqueue(ctx, other); err != nil {
		t.Fatalf("enqueue other provider: %v", err)
	}
	counts, _ = inbox.Counts(ctx)
	if counts[core.WebhookStatusPending] != 2 {
		t.Fatalf("expected event ids to be scoped per provider, got %#v", counts)
	}
}

func TestInbox_EnqueueRejectsMissingIdentity(t *testing.T) {
	inbox, _ := newTestInbox(newTestClock())
	in := enqueueInput(" ")
	_, err := inbox.Enqueue(context.Background(), in)
	if err == nil {
		t.Fatalf("expected blank event id to be rejected")
	}
	if core.Classify(err) != core.ErrorClassPermanent {
		t.Fatalf("expected permanent classification, got %s", core.Classify(err))
	}
}

func TestInbox_DequeueClaimsOnlyDueEventsInCreationOrder(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		if _, err := inbox.Enqueue(ctx, enqueueInput(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		clock.Advance(time.Second)
	}

	events, err := inbox.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "evt_a" || events[1].EventID != "evt_b" {
		t.Fatalf("expected oldest two events, got %#v", events)
	}
	for _, event := range events {
		if event.Status != core.WebhookStatusProcessing {
			t.Fatalf("expected claimed event to be processing, got %s", event.Status)
		}
	}

	rest, err := inbox.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue rest: %v", err)
	}
	if len(rest) != 1 || rest[0].EventID != "evt_c" {
		t.Fatalf("expected claimed events to stay out of later batches, got %#v", rest)
	}
}

func TestInbox_ConcurrentDequeueNeverDoubleClaims(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if _, err := inbox.Enqueue(ctx, enqueueInput("evt_"+string(rune('A'+i)))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				events, err := inbox.Dequeue(ctx, 3)
				if err != nil || len(events) == 0 {
					return
				}
				mu.Lock()
				for _, event := range events {
					seen[event.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected every event claimed, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("event %s claimed %d times", id, count)
		}
	}
}

func TestInbox_UpdateStatusTracksOutcomes(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	ctx := context.Background()
	if _, err := inbox.Enqueue(ctx, enqueueInput("evt_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	event := claimOne(t, inbox)

	duration := int64(40)
	updated, err := inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{
		ID:         event.ID,
		Status:     core.WebhookStatusCompleted,
		DurationMS: &duration,
	})
	if err != nil || !updated {
		t.Fatalf("expected completion to apply, updated=%t err=%v", updated, err)
	}
	stored, err := inbox.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != core.WebhookStatusCompleted || stored.ProcessingDurationMS == nil || *stored.ProcessingDurationMS != 40 {
		t.Fatalf("unexpected stored event %#v", stored)
	}
	stats := inbox.Stats()
	if stats.Completed != 1 || stats.AvgProcessingMS != 40 {
		t.Fatalf("unexpected stats %#v", stats)
	}

	_, err = inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: event.ID, Status: core.WebhookStatusProcessing})
	if !errors.Is(err, core.ErrInvalidWebhookStatusTransition) {
		t.Fatalf("expected terminal event to reject transitions, got %v", err)
	}
	if _, err := inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: event.ID, Status: "bogus"}); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestInbox_RetryBacksOffThenFails(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	inbox.RetryPolicy = ExponentialRetryPolicy{Base: time.Second, Max: time.Minute}
	ctx := context.Background()

	in := enqueueInput("evt_flaky")
	in.MaxRetries = 3
	if _, err := inbox.Enqueue(ctx, in); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	for attempt, want := range wantDelays {
		event := claimOne(t, inbox)
		result, err := inbox.Retry(ctx, core.RetryWebhookInput{ID: event.ID, Cause: "upstream 503"})
		if err != nil {
			t.Fatalf("retry %d: %v", attempt, err)
		}
		if !result.Scheduled || result.Status != core.WebhookStatusRetry || result.RetryCount != attempt+1 {
			t.Fatalf("unexpected retry result %#v", result)
		}
		if got := result.ScheduledAt.Sub(clock.Now()); got != want {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempt, want, got)
		}
		if events, _ := inbox.Dequeue(ctx, 1); len(events) != 0 {
			t.Fatalf("expected retry to stay hidden until scheduled")
		}
		clock.Advance(want)
	}

	event := claimOne(t, inbox)
	result, err := inbox.Retry(ctx, core.RetryWebhookInput{ID: event.ID, Cause: "upstream 503"})
	if err != nil {
		t.Fatalf("final retry: %v", err)
	}
	if result.Scheduled || result.Status != core.WebhookStatusFailed || result.RetryCount != 3 {
		t.Fatalf("expected retries to be exhausted, got %#v", result)
	}
	stored, _ := inbox.Get(ctx, event.ID)
	if stored.Status != core.WebhookStatusFailed || stored.ErrorMessage != "upstream 503" {
		t.Fatalf("unexpected failed event %#v", stored)
	}
	if stats := inbox.Stats(); stats.Retried != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestInbox_RetryHonoursRequestedDelayUpToCap(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	inbox.MaxDelay = 10 * time.Minute
	ctx := context.Background()
	if _, err := inbox.Enqueue(ctx, enqueueInput("evt_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	event := claimOne(t, inbox)

	requested := 2 * time.Hour
	result, err := inbox.Retry(ctx, core.RetryWebhookInput{ID: event.ID, Delay: &requested})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := result.ScheduledAt.Sub(clock.Now()); got != 10*time.Minute {
		t.Fatalf("expected requested delay capped at 10m, got %s", got)
	}
}

func TestInbox_RetryRequiresClaimedEvent(t *testing.T) {
	inbox, _ := newTestInbox(newTestClock())
	ctx := context.Background()
	if _, err := inbox.Enqueue(ctx, enqueueInput("evt_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	counts, _ := inbox.Counts(ctx)
	if counts[core.WebhookStatusPending] != 1 {
		t.Fatalf("expected pending event")
	}
	events, _ := inbox.Dequeue(ctx, 0)
	if len(events) != 1 {
		t.Fatalf("expected default batch to claim the event")
	}
	if _, err := inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: events[0].ID, Status: core.WebhookStatusCompleted}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := inbox.Retry(ctx, core.RetryWebhookInput{ID: events[0].ID}); !errors.Is(err, core.ErrInvalidWebhookStatusTransition) {
		t.Fatalf("expected completed event to refuse retry, got %v", err)
	}
	if _, err := inbox.Retry(ctx, core.RetryWebhookInput{ID: "missing"}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInbox_RefusedRetriesLeaveBreakerClosed(t *testing.T) {
	inbox, _ := newTestInbox(newTestClock())
	ctx := context.Background()
	if _, err := inbox.Enqueue(ctx, enqueueInput("evt_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	event := claimOne(t, inbox)
	if _, err := inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: event.ID, Status: core.WebhookStatusCompleted}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := inbox.Retry(ctx, core.RetryWebhookInput{ID: event.ID}); !errors.Is(err, core.ErrInvalidWebhookStatusTransition) {
			t.Fatalf("retry %d: expected refused transition, got %v", i, err)
		}
	}
	if state := inbox.breaker.State(); state.Open || state.ConsecutiveFailures != 0 {
		t.Fatalf("expected refused transitions to leave breaker closed, got %+v", state)
	}
	if _, err := inbox.Enqueue(ctx, enqueueInput("evt_2")); err != nil {
		t.Fatalf("expected enqueue after refused retries, got %v", err)
	}
}

func TestInbox_ReleaseStaleClaimsRequeuesThenFails(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	ctx := context.Background()
	in := enqueueInput("evt_stuck")
	in.MaxRetries = 2
	enqueued, err := inbox.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimOne(t, inbox)
	if released, err := inbox.ReleaseStaleClaims(ctx, 5*time.Minute); err != nil || released != 0 {
		t.Fatalf("expected fresh claim to stay, released=%d err=%v", released, err)
	}
	clock.Advance(6 * time.Minute)
	if released, err := inbox.ReleaseStaleClaims(ctx, 5*time.Minute); err != nil || released != 1 {
		t.Fatalf("expected stale claim released, released=%d err=%v", released, err)
	}
	event, err := inbox.Get(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if event.Status != core.WebhookStatusRetry || event.RetryCount != 1 || event.ErrorMessage != core.StaleClaimReason {
		t.Fatalf("unexpected released event %#v", event)
	}

	claimOne(t, inbox)
	clock.Advance(6 * time.Minute)
	if released, err := inbox.ReleaseStaleClaims(ctx, 5*time.Minute); err != nil || released != 1 {
		t.Fatalf("expected second stale claim released, released=%d err=%v", released, err)
	}
	event, _ = inbox.Get(ctx, enqueued.ID)
	if event.Status != core.WebhookStatusFailed || event.RetryCount != 2 {
		t.Fatalf("expected exhausted event to fail, got %#v", event)
	}
	if stats := inbox.Stats(); stats.Reclaimed != 2 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	if _, err := inbox.ReleaseStaleClaims(ctx, 0); core.Classify(err) != core.ErrorClassPermanent {
		t.Fatalf("expected bad input for non-positive timeout, got %v", err)
	}
}

func TestInbox_CleanupRemovesOnlyOldTerminalEvents(t *testing.T) {
	clock := newTestClock()
	inbox, _ := newTestInbox(clock)
	ctx := context.Background()

	for _, id := range []string{"evt_done", "evt_dead", "evt_waiting"} {
		if _, err := inbox.Enqueue(ctx, enqueueInput(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	events, _ := inbox.Dequeue(ctx, 2)
	statuses := []core.WebhookStatus{core.WebhookStatusCompleted, core.WebhookStatusFailed}
	for i, event := range events {
		if _, err := inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: event.ID, Status: statuses[i]}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	clock.Advance(time.Hour)
	deleted, err := inbox.Cleanup(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected events inside retention to survive, deleted %d", deleted)
	}

	clock.Advance(8 * 24 * time.Hour)
	deleted, err = inbox.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected both terminal events removed, deleted %d", deleted)
	}
	counts, _ := inbox.Counts(ctx)
	if counts[core.WebhookStatusPending] != 1 {
		t.Fatalf("expected pending event to survive cleanup, got %#v", counts)
	}
}

func TestExponentialRetryPolicy_NextDelay(t *testing.T) {
	policy := ExponentialRetryPolicy{Base: time.Minute, Max: time.Hour}
	cases := map[int]time.Duration{
		0:  time.Minute,
		1:  2 * time.Minute,
		3:  8 * time.Minute,
		6:  time.Hour,
		40: time.Hour,
	}
	for count, want := range cases {
		if got := policy.NextDelay(count); got != want {
			t.Fatalf("retry %d: expected %s, got %s", count, want, got)
		}
	}
	if got := (ExponentialRetryPolicy{}).NextDelay(1); got != 2*time.Minute {
		t.Fatalf("expected defaults to apply, got %s", got)
	}
}
