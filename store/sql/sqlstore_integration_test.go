package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-txcoord/core"
	txmigrations "github.com/goliatone/go-txcoord/migrations"
	"github.com/goliatone/go-txcoord/payments"
	sqlstore "github.com/goliatone/go-txcoord/store/sql"
	"github.com/goliatone/go-txcoord/webhooks"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-txcoord-tests"
}

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

type sqlFixture struct {
	client      *persistence.Client
	factory     *sqlstore.RepositoryFactory
	clock       *testClock
	breaker     *core.CircuitBreaker
	locks       *core.LockManager
	idempotency *core.IdempotencyManager
	inbox       *webhooks.Inbox
}

func newSQLFixture(t *testing.T) *sqlFixture {
	t.Helper()
	client := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	clock := newTestClock()
	breaker := core.NewCircuitBreaker(5, 30*time.Second)
	breaker.Now = clock.Now

	locks := core.NewLockManager(factory.LockStore(), breaker, nil)
	locks.Now = clock.Now
	idempotency := core.NewIdempotencyManager(factory.IdempotencyStore(), breaker, nil)
	idempotency.Now = clock.Now
	inbox := webhooks.NewInbox(factory.WebhookEventStore(), breaker, nil)
	inbox.Now = clock.Now
	inbox.RetryPolicy = webhooks.ExponentialRetryPolicy{Base: time.Second, Max: time.Minute}

	return &sqlFixture{
		client:      client,
		factory:     factory,
		clock:       clock,
		breaker:     breaker,
		locks:       locks,
		idempotency: idempotency,
		inbox:       inbox,
	}
}

func newSQLiteClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:txcoord-test-%d?mode=memory&cache=shared&_busy_timeout=5000",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	_, err = txmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != txmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, txmigrations.WithValidationTargets(txmigrations.DialectSQLite))
	if err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return client
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client := newSQLiteClient(t)
	for _, table := range []string{"locks", "idempotency_tokens", "webhook_events"} {
		var name string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &name); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if name != table {
			t.Fatalf("expected %s table, got %q", table, name)
		}
	}
}

func TestRepositoryFactory_BuildsAllStores(t *testing.T) {
	client := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromDB(client.DB())
	if err != nil {
		t.Fatalf("factory from db: %v", err)
	}
	if factory.LockStore() == nil || factory.IdempotencyStore() == nil || factory.WebhookEventStore() == nil {
		t.Fatalf("expected every store to be built")
	}
	if _, err := sqlstore.NewRepositoryFactory().BuildStores(struct{}{}); err == nil {
		t.Fatalf("expected unsupported client type to fail")
	}
}

func TestLockStore_ConcurrentAcquireHasSingleWinner(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	const attempts = 12
	var (
		wins    atomic.Int32
		wg      sync.WaitGroup
		errsMu  sync.Mutex
		errList []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "payment:ord-1:tx-1", Timeout: time.Minute})
			if err != nil {
				errsMu.Lock()
				errList = append(errList, err)
				errsMu.Unlock()
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if len(errList) > 0 {
		t.Fatalf("unexpected acquire errors: %v", errList)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestLockStore_ReleaseRequiresOwnerToken(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	token, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "order-7", Timeout: time.Minute})
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}
	released, err := f.locks.Release(ctx, "order-7", "not-the-owner")
	if err != nil {
		t.Fatalf("release wrong token: %v", err)
	}
	if released {
		t.Fatalf("expected wrong token release to be refused")
	}
	held, err := f.locks.Get(ctx, "order-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if held.OwnerToken != token || !held.Active {
		t.Fatalf("expected true holder to keep the lock, got %#v", held)
	}

	released, err = f.locks.Release(ctx, "order-7", token)
	if err != nil || !released {
		t.Fatalf("expected owner release, released=%t err=%v", released, err)
	}
	if _, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "order-7"}); err != nil || !ok {
		t.Fatalf("expected lock to be free after release, ok=%t err=%v", ok, err)
	}
}

func TestLockStore_ExpiredLockIsReclaimedBySweep(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	if _, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "stuck", Timeout: 2 * time.Second}); err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}
	if _, ok, _ := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "stuck"}); ok {
		t.Fatalf("expected live lock to be contended")
	}

	f.clock.Advance(3 * time.Second)
	sweeper := core.NewSweeper(f.locks, f.idempotency, nil)
	sweeper.Now = f.clock.Now
	report, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.LocksDeactivated != 1 {
		t.Fatalf("expected one expired lock deactivated, got %#v", report)
	}
	if _, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "stuck"}); err != nil || !ok {
		t.Fatalf("expected reclaimed lock to be acquirable, ok=%t err=%v", ok, err)
	}
}

func TestLockStore_AcquireReclaimsExpiredHolderInline(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	if _, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "inline", Timeout: time.Second}); err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}
	f.clock.Advance(time.Second)
	if _, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "inline"}); err != nil || !ok {
		t.Fatalf("expected acquire to sweep the expired holder, ok=%t err=%v", ok, err)
	}
}

func TestLockStore_GetActiveSkipsReleasedHistory(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	store := f.factory.LockStore()

	first, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "order-9", Timeout: time.Minute})
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}
	if released, err := f.locks.Release(ctx, "order-9", first); err != nil || !released {
		t.Fatalf("release: released=%t err=%v", released, err)
	}
	if _, err := store.GetActive(ctx, "order-9"); !errors.Is(err, core.ErrLockNotFound) {
		t.Fatalf("expected released lock to be invisible, got %v", err)
	}

	second, ok, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "order-9", Timeout: time.Minute})
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%t err=%v", ok, err)
	}
	active, err := store.GetActive(ctx, "order-9")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if !active.Active || active.OwnerToken != second || active.OwnerToken == first {
		t.Fatalf("expected the current holder, got %#v", active)
	}
}

func TestLockStore_ExtendAndForceRelease(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	f.locks.MaxTimeout = time.Hour

	token, _, err := f.locks.Acquire(ctx, core.AcquireLockInput{Name: "batch", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before, _ := f.locks.Get(ctx, "batch")
	extended, err := f.locks.Extend(ctx, "batch", token, 2*time.Minute)
	if err != nil || !extended {
		t.Fatalf("extend: extended=%t err=%v", extended, err)
	}
	after, _ := f.locks.Get(ctx, "batch")
	if !after.ExpiresAt.Equal(before.ExpiresAt.Add(2 * time.Minute)) {
		t.Fatalf("expected expiry pushed by 2m, before=%s after=%s", before.ExpiresAt, after.ExpiresAt)
	}
	if ok, _ := f.locks.Extend(ctx, "batch", "intruder", time.Minute); ok {
		t.Fatalf("expected extend with a foreign token to fail")
	}

	forced, err := f.locks.ForceRelease(ctx, "batch")
	if err != nil || !forced {
		t.Fatalf("force release: forced=%t err=%v", forced, err)
	}
	if _, err := f.locks.Get(ctx, "batch"); !errors.Is(err, core.ErrLockNotFound) {
		t.Fatalf("expected no active lock after force release, got %v", err)
	}
}

func TestIdempotencyStore_EnsureCompleteRoundTrip(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	first, err := f.idempotency.Ensure(ctx, "deposit:tx-1", "deposit", "ord-1", time.Hour)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("expected first ensure to claim the key")
	}
	second, err := f.idempotency.Ensure(ctx, "deposit:tx-1", "deposit", "ord-1", time.Hour)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if !second.Duplicate || second.Previous != nil {
		t.Fatalf("expected in-flight duplicate without result, got %#v", second)
	}

	result := core.Document{
		"ledger_id": "led-9",
		"amount":    "12.40",
		"legs":      []any{map[string]any{"account": "cash", "side": "debit"}},
		"settled":   true,
	}
	completed, err := f.idempotency.Complete(ctx, "deposit:tx-1", true, result, "")
	if err != nil || !completed {
		t.Fatalf("complete: completed=%t err=%v", completed, err)
	}
	if again, _ := f.idempotency.Complete(ctx, "deposit:tx-1", false, nil, "late failure"); again {
		t.Fatalf("expected completion to be one-shot")
	}

	third, err := f.idempotency.Ensure(ctx, "deposit:tx-1", "deposit", "ord-1", time.Hour)
	if err != nil {
		t.Fatalf("third ensure: %v", err)
	}
	if !third.Duplicate {
		t.Fatalf("expected completed key to be a duplicate")
	}
	if !reflect.DeepEqual(third.Previous, result) {
		t.Fatalf("expected stored result round trip\nwant %#v\ngot  %#v", result, third.Previous)
	}
}

func TestIdempotencyStore_ExpiredKeyIsNotDuplicate(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	if _, err := f.idempotency.Ensure(ctx, "short-lived", "bet", "", time.Second); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.clock.Advance(2 * time.Second)

	res, err := f.idempotency.Ensure(ctx, "short-lived", "bet", "", time.Second)
	if err != nil {
		t.Fatalf("ensure after expiry: %v", err)
	}
	if res.Duplicate || !res.Expired {
		t.Fatalf("expected expired key to be reported as not duplicate, got %#v", res)
	}

	purged, err := f.idempotency.PurgeExpired(ctx)
	if err != nil || purged != 1 {
		t.Fatalf("expected expired record purged, purged=%d err=%v", purged, err)
	}
	if _, found, _ := f.idempotency.Lookup(ctx, "short-lived"); found {
		t.Fatalf("expected purged record to be gone")
	}
}

func TestWebhookEventStore_EnqueueDeduplicatesByProviderEvent(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	var rowID string
	for i, payload := range []string{`{"v":1}`, `{"v":2}`} {
		result, err := f.inbox.Enqueue(ctx, core.EnqueueWebhookInput{
			Provider: "acme",
			Endpoint: "/hooks/acme",
			EventID:  "evt-1",
			Payload:  []byte(payload),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if !result.Accepted || result.Duplicate != (i > 0) {
			t.Fatalf("unexpected enqueue %d result: %+v", i, result)
		}
		if i == 0 {
			rowID = result.ID
		}
		if result.ID == "" || result.ID != rowID {
			t.Fatalf("expected enqueue %d to report row %q, got %q", i, rowID, result.ID)
		}
	}
	byEvent, err := f.inbox.GetByEventID(ctx, "acme", "evt-1")
	if err != nil || byEvent.ID != rowID {
		t.Fatalf("expected lookup by provider event to return row %q, got %#v err=%v", rowID, byEvent, err)
	}

	var rows int
	if err := f.client.DB().NewRaw(
		"SELECT COUNT(*) FROM webhook_events WHERE provider = ? AND event_id = ?", "acme", "evt-1",
	).Scan(ctx, &rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single row, got %d", rows)
	}
	events, err := f.inbox.Dequeue(ctx, 5)
	if err != nil || len(events) != 1 {
		t.Fatalf("dequeue: n=%d err=%v", len(events), err)
	}
	if string(events[0].Payload) != `{"v":1}` {
		t.Fatalf("expected first payload to win, got %s", events[0].Payload)
	}
}

func TestWebhookEventStore_ConcurrentDequeueClaimsOnce(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	if _, err := f.inbox.Enqueue(ctx, core.EnqueueWebhookInput{Provider: "acme", Endpoint: "/hooks", EventID: "evt-solo", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var (
		claimed atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := f.inbox.Dequeue(ctx, 1)
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			claimed.Add(int32(len(events)))
		}()
	}
	wg.Wait()
	if got := claimed.Load(); got != 1 {
		t.Fatalf("expected exactly one claim, got %d", got)
	}
}

func TestWebhookEventStore_RetryIsBoundedAndMonotonic(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	if _, err := f.inbox.Enqueue(ctx, core.EnqueueWebhookInput{
		Provider:   "acme",
		Endpoint:   "/hooks",
		EventID:    "evt-flaky",
		Payload:    []byte(`{}`),
		MaxRetries: 3,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var lastScheduled time.Time
	for attempt := 1; ; attempt++ {
		events, err := f.inbox.Dequeue(ctx, 1)
		if err != nil {
			t.Fatalf("dequeue %d: %v", attempt, err)
		}
		if len(events) != 1 {
			t.Fatalf("attempt %d: expected event to be due", attempt)
		}
		result, err := f.inbox.Retry(ctx, core.RetryWebhookInput{ID: events[0].ID, Cause: "i/o timeout"})
		if err != nil {
			t.Fatalf("retry %d: %v", attempt, err)
		}
		if !result.Scheduled {
			if attempt != 3 || result.Status != core.WebhookStatusFailed {
				t.Fatalf("expected failure on attempt 3, got attempt %d %#v", attempt, result)
			}
			stored, err := f.inbox.Get(ctx, events[0].ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if stored.Status != core.WebhookStatusFailed || stored.ScheduledAt != nil || stored.RetryCount != 3 {
				t.Fatalf("unexpected failed row %#v", stored)
			}
			break
		}
		if !result.ScheduledAt.After(lastScheduled) {
			t.Fatalf("expected scheduled_at to increase, last=%s next=%s", lastScheduled, result.ScheduledAt)
		}
		lastScheduled = *result.ScheduledAt
		if early, _ := f.inbox.Dequeue(ctx, 1); len(early) != 0 {
			t.Fatalf("expected retry to wait for scheduled_at")
		}
		f.clock.Advance(time.Minute)
	}
}

func TestWebhookEventStore_StatusTransitionsAndCleanup(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	for _, id := range []string{"evt-a", "evt-b", "evt-c"} {
		if _, err := f.inbox.Enqueue(ctx, core.EnqueueWebhookInput{Provider: "acme", Endpoint: "/hooks", EventID: id, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		f.clock.Advance(time.Second)
	}

	pending, _ := f.inbox.Counts(ctx)
	if pending[core.WebhookStatusPending] != 3 {
		t.Fatalf("expected three pending rows, got %#v", pending)
	}
	firstID := ""
	if events, _ := f.inbox.Dequeue(ctx, 3); len(events) == 3 {
		firstID = events[0].ID
	} else {
		t.Fatalf("expected all three claimed")
	}
	if _, err := f.inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: "missing", Status: core.WebhookStatusCompleted}); !core.IsNotFound(err) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}

	duration := int64(25)
	if ok, err := f.inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: firstID, Status: core.WebhookStatusCompleted, DurationMS: &duration}); err != nil || !ok {
		t.Fatalf("complete: ok=%t err=%v", ok, err)
	}
	if _, err := f.inbox.UpdateStatus(ctx, core.UpdateWebhookStatusInput{ID: firstID, Status: core.WebhookStatusProcessing}); !errors.Is(err, core.ErrInvalidWebhookStatusTransition) {
		t.Fatalf("expected completed row to refuse transitions, got %v", err)
	}
	stored, _ := f.inbox.Get(ctx, firstID)
	if stored.ProcessingDurationMS == nil || *stored.ProcessingDurationMS != 25 {
		t.Fatalf("expected processing duration stored, got %#v", stored.ProcessingDurationMS)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	deleted, err := f.inbox.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected only the completed row removed, deleted %d", deleted)
	}
	counts, _ := f.inbox.Counts(ctx)
	if counts[core.WebhookStatusProcessing] != 2 || counts[core.WebhookStatusCompleted] != 0 {
		t.Fatalf("unexpected counts after cleanup %#v", counts)
	}
}

func TestWebhookEventStore_ReleaseStaleClaimsRequeuesAbandonedRows(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	enqueued, err := f.inbox.Enqueue(ctx, core.EnqueueWebhookInput{
		Provider:   "acme",
		Endpoint:   "/hooks",
		EventID:    "evt-stuck",
		Payload:    []byte(`{}`),
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if events, err := f.inbox.Dequeue(ctx, 1); err != nil || len(events) != 1 {
		t.Fatalf("claim: events=%d err=%v", len(events), err)
	}
	if released, err := f.inbox.ReleaseStaleClaims(ctx, time.Minute); err != nil || released != 0 {
		t.Fatalf("expected fresh claim to stay, released=%d err=%v", released, err)
	}

	f.clock.Advance(2 * time.Minute)
	if released, err := f.inbox.ReleaseStaleClaims(ctx, time.Minute); err != nil || released != 1 {
		t.Fatalf("expected abandoned claim released, released=%d err=%v", released, err)
	}
	event, err := f.inbox.Get(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if event.Status != core.WebhookStatusRetry || event.RetryCount != 1 || event.ErrorMessage != core.StaleClaimReason {
		t.Fatalf("unexpected released event %#v", event)
	}

	events, err := f.inbox.Dequeue(ctx, 1)
	if err != nil || len(events) != 1 || events[0].ID != enqueued.ID {
		t.Fatalf("expected released event to be claimable again, events=%#v err=%v", events, err)
	}
	f.clock.Advance(2 * time.Minute)
	if released, err := f.inbox.ReleaseStaleClaims(ctx, time.Minute); err != nil || released != 1 {
		t.Fatalf("expected second release, released=%d err=%v", released, err)
	}
	event, _ = f.inbox.Get(ctx, enqueued.ID)
	if event.Status != core.WebhookStatusFailed || event.RetryCount != 2 {
		t.Fatalf("expected exhausted event to fail, got %#v", event)
	}
}

func TestLedgerLookups_FindSettledEffects(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	db := f.client.DB()
	if _, err := db.ExecContext(ctx, `
CREATE TABLE deposits (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    external_tx_id TEXT UNIQUE,
    tx_hash TEXT,
    status TEXT NOT NULL
)`); err != nil {
		t.Fatalf("create ledger table: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO deposits (id, order_id, external_tx_id, tx_hash, status) VALUES
		('dep-1', 'ord-1', 'tx-1', '0xaaa', 'settled'),
		('dep-2', 'ord-2', 'tx-2', '0xbbb', 'pending')`,
	); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	lookups, err := sqlstore.NewLedgerLookups(db, sqlstore.LedgerTable{
		Table:               "deposits",
		ExternalIDColumn:    "external_tx_id",
		AlternateIDColumn:   "tx_hash",
		AlternatePayloadKey: "tx_hash",
		OrderColumn:         "order_id",
		StatusColumn:        "status",
		SettledStatuses:     []string{"settled", "confirmed"},
	})
	if err != nil {
		t.Fatalf("new ledger lookups: %v", err)
	}
	if len(lookups) != 3 {
		t.Fatalf("expected three strategies, got %d", len(lookups))
	}

	cases := []struct {
		name     string
		in       payments.ProcessInput
		strategy string
		found    []bool
	}{
		{
			name:  "external id",
			in:    payments.ProcessInput{OrderID: "ord-x", ExternalTxID: "tx-1"},
			found: []bool{true, false, false},
		},
		{
			name:  "alternate id from payload",
			in:    payments.ProcessInput{OrderID: "ord-x", ExternalTxID: "tx-new", Payload: core.Document{"tx_hash": "0xbbb"}},
			found: []bool{false, true, false},
		},
		{
			name:  "settled order only",
			in:    payments.ProcessInput{OrderID: "ord-2", ExternalTxID: "tx-new"},
			found: []bool{false, false, false},
		},
		{
			name:  "settled order",
			in:    payments.ProcessInput{OrderID: "ord-1", ExternalTxID: "tx-new"},
			found: []bool{false, false, true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i, lookup := range lookups {
				_, found, err := lookup.FindExisting(ctx, tc.in)
				if err != nil {
					t.Fatalf("%s: %v", lookup.Name(), err)
				}
				if found != tc.found[i] {
					t.Fatalf("%s: expected found=%t, got %t", lookup.Name(), tc.found[i], found)
				}
			}
		})
	}

	if _, err := sqlstore.NewLedgerLookups(db, sqlstore.LedgerTable{Table: "deposits"}); err == nil {
		t.Fatalf("expected a table without strategies to be rejected")
	}
}

func TestCoordinator_ConcurrentDeliveriesApplyOnceOverSQL(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	db := f.client.DB()
	if _, err := db.ExecContext(ctx, `
CREATE TABLE deposits (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    external_tx_id TEXT NOT NULL UNIQUE
)`); err != nil {
		t.Fatalf("create ledger table: %v", err)
	}
	lookups, err := sqlstore.NewLedgerLookups(db, sqlstore.LedgerTable{
		Table:            "deposits",
		ExternalIDColumn: "external_tx_id",
	})
	if err != nil {
		t.Fatalf("lookups: %v", err)
	}
	coordinator := payments.NewCoordinator(f.locks, f.idempotency, nil, lookups...)
	coordinator.Now = f.clock.Now

	var applied atomic.Int32
	processor := func(ctx context.Context, in payments.ProcessInput) (core.Document, error) {
		applied.Add(1)
		if _, err := db.ExecContext(ctx,
			"INSERT INTO deposits (id, order_id, external_tx_id) VALUES (?, ?, ?)",
			"dep-"+in.ExternalTxID, in.OrderID, in.ExternalTxID,
		); err != nil {
			return nil, err
		}
		return core.Document{"deposit_id": "dep-" + in.ExternalTxID}, nil
	}

	in := payments.ProcessInput{Source: "ton", OrderID: "ord-1", ExternalTxID: "tx-1", Timeout: time.Minute}
	var (
		wg       sync.WaitGroup
		statuses = make([]payments.Status, 2)
		errs     = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := coordinator.Process(ctx, in, processor)
			statuses[i] = result.Status
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	processed := 0
	for _, status := range statuses {
		switch status {
		case payments.StatusProcessed:
			processed++
		case payments.StatusAlreadyProcessing, payments.StatusAlreadyProcessed:
		default:
			t.Fatalf("unexpected status %q", status)
		}
	}
	if processed != 1 || applied.Load() != 1 {
		t.Fatalf("expected exactly one application, processed=%d applied=%d", processed, applied.Load())
	}

	again, err := coordinator.Process(ctx, in, processor)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Status != payments.StatusAlreadyProcessed || again.Data.String("deposit_id") != "dep-tx-1" {
		t.Fatalf("expected memoized replay, got %#v", again)
	}

	var rows int
	if err := db.NewRaw("SELECT COUNT(*) FROM deposits").Scan(ctx, &rows); err != nil {
		t.Fatalf("count deposits: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected ledger to hold one deposit, got %d", rows)
	}
}
