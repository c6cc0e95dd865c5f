package sqlstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-txcoord/core"
)

type countingIdempotencyStore struct {
	*core.MemoryIdempotencyStore
	mu       sync.Mutex
	getCalls int
}

func (s *countingIdempotencyStore) Get(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	return s.MemoryIdempotencyStore.Get(ctx, key)
}

func (s *countingIdempotencyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func newTestIdempotencyCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func TestCachedIdempotencyStore_CachesOnlyTerminalRecords(t *testing.T) {
	ctx := context.Background()
	base := &countingIdempotencyStore{MemoryIdempotencyStore: core.NewMemoryIdempotencyStore()}
	store, err := NewCachedIdempotencyStore(base, newTestIdempotencyCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	now := time.Now().UTC()
	if err := store.Insert(ctx, core.IdempotencyRecord{
		Key:       "deposit:tx-1",
		Status:    core.IdempotencyStatusProcessing,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 2; i++ {
		record, err := store.Get(ctx, "deposit:tx-1")
		if err != nil {
			t.Fatalf("get processing %d: %v", i, err)
		}
		if record.Status != core.IdempotencyStatusProcessing {
			t.Fatalf("unexpected status %s", record.Status)
		}
	}
	if got := base.calls(); got != 2 {
		t.Fatalf("expected processing records to bypass cache, base calls=%d", got)
	}

	updated, err := store.Complete(ctx, core.CompleteIdempotencyInput{
		Key:         "deposit:tx-1",
		Status:      core.IdempotencyStatusCompleted,
		ResultData:  core.Document{"ledger_id": "led-1"},
		CompletedAt: now,
	})
	if err != nil || !updated {
		t.Fatalf("complete: updated=%t err=%v", updated, err)
	}

	for i := 0; i < 3; i++ {
		record, err := store.Get(ctx, "deposit:tx-1")
		if err != nil {
			t.Fatalf("get completed %d: %v", i, err)
		}
		if record.ResultData.String("ledger_id") != "led-1" {
			t.Fatalf("unexpected cached record %#v", record)
		}
		record.ResultData["ledger_id"] = "mutated"
	}
	if got := base.calls(); got != 3 {
		t.Fatalf("expected completed record served from cache after one fetch, base calls=%d", got)
	}
}

func TestCachedIdempotencyStore_DuplicateInsertKeepsSentinel(t *testing.T) {
	ctx := context.Background()
	base := &countingIdempotencyStore{MemoryIdempotencyStore: core.NewMemoryIdempotencyStore()}
	store, err := NewCachedIdempotencyStore(base, newTestIdempotencyCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	manager := core.NewIdempotencyManager(store, nil, nil)

	if _, err := manager.Ensure(ctx, "bet:1", "bet", "", time.Hour); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	res, err := manager.Ensure(ctx, "bet:1", "bet", "", time.Hour)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected duplicate through cached store")
	}
}

func TestIdempotencyRecordCacheKey(t *testing.T) {
	key, err := IdempotencyRecordCacheKey(" order/1 tx ")
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if !strings.HasPrefix(key, "txcoord::idempotency_record::v1::") || strings.Contains(key, "/") {
		t.Fatalf("unexpected cache key %q", key)
	}
	if _, err := IdempotencyRecordCacheKey("  "); err == nil {
		t.Fatalf("expected blank key to be rejected")
	}
	if _, err := NewCachedIdempotencyStore(nil, nil); err == nil {
		t.Fatalf("expected missing base store to be rejected")
	}
}
