package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-txcoord/core"
)

const idempotencyRecordCacheKeyPrefix = "txcoord::idempotency_record::v1"

// CachedIdempotencyStore serves repeat duplicate checks from cache. Only
// terminal records stay cached; processing rows are evicted right after the
// read because their status is still expected to change.
type CachedIdempotencyStore struct {
	base  core.IdempotencyStore
	cache repositorycache.CacheService
}

func NewCachedIdempotencyStore(
	base core.IdempotencyStore,
	cacheService repositorycache.CacheService,
) (*CachedIdempotencyStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base idempotency store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: idempotency cache service is required")
	}
	return &CachedIdempotencyStore{base: base, cache: cacheService}, nil
}

// IdempotencyRecordCacheKey returns txcoord::idempotency_record::v1::<key>
// with the key URL-path escaped.
func IdempotencyRecordCacheKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("sqlstore: idempotency key is required")
	}
	return idempotencyRecordCacheKeyPrefix + "::" + url.PathEscape(key), nil
}

func (s *CachedIdempotencyStore) Insert(ctx context.Context, record core.IdempotencyRecord) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	if err := s.base.Insert(ctx, record); err != nil {
		return err
	}
	return s.invalidate(ctx, record.Key)
}

func (s *CachedIdempotencyStore) Get(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IdempotencyRecord{}, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	cacheKey, err := IdempotencyRecordCacheKey(key)
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	record, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.IdempotencyRecord, error) {
		fetched, fetchErr := s.base.Get(ctx, strings.TrimSpace(key))
		if fetchErr != nil {
			return core.IdempotencyRecord{}, fetchErr
		}
		return cloneIdempotencyRecord(fetched), nil
	})
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	if !record.Status.Terminal() {
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			return core.IdempotencyRecord{}, err
		}
	}
	return cloneIdempotencyRecord(record), nil
}

func (s *CachedIdempotencyStore) Complete(ctx context.Context, in core.CompleteIdempotencyInput) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	updated, err := s.base.Complete(ctx, in)
	if err != nil {
		return false, err
	}
	if err := s.invalidate(ctx, in.Key); err != nil {
		return updated, err
	}
	return updated, nil
}

// PurgeExpired deletes from the base store only. Cached copies of purged
// rows carry their expiry and are reported as expired by the manager; the
// next Insert for the key evicts them.
func (s *CachedIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.base == nil {
		return 0, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	return s.base.PurgeExpired(ctx, now)
}

func (s *CachedIdempotencyStore) invalidate(ctx context.Context, key string) error {
	cacheKey, err := IdempotencyRecordCacheKey(key)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneIdempotencyRecord(record core.IdempotencyRecord) core.IdempotencyRecord {
	cloned := record
	cloned.ResultData = record.ResultData.Clone()
	cloned.CompletedAt = core.CloneTime(record.CompletedAt)
	return cloned
}
