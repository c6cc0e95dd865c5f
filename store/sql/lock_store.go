package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-txcoord/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LockStore persists named locks in the locks table. The partial unique
// index on active lock names is the only mutual-exclusion point.
type LockStore struct {
	db *bun.DB
}

func NewLockStore(db *bun.DB) (*LockStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &LockStore{db: db}, nil
}

func (s *LockStore) Insert(ctx context.Context, lock core.Lock) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: lock store is not configured")
	}
	name := strings.TrimSpace(lock.Name)
	if name == "" {
		return fmt.Errorf("sqlstore: lock name is required")
	}
	record := newLockRecord(lock)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", core.ErrLockContended, name)
		}
		return translateError(err, "lock insert")
	}
	return nil
}

func (s *LockStore) GetActive(ctx context.Context, name string) (core.Lock, error) {
	if s == nil || s.db == nil {
		return core.Lock{}, fmt.Errorf("sqlstore: lock store is not configured")
	}
	name = strings.TrimSpace(name)
	record := new(lockRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("lock_name = ?", name).
		Where("is_active = ?", true).
		OrderExpr("acquired_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Lock{}, fmt.Errorf("%w: %s", core.ErrLockNotFound, name)
	}
	if err != nil {
		return core.Lock{}, translateError(err, "lock lookup")
	}
	return record.toDomain(), nil
}

func (s *LockStore) Release(ctx context.Context, name string, ownerToken string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: lock store is not configured")
	}
	now = now.UTC()
	res, err := s.db.NewUpdate().
		Model((*lockRecord)(nil)).
		Set("is_active = ?", false).
		Set("released_at = ?", now).
		Where("lock_name = ?", strings.TrimSpace(name)).
		Where("owner_token = ?", strings.TrimSpace(ownerToken)).
		Where("is_active = ?", true).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return false, translateError(err, "lock release")
	}
	return rowsAffected(res) > 0, nil
}

func (s *LockStore) Extend(
	ctx context.Context,
	name string,
	ownerToken string,
	additional time.Duration,
	maxExpiry time.Time,
	now time.Time,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: lock store is not configured")
	}
	name = strings.TrimSpace(name)
	ownerToken = strings.TrimSpace(ownerToken)
	now = now.UTC()
	extended := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := new(lockRecord)
		err := tx.NewSelect().
			Model(record).
			Where("lock_name = ?", name).
			Where("owner_token = ?", ownerToken).
			Where("is_active = ?", true).
			Where("expires_at > ?", now).
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		next := record.ExpiresAt.UTC().Add(additional)
		if limit := maxExpiry.UTC(); next.After(limit) {
			next = limit
		}
		res, err := tx.NewUpdate().
			Model((*lockRecord)(nil)).
			Set("expires_at = ?", next).
			Where("id = ?", record.ID).
			Where("is_active = ?", true).
			Exec(ctx)
		if err != nil {
			return err
		}
		extended = rowsAffected(res) > 0
		return nil
	})
	if err != nil {
		return false, translateError(err, "lock extend")
	}
	return extended, nil
}

func (s *LockStore) ForceRelease(ctx context.Context, name string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: lock store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*lockRecord)(nil)).
		Set("is_active = ?", false).
		Set("released_at = ?", now.UTC()).
		Where("lock_name = ?", strings.TrimSpace(name)).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return false, translateError(err, "lock force release")
	}
	return rowsAffected(res) > 0, nil
}

func (s *LockStore) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: lock store is not configured")
	}
	now = now.UTC()
	res, err := s.db.NewUpdate().
		Model((*lockRecord)(nil)).
		Set("is_active = ?", false).
		Set("released_at = ?", now).
		Where("is_active = ?", true).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, translateError(err, "lock sweep")
	}
	return int(rowsAffected(res)), nil
}

func (s *LockStore) PurgeReleased(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: lock store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*lockRecord)(nil)).
		Where("is_active = ?", false).
		Where("released_at IS NOT NULL").
		Where("released_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, translateError(err, "lock purge")
	}
	return int(rowsAffected(res)), nil
}

func newLockRecord(lock core.Lock) *lockRecord {
	return &lockRecord{
		ID:            uuid.NewString(),
		LockName:      strings.TrimSpace(lock.Name),
		OwnerToken:    strings.TrimSpace(lock.OwnerToken),
		OperationType: strings.TrimSpace(lock.OperationType),
		ResourceID:    strings.TrimSpace(lock.ResourceID),
		ProcessID:     strings.TrimSpace(lock.ProcessID),
		AcquiredAt:    lock.AcquiredAt.UTC(),
		ExpiresAt:     lock.ExpiresAt.UTC(),
		IsActive:      true,
		Metadata:      map[string]any(lock.Metadata.Clone()),
	}
}

func (r *lockRecord) toDomain() core.Lock {
	return core.Lock{
		Name:          r.LockName,
		OwnerToken:    r.OwnerToken,
		OperationType: r.OperationType,
		ResourceID:    r.ResourceID,
		ProcessID:     r.ProcessID,
		AcquiredAt:    r.AcquiredAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
		ReleasedAt:    core.CloneTime(r.ReleasedAt),
		Active:        r.IsActive,
		Metadata:      core.Document(r.Metadata).Clone(),
	}
}

func rowsAffected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return count
}
