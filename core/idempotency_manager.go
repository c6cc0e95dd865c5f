package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

// IdempotencyManager detects repeated attempts of the same logical operation.
//
// Ensure is a hint, not the atomic boundary: once a record expires, two racing
// callers can both be told the key is fresh. The caller's own unique-constrained
// write (for example the ledger row) is what prevents double application.
type IdempotencyManager struct {
	DefaultTTL time.Duration
	Now        func() time.Time

	store    IdempotencyStore
	breaker  *CircuitBreaker
	observer *Observer
	counters idempotencyCounters
}

func NewIdempotencyManager(store IdempotencyStore, breaker *CircuitBreaker, observer *Observer) *IdempotencyManager {
	if observer == nil {
		observer = NewObserver("idempotency", nil, nil)
	}
	return &IdempotencyManager{
		DefaultTTL: defaultIdempotencyTTL,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		store:    store,
		breaker:  breaker,
		observer: observer,
	}
}

// Ensure claims key in processing state. An expired existing record is
// reported as not duplicate and left in place for the sweep.
func (m *IdempotencyManager) Ensure(
	ctx context.Context,
	key string,
	operationType string,
	resourceID string,
	ttl time.Duration,
) (EnsureResult, error) {
	if m == nil || m.store == nil {
		return EnsureResult{}, ConfigurationError("core: idempotency manager is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return EnsureResult{}, BadInputError("core: idempotency key is required", nil)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL()
	}
	now := m.now()
	record := IdempotencyRecord{
		Key:           key,
		OperationType: strings.TrimSpace(operationType),
		ResourceID:    strings.TrimSpace(resourceID),
		Status:        IdempotencyStatusProcessing,
		ResultData:    Document{},
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	fields := map[string]any{"operation_type": record.OperationType, "resource_id": record.ResourceID}
	tags := lockTags(record.OperationType)

	m.counters.checks.Add(1)
	m.observer.Count(ctx, "txcoord.idempotency.checks", 1, tags)

	insertErr := m.observer.Guard(ctx, m.breaker, "idempotency_ensure", fields, func(ctx context.Context) error {
		return m.store.Insert(ctx, record)
	})
	if insertErr == nil {
		return EnsureResult{Record: record}, nil
	}
	if !errors.Is(insertErr, ErrIdempotencyKeyExists) {
		return EnsureResult{}, insertErr
	}

	existing, err := m.get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrIdempotencyRecordNotFound) {
			// purged between insert and read; the key is free again
			return EnsureResult{Expired: true}, nil
		}
		return EnsureResult{}, err
	}
	if existing.Expired(m.now()) {
		m.counters.expired.Add(1)
		m.observer.Count(ctx, "txcoord.idempotency.expired", 1, tags)
		return EnsureResult{Expired: true, Record: existing}, nil
	}

	m.counters.duplicates.Add(1)
	m.observer.Count(ctx, "txcoord.idempotency.duplicates", 1, tags)
	result := EnsureResult{Duplicate: true, Record: existing}
	if existing.Status == IdempotencyStatusCompleted {
		result.Previous = existing.ResultData.Clone()
	}
	return result, nil
}

// Complete moves key to its terminal status. A missing key is a no-op and
// reports false.
func (m *IdempotencyManager) Complete(
	ctx context.Context,
	key string,
	success bool,
	resultData Document,
	errorMessage string,
) (bool, error) {
	if m == nil || m.store == nil {
		return false, ConfigurationError("core: idempotency manager is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, BadInputError("core: idempotency key is required", nil)
	}
	status := IdempotencyStatusCompleted
	if !success {
		status = IdempotencyStatusFailed
	}
	in := CompleteIdempotencyInput{
		Key:          key,
		Status:       status,
		ResultData:   resultData.Clone(),
		ErrorMessage: strings.TrimSpace(errorMessage),
		CompletedAt:  m.now(),
	}
	var updated bool
	err := m.observer.Guard(ctx, m.breaker, "idempotency_complete", map[string]any{"status": string(status)}, func(ctx context.Context) error {
		var err error
		updated, err = m.store.Complete(ctx, in)
		return err
	})
	if err != nil {
		return false, err
	}
	if updated {
		m.counters.completed.Add(1)
		m.observer.Count(ctx, "txcoord.idempotency.completed", 1, map[string]string{"status": string(status)})
	}
	return updated, nil
}

// Lookup returns the current record for key; found is false when none exists.
func (m *IdempotencyManager) Lookup(ctx context.Context, key string) (record IdempotencyRecord, found bool, err error) {
	if m == nil || m.store == nil {
		return IdempotencyRecord{}, false, ConfigurationError("core: idempotency manager is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return IdempotencyRecord{}, false, BadInputError("core: idempotency key is required", nil)
	}
	record, err = m.get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrIdempotencyRecordNotFound) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, err
	}
	return record, true, nil
}

// Remember records a successful result for key, creating the record when it
// does not exist yet.
func (m *IdempotencyManager) Remember(
	ctx context.Context,
	key string,
	operationType string,
	resourceID string,
	ttl time.Duration,
	resultData Document,
) error {
	if _, err := m.Ensure(ctx, key, operationType, resourceID, ttl); err != nil {
		return err
	}
	_, err := m.Complete(ctx, key, true, resultData, "")
	return err
}

func (m *IdempotencyManager) PurgeExpired(ctx context.Context) (int, error) {
	if m == nil || m.store == nil {
		return 0, ConfigurationError("core: idempotency manager is not configured", nil)
	}
	var count int
	err := m.observer.Guard(ctx, m.breaker, "idempotency_purge", nil, func(ctx context.Context) error {
		var err error
		count, err = m.store.PurgeExpired(ctx, m.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.counters.purged.Add(int64(count))
		m.observer.Count(ctx, "txcoord.idempotency.purged", int64(count), nil)
	}
	return count, nil
}

func (m *IdempotencyManager) Stats() IdempotencyStats {
	if m == nil {
		return IdempotencyStats{}
	}
	return m.counters.snapshot()
}

func (m *IdempotencyManager) get(ctx context.Context, key string) (IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := m.observer.Guard(ctx, m.breaker, "idempotency_get", nil, func(ctx context.Context) error {
		var err error
		record, err = m.store.Get(ctx, key)
		return err
	})
	return record, err
}

func (m *IdempotencyManager) defaultTTL() time.Duration {
	if m != nil && m.DefaultTTL > 0 {
		return m.DefaultTTL
	}
	return defaultIdempotencyTTL
}

func (m *IdempotencyManager) now() time.Time {
	if m != nil && m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
