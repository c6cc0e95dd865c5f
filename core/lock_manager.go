package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type LockLease struct {
	Name       string
	OwnerToken string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockManager hands out named locks backed by a unique constraint on the
// active lock name. Two concurrent acquisitions can only have one winner.
type LockManager struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	ProcessID      string
	Now            func() time.Time
	NewToken       func() string

	store    LockStore
	breaker  *CircuitBreaker
	observer *Observer
	counters lockCounters
}

func NewLockManager(store LockStore, breaker *CircuitBreaker, observer *Observer) *LockManager {
	if observer == nil {
		observer = NewObserver("locks", nil, nil)
	}
	return &LockManager{
		DefaultTimeout: defaultLockTimeout,
		MaxTimeout:     maxLockTimeout,
		ProcessID:      defaultProcessID(),
		Now: func() time.Time {
			return time.Now().UTC()
		},
		NewToken: uuid.NewString,
		store:    store,
		breaker:  breaker,
		observer: observer,
	}
}

// Acquire returns the owner token of a freshly inserted lock row. ok is false
// when another holder owns the lock. An expired holder is swept and the
// insert retried once.
func (m *LockManager) Acquire(ctx context.Context, in AcquireLockInput) (token string, ok bool, err error) {
	if m == nil || m.store == nil {
		return "", false, ConfigurationError("core: lock manager is not configured", nil)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", false, BadInputError("core: lock name is required", nil)
	}
	fields := map[string]any{
		"lock_name":      name,
		"operation_type": strings.TrimSpace(in.OperationType),
	}
	timeout := m.clampTimeout(in.Timeout)

	for attempt := 0; attempt < 2; attempt++ {
		now := m.now()
		lock := Lock{
			Name:          name,
			OwnerToken:    m.newToken(),
			OperationType: strings.TrimSpace(in.OperationType),
			ResourceID:    strings.TrimSpace(in.ResourceID),
			ProcessID:     m.ProcessID,
			AcquiredAt:    now,
			ExpiresAt:     now.Add(timeout),
			Active:        true,
			Metadata:      in.Metadata.Clone(),
		}
		insertErr := m.observer.Guard(ctx, m.breaker, "lock_acquire", fields, func(ctx context.Context) error {
			return m.store.Insert(ctx, lock)
		})
		if insertErr == nil {
			m.counters.acquired.Add(1)
			m.observer.Count(ctx, "txcoord.locks.acquired", 1, lockTags(lock.OperationType))
			return lock.OwnerToken, true, nil
		}
		if !errors.Is(insertErr, ErrLockContended) {
			m.counters.failed.Add(1)
			m.observer.Count(ctx, "txcoord.locks.failed", 1, lockTags(lock.OperationType))
			m.observer.Error(ctx, "lock acquisition failed", withError(fields, insertErr))
			return "", false, insertErr
		}

		var existing Lock
		getErr := m.observer.Guard(ctx, m.breaker, "lock_inspect", fields, func(ctx context.Context) error {
			var err error
			existing, err = m.store.GetActive(ctx, name)
			return err
		})
		if getErr != nil {
			if errors.Is(getErr, ErrLockNotFound) {
				// holder released between our insert and read
				continue
			}
			m.counters.failed.Add(1)
			m.observer.Count(ctx, "txcoord.locks.failed", 1, lockTags(lock.OperationType))
			return "", false, getErr
		}
		if attempt == 0 && existing.Expired(m.now()) {
			if _, sweepErr := m.SweepExpired(ctx); sweepErr != nil {
				m.counters.failed.Add(1)
				return "", false, sweepErr
			}
			continue
		}
		break
	}

	m.counters.contended.Add(1)
	m.observer.Count(ctx, "txcoord.locks.contended", 1, lockTags(in.OperationType))
	m.observer.Debug(ctx, "lock contended", fields)
	return "", false, nil
}

// Release deactivates the lock only for its current, unexpired owner.
func (m *LockManager) Release(ctx context.Context, name string, ownerToken string) (bool, error) {
	if m == nil || m.store == nil {
		return false, ConfigurationError("core: lock manager is not configured", nil)
	}
	name = strings.TrimSpace(name)
	ownerToken = strings.TrimSpace(ownerToken)
	if name == "" || ownerToken == "" {
		return false, nil
	}
	var released bool
	err := m.observer.Guard(ctx, m.breaker, "lock_release", map[string]any{"lock_name": name}, func(ctx context.Context) error {
		var err error
		released, err = m.store.Release(ctx, name, ownerToken, m.now())
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		m.counters.released.Add(1)
		m.observer.Count(ctx, "txcoord.locks.released", 1, nil)
	}
	return released, nil
}

// Extend pushes expires_at forward for the current owner. The resulting
// expiry never exceeds now plus MaxTimeout.
func (m *LockManager) Extend(ctx context.Context, name string, ownerToken string, additional time.Duration) (bool, error) {
	if m == nil || m.store == nil {
		return false, ConfigurationError("core: lock manager is not configured", nil)
	}
	name = strings.TrimSpace(name)
	ownerToken = strings.TrimSpace(ownerToken)
	if name == "" || ownerToken == "" {
		return false, nil
	}
	if additional <= 0 {
		return false, BadInputError("core: lock extension must be positive", map[string]any{"lock_name": name})
	}
	now := m.now()
	maxExpiry := now.Add(m.maxTimeout())
	var extended bool
	err := m.observer.Guard(ctx, m.breaker, "lock_extend", map[string]any{"lock_name": name}, func(ctx context.Context) error {
		var err error
		extended, err = m.store.Extend(ctx, name, ownerToken, additional, maxExpiry, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if extended {
		m.counters.extended.Add(1)
		m.observer.Count(ctx, "txcoord.locks.extended", 1, nil)
	}
	return extended, nil
}

// ForceRelease deactivates the active row regardless of owner.
func (m *LockManager) ForceRelease(ctx context.Context, name string) (bool, error) {
	if m == nil || m.store == nil {
		return false, ConfigurationError("core: lock manager is not configured", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, BadInputError("core: lock name is required", nil)
	}
	var released bool
	err := m.observer.Guard(ctx, m.breaker, "lock_force_release", map[string]any{"lock_name": name}, func(ctx context.Context) error {
		var err error
		released, err = m.store.ForceRelease(ctx, name, m.now())
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		m.counters.released.Add(1)
		m.observer.Warn(ctx, "lock force released", map[string]any{"lock_name": name})
	}
	return released, nil
}

func (m *LockManager) Get(ctx context.Context, name string) (Lock, error) {
	if m == nil || m.store == nil {
		return Lock{}, ConfigurationError("core: lock manager is not configured", nil)
	}
	var lock Lock
	err := m.observer.Guard(ctx, m.breaker, "lock_get", nil, func(ctx context.Context) error {
		var err error
		lock, err = m.store.GetActive(ctx, strings.TrimSpace(name))
		return err
	})
	return lock, err
}

// WithLock runs fn while holding the named lock and releases it on every
// exit path. fn receives a nil lease when the lock could not be acquired.
func (m *LockManager) WithLock(ctx context.Context, in AcquireLockInput, fn func(ctx context.Context, lease *LockLease) error) (err error) {
	if fn == nil {
		return BadInputError("core: lock callback is required", nil)
	}
	token, ok, err := m.Acquire(ctx, in)
	if err != nil {
		return err
	}
	if !ok {
		return fn(ctx, nil)
	}
	now := m.now()
	lease := &LockLease{
		Name:       strings.TrimSpace(in.Name),
		OwnerToken: token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.clampTimeout(in.Timeout)),
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if _, releaseErr := m.Release(releaseCtx, lease.Name, token); releaseErr != nil {
			m.observer.Error(releaseCtx, "lock release failed", withError(map[string]any{"lock_name": lease.Name}, releaseErr))
			if err == nil {
				err = releaseErr
			}
		}
	}()
	return fn(ctx, lease)
}

// SweepExpired deactivates every active lock whose expiry has passed.
func (m *LockManager) SweepExpired(ctx context.Context) (int, error) {
	if m == nil || m.store == nil {
		return 0, ConfigurationError("core: lock manager is not configured", nil)
	}
	var count int
	err := m.observer.Guard(ctx, m.breaker, "lock_sweep", nil, func(ctx context.Context) error {
		var err error
		count, err = m.store.DeactivateExpired(ctx, m.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.counters.swept.Add(int64(count))
		m.observer.Count(ctx, "txcoord.locks.swept", int64(count), nil)
	}
	return count, nil
}

func (m *LockManager) PurgeReleased(ctx context.Context, retention time.Duration) (int, error) {
	if m == nil || m.store == nil {
		return 0, ConfigurationError("core: lock manager is not configured", nil)
	}
	if retention <= 0 {
		return 0, nil
	}
	var count int
	err := m.observer.Guard(ctx, m.breaker, "lock_purge", nil, func(ctx context.Context) error {
		var err error
		count, err = m.store.PurgeReleased(ctx, m.now().Add(-retention))
		return err
	})
	return count, err
}

func (m *LockManager) Stats() LockStats {
	if m == nil {
		return LockStats{}
	}
	return m.counters.snapshot()
}

func (m *LockManager) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = m.DefaultTimeout
		if timeout <= 0 {
			timeout = defaultLockTimeout
		}
	}
	if limit := m.maxTimeout(); timeout > limit {
		return limit
	}
	return timeout
}

func (m *LockManager) maxTimeout() time.Duration {
	if m != nil && m.MaxTimeout > 0 {
		return m.MaxTimeout
	}
	return maxLockTimeout
}

func (m *LockManager) now() time.Time {
	if m != nil && m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *LockManager) newToken() string {
	if m != nil && m.NewToken != nil {
		return m.NewToken()
	}
	return uuid.NewString()
}

func lockTags(operationType string) map[string]string {
	if trimmed := strings.TrimSpace(operationType); trimmed != "" {
		return map[string]string{"operation_type": trimmed}
	}
	return nil
}

func withError(fields map[string]any, err error) map[string]any {
	out := cloneFields(fields)
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

func defaultProcessID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
