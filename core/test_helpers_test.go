package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLockManager(clock *fakeClock) (*LockManager, *MemoryLockStore) {
	store := NewMemoryLockStore()
	breaker := NewCircuitBreaker(5, 30*time.Second)
	breaker.Now = clock.Now
	manager := NewLockManager(store, breaker, nil)
	manager.Now = clock.Now
	manager.ProcessID = "test-host:1"
	return manager, store
}

func newTestIdempotencyManager(clock *fakeClock) (*IdempotencyManager, *MemoryIdempotencyStore) {
	store := NewMemoryIdempotencyStore()
	breaker := NewCircuitBreaker(5, 30*time.Second)
	breaker.Now = clock.Now
	manager := NewIdempotencyManager(store, breaker, nil)
	manager.Now = clock.Now
	return manager, store
}

var errStoreUnavailable = errors.New("dial tcp 10.0.0.5:5432: connection refused")

// unavailableLockStore fails every call the way a lost database would.
type unavailableLockStore struct {
	mu    sync.Mutex
	calls int
}

func (s *unavailableLockStore) record() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errStoreUnavailable
}

func (s *unavailableLockStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *unavailableLockStore) Insert(context.Context, Lock) error { return s.record() }

func (s *unavailableLockStore) GetActive(context.Context, string) (Lock, error) {
	return Lock{}, s.record()
}

func (s *unavailableLockStore) Release(context.Context, string, string, time.Time) (bool, error) {
	return false, s.record()
}

func (s *unavailableLockStore) Extend(context.Context, string, string, time.Duration, time.Time, time.Time) (bool, error) {
	return false, s.record()
}

func (s *unavailableLockStore) ForceRelease(context.Context, string, time.Time) (bool, error) {
	return false, s.record()
}

func (s *unavailableLockStore) DeactivateExpired(context.Context, time.Time) (int, error) {
	return 0, s.record()
}

func (s *unavailableLockStore) PurgeReleased(context.Context, time.Time) (int, error) {
	return 0, s.record()
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

var (
	_ LockStore = (*unavailableLockStore)(nil)
	_ Logger    = stubLogger{}
)
