package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryLockStore is a process-local LockStore for tests and single-process
// tooling. It keeps released rows so history purges behave like the SQL store.
type MemoryLockStore struct {
	mu   sync.Mutex
	rows []Lock
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{}
}

func (s *MemoryLockStore) Insert(_ context.Context, lock Lock) error {
	if s == nil {
		return fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Active && row.Name == lock.Name {
			return fmt.Errorf("%w: %s", ErrLockContended, lock.Name)
		}
	}
	lock.Metadata = lock.Metadata.Clone()
	lock.Active = true
	s.rows = append(s.rows, lock)
	return nil
}

func (s *MemoryLockStore) GetActive(_ context.Context, name string) (Lock, error) {
	if s == nil {
		return Lock{}, fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.activeIndexLocked(name); idx >= 0 {
		out := s.rows[idx]
		out.Metadata = out.Metadata.Clone()
		return out, nil
	}
	return Lock{}, fmt.Errorf("%w: %s", ErrLockNotFound, name)
}

func (s *MemoryLockStore) Release(_ context.Context, name string, ownerToken string, now time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.activeIndexLocked(name)
	if idx < 0 || s.rows[idx].OwnerToken != ownerToken || !s.rows[idx].ExpiresAt.After(now) {
		return false, nil
	}
	s.deactivateLocked(idx, now)
	return true, nil
}

func (s *MemoryLockStore) Extend(
	_ context.Context,
	name string,
	ownerToken string,
	additional time.Duration,
	maxExpiry time.Time,
	now time.Time,
) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.activeIndexLocked(name)
	if idx < 0 || s.rows[idx].OwnerToken != ownerToken || !s.rows[idx].ExpiresAt.After(now) {
		return false, nil
	}
	next := s.rows[idx].ExpiresAt.Add(additional)
	if next.After(maxExpiry) {
		next = maxExpiry
	}
	s.rows[idx].ExpiresAt = next
	return true, nil
}

func (s *MemoryLockStore) ForceRelease(_ context.Context, name string, now time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.activeIndexLocked(name)
	if idx < 0 {
		return false, nil
	}
	s.deactivateLocked(idx, now)
	return true, nil
}

func (s *MemoryLockStore) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.rows {
		if s.rows[i].Active && s.rows[i].Expired(now) {
			s.deactivateLocked(i, now)
			count++
		}
	}
	return count, nil
}

func (s *MemoryLockStore) PurgeReleased(_ context.Context, before time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory lock store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	purged := 0
	for _, row := range s.rows {
		if !row.Active && row.ReleasedAt != nil && row.ReleasedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return purged, nil
}

func (s *MemoryLockStore) activeIndexLocked(name string) int {
	name = strings.TrimSpace(name)
	for i := range s.rows {
		if s.rows[i].Active && s.rows[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *MemoryLockStore) deactivateLocked(idx int, now time.Time) {
	releasedAt := now.UTC()
	s.rows[idx].Active = false
	s.rows[idx].ReleasedAt = &releasedAt
}

// MemoryIdempotencyStore is a process-local IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]IdempotencyRecord
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: map[string]IdempotencyRecord{}}
}

func (s *MemoryIdempotencyStore) Insert(_ context.Context, record IdempotencyRecord) error {
	if s == nil {
		return fmt.Errorf("core: memory idempotency store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.Key]; exists {
		return fmt.Errorf("%w: %s", ErrIdempotencyKeyExists, record.Key)
	}
	record.ResultData = record.ResultData.Clone()
	s.records[record.Key] = record
	return nil
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (IdempotencyRecord, error) {
	if s == nil {
		return IdempotencyRecord{}, fmt.Errorf("core: memory idempotency store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[strings.TrimSpace(key)]
	if !ok {
		return IdempotencyRecord{}, fmt.Errorf("%w: %s", ErrIdempotencyRecordNotFound, key)
	}
	record.ResultData = record.ResultData.Clone()
	record.CompletedAt = CloneTime(record.CompletedAt)
	return record, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, in CompleteIdempotencyInput) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("core: memory idempotency store is not configured")
	}
	if !in.Status.Terminal() {
		return false, fmt.Errorf("%w: %q", ErrInvalidIdempotencyStatus, in.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[in.Key]
	if !ok || record.Status != IdempotencyStatusProcessing {
		return false, nil
	}
	completedAt := in.CompletedAt.UTC()
	record.Status = in.Status
	record.ResultData = in.ResultData.Clone()
	record.ErrorMessage = in.ErrorMessage
	record.CompletedAt = &completedAt
	s.records[in.Key] = record
	return true, nil
}

func (s *MemoryIdempotencyStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory idempotency store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, record := range s.records {
		if record.Expired(now) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

// MemoryWebhookEventStore keeps inbox rows in memory with the same
// (provider, event_id) uniqueness and claim rules as the SQL store.
type MemoryWebhookEventStore struct {
	mu     sync.Mutex
	events map[string]WebhookEvent
	keys   map[string]string
	NewID  func() string
	nextID int
}

func NewMemoryWebhookEventStore() *MemoryWebhookEventStore {
	return &MemoryWebhookEventStore{
		events: map[string]WebhookEvent{},
		keys:   map[string]string{},
	}
}

func (s *MemoryWebhookEventStore) InsertIfAbsent(_ context.Context, event WebhookEvent) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := webhookEventKey(event.Provider, event.EventID)
	if existing, exists := s.keys[key]; exists {
		return existing, false, nil
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = s.newIDLocked()
	}
	if !event.Status.Valid() {
		event.Status = WebhookStatusPending
	}
	s.events[event.ID] = cloneWebhookEvent(event)
	s.keys[key] = event.ID
	return event.ID, true, nil
}

func (s *MemoryWebhookEventStore) GetByEventID(_ context.Context, provider string, eventID string) (WebhookEvent, error) {
	if s == nil {
		return WebhookEvent{}, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[webhookEventKey(strings.TrimSpace(provider), strings.TrimSpace(eventID))]
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: %s/%s", ErrWebhookEventNotFound, provider, eventID)
	}
	return cloneWebhookEvent(s.events[id]), nil
}

func webhookEventKey(provider string, eventID string) string {
	return provider + "\x00" + eventID
}

func (s *MemoryWebhookEventStore) Get(_ context.Context, id string) (WebhookEvent, error) {
	if s == nil {
		return WebhookEvent{}, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[strings.TrimSpace(id)]
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: %s", ErrWebhookEventNotFound, id)
	}
	return cloneWebhookEvent(event), nil
}

func (s *MemoryWebhookEventStore) ClaimBatch(_ context.Context, limit int, now time.Time) ([]WebhookEvent, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory webhook event store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]WebhookEvent, 0, len(s.events))
	for _, event := range s.events {
		if event.Status != WebhookStatusPending && event.Status != WebhookStatusRetry {
			continue
		}
		if event.ScheduledAt != nil && event.ScheduledAt.After(now) {
			continue
		}
		candidates = append(candidates, event)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	claimed := make([]WebhookEvent, 0, len(candidates))
	for _, event := range candidates {
		event.Status = WebhookStatusProcessing
		event.UpdatedAt = now
		s.events[event.ID] = event
		claimed = append(claimed, cloneWebhookEvent(event))
	}
	return claimed, nil
}

func (s *MemoryWebhookEventStore) UpdateStatus(_ context.Context, in UpdateWebhookStatusInput, now time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[strings.TrimSpace(in.ID)]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrWebhookEventNotFound, in.ID)
	}
	if err := event.TransitionTo(in.Status, in.ErrorMessage, now); err != nil {
		return false, err
	}
	if in.DurationMS != nil {
		value := *in.DurationMS
		event.ProcessingDurationMS = &value
	}
	if in.Status.Terminal() {
		event.ScheduledAt = nil
	}
	s.events[event.ID] = event
	return true, nil
}

func (s *MemoryWebhookEventStore) ScheduleRetry(_ context.Context, id string, cause string, now time.Time, plan RetryPlan) (RetryWebhookResult, error) {
	if s == nil || plan == nil {
		return RetryWebhookResult{}, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[strings.TrimSpace(id)]
	if !ok {
		return RetryWebhookResult{}, fmt.Errorf("%w: %s", ErrWebhookEventNotFound, id)
	}
	result := plan(cloneWebhookEvent(event), now)
	if err := event.TransitionTo(result.Status, cause, now); err != nil {
		return RetryWebhookResult{}, err
	}
	event.RetryCount = result.RetryCount
	event.ScheduledAt = CloneTime(result.ScheduledAt)
	s.events[event.ID] = event
	return result, nil
}

func (s *MemoryWebhookEventStore) DeleteTerminalBefore(_ context.Context, before time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, event := range s.events {
		if event.Status.Terminal() && event.UpdatedAt.Before(before) {
			delete(s.events, id)
			delete(s.keys, webhookEventKey(event.Provider, event.EventID))
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryWebhookEventStore) ReleaseStaleClaims(_ context.Context, before time.Time, now time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, event := range s.events {
		if event.Status != WebhookStatusProcessing || event.UpdatedAt.After(before) {
			continue
		}
		event.RetryCount++
		next := WebhookStatusRetry
		if event.RetryCount >= event.MaxRetries {
			next = WebhookStatusFailed
		}
		if err := event.TransitionTo(next, StaleClaimReason, now); err != nil {
			return released, err
		}
		if next == WebhookStatusRetry {
			event.ScheduledAt = CloneTime(&now)
		}
		s.events[id] = event
		released++
	}
	return released, nil
}

func (s *MemoryWebhookEventStore) CountByStatus(context.Context) (map[WebhookStatus]int, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory webhook event store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[WebhookStatus]int{
		WebhookStatusPending:    0,
		WebhookStatusProcessing: 0,
		WebhookStatusCompleted:  0,
		WebhookStatusFailed:     0,
		WebhookStatusRetry:      0,
	}
	for _, event := range s.events {
		counts[event.Status]++
	}
	return counts, nil
}

func (s *MemoryWebhookEventStore) newIDLocked() string {
	if s.NewID != nil {
		return s.NewID()
	}
	s.nextID++
	return fmt.Sprintf("evt_%06d", s.nextID)
}

func cloneWebhookEvent(event WebhookEvent) WebhookEvent {
	cloned := event
	cloned.Payload = append([]byte(nil), event.Payload...)
	cloned.Headers = CopyStringMap(event.Headers)
	cloned.Metadata = event.Metadata.Clone()
	cloned.ScheduledAt = CloneTime(event.ScheduledAt)
	if event.ProcessingDurationMS != nil {
		value := *event.ProcessingDurationMS
		cloned.ProcessingDurationMS = &value
	}
	return cloned
}

var (
	_ LockStore         = (*MemoryLockStore)(nil)
	_ IdempotencyStore  = (*MemoryIdempotencyStore)(nil)
	_ WebhookEventStore = (*MemoryWebhookEventStore)(nil)
)
