package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-txcoord/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const webhookEventColumns = `
	id,
	provider,
	endpoint,
	event_id,
	event_type,
	payload,
	headers,
	client_ip,
	signature,
	status,
	retry_count,
	max_retries,
	scheduled_at,
	created_at,
	updated_at,
	error_message,
	processing_duration_ms,
	metadata`

var (
	claimableWebhookStatuses = []string{string(core.WebhookStatusPending), string(core.WebhookStatusRetry)}
	terminalWebhookStatuses  = []string{string(core.WebhookStatusCompleted), string(core.WebhookStatusFailed)}
	allWebhookStatuses       = []core.WebhookStatus{
		core.WebhookStatusPending,
		core.WebhookStatusProcessing,
		core.WebhookStatusCompleted,
		core.WebhookStatusFailed,
		core.WebhookStatusRetry,
	}
)

// WebhookEventStore is the table-backed inbox. Rows are claimed with a
// single UPDATE ... RETURNING so a row moves to processing for one worker
// only; on Postgres the inner select skips rows locked by other claimers.
type WebhookEventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewWebhookEventStore(db *bun.DB) (*WebhookEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &WebhookEventStore{db: db, repo: repo}, nil
}

func (s *WebhookEventStore) InsertIfAbsent(ctx context.Context, event core.WebhookEvent) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.EventID) == "" {
		return "", false, fmt.Errorf("sqlstore: webhook provider and event id are required")
	}
	record := newWebhookEventRecord(event)
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (provider, event_id) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		err, res = nil, nil
	}
	if err != nil && !isUniqueViolation(err) {
		return "", false, translateError(err, "webhook insert")
	}
	if err == nil && rowsAffected(res) > 0 {
		return record.ID, true, nil
	}
	existing, err := s.GetByEventID(ctx, event.Provider, event.EventID)
	if err != nil {
		return "", false, err
	}
	return existing.ID, false, nil
}

func (s *WebhookEventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.repo == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", strings.TrimSpace(id)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.WebhookEvent{}, translateError(err, "webhook lookup")
	}
	if len(records) == 0 {
		return core.WebhookEvent{}, fmt.Errorf("%w: %s", core.ErrWebhookEventNotFound, id)
	}
	return records[0].toDomain(), nil
}

func (s *WebhookEventStore) GetByEventID(ctx context.Context, provider string, eventID string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	record := new(webhookEventRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("provider = ?", strings.TrimSpace(provider)).
		Where("event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return core.WebhookEvent{}, fmt.Errorf("%w: %s/%s", core.ErrWebhookEventNotFound, provider, eventID)
	}
	if err != nil {
		return core.WebhookEvent{}, translateError(err, "webhook lookup")
	}
	return record.toDomain(), nil
}

func (s *WebhookEventStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	var records []webhookEventRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(
			claimQuery(s.db.Dialect().Name()),
			bun.In(claimableWebhookStatuses),
			now,
			limit,
			string(core.WebhookStatusProcessing),
			now,
			bun.In(claimableWebhookStatuses),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, translateError(err, "webhook claim")
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	events := make([]core.WebhookEvent, 0, len(records))
	for i := range records {
		events = append(events, records[i].toDomain())
	}
	return events, nil
}

func claimQuery(name dialect.Name) string {
	lockClause := ""
	if name == dialect.PG {
		lockClause = "\n\tFOR UPDATE SKIP LOCKED"
	}
	return `
WITH claimed AS (
	SELECT id
	FROM webhook_events
	WHERE status IN (?)
	  AND (scheduled_at IS NULL OR scheduled_at <= ?)
	ORDER BY created_at ASC
	LIMIT ?` + lockClause + `
)
UPDATE webhook_events
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status IN (?)
RETURNING` + webhookEventColumns + "\n"
}

// UpdateStatus applies a state-machine transition. Rows whose current
// status cannot move to the target are left untouched and reported through
// core.ErrInvalidWebhookStatusTransition.
func (s *WebhookEventStore) UpdateStatus(ctx context.Context, in core.UpdateWebhookStatusInput, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return false, fmt.Errorf("sqlstore: webhook event id is required")
	}
	from := allowedSources(in.Status)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: -> %s", core.ErrInvalidWebhookStatusTransition, in.Status)
	}
	query := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(in.Status)).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from))
	if message := strings.TrimSpace(in.ErrorMessage); message != "" {
		query = query.Set("error_message = ?", message)
	}
	if in.DurationMS != nil {
		query = query.Set("processing_duration_ms = ?", *in.DurationMS)
	}
	if in.Status.Terminal() {
		query = query.Set("scheduled_at = NULL")
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return false, translateError(err, "webhook update status")
	}
	if rowsAffected(res) > 0 {
		return true, nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return false, fmt.Errorf("%w: %s -> %s", core.ErrInvalidWebhookStatusTransition, current.Status, in.Status)
}

// ScheduleRetry reads the row, asks plan for the next state, and writes it
// back in the same transaction.
func (s *WebhookEventStore) ScheduleRetry(
	ctx context.Context,
	id string,
	cause string,
	now time.Time,
	plan core.RetryPlan,
) (core.RetryWebhookResult, error) {
	if s == nil || s.db == nil {
		return core.RetryWebhookResult{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if plan == nil {
		return core.RetryWebhookResult{}, fmt.Errorf("sqlstore: retry plan is required")
	}
	id = strings.TrimSpace(id)
	now = now.UTC()
	var result core.RetryWebhookResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := new(webhookEventRecord)
		query := tx.NewSelect().Model(record).Where("id = ?", id).Limit(1)
		if s.db.Dialect().Name() == dialect.PG {
			query = query.For("UPDATE")
		}
		if err := query.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", core.ErrWebhookEventNotFound, id)
			}
			return err
		}
		event := record.toDomain()
		result = plan(event, now)
		if !core.WebhookTransitionAllowed(event.Status, result.Status) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidWebhookStatusTransition, event.Status, result.Status)
		}
		update := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(result.Status)).
			Set("retry_count = ?", result.RetryCount).
			Set("scheduled_at = ?", core.CloneTime(result.ScheduledAt)).
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Where("status = ?", string(event.Status))
		if message := strings.TrimSpace(cause); message != "" {
			update = update.Set("error_message = ?", message)
		}
		res, err := update.Exec(ctx)
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return fmt.Errorf("%w: %s changed concurrently", core.ErrInvalidWebhookStatusTransition, id)
		}
		return nil
	})
	if err != nil {
		return core.RetryWebhookResult{}, translateError(err, "webhook retry")
	}
	return result, nil
}

func (s *WebhookEventStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*webhookEventRecord)(nil)).
		Where("status IN (?)", bun.In(terminalWebhookStatuses)).
		Where("updated_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, translateError(err, "webhook cleanup")
	}
	return int(rowsAffected(res)), nil
}

func (s *WebhookEventStore) ReleaseStaleClaims(ctx context.Context, before time.Time, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	before, now = before.UTC(), now.UTC()
	released := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		failed, err := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(core.WebhookStatusFailed)).
			Set("retry_count = retry_count + 1").
			Set("error_message = ?", core.StaleClaimReason).
			Set("updated_at = ?", now).
			Where("status = ?", string(core.WebhookStatusProcessing)).
			Where("updated_at <= ?", before).
			Where("retry_count + 1 >= max_retries").
			Exec(ctx)
		if err != nil {
			return err
		}
		retried, err := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(core.WebhookStatusRetry)).
			Set("retry_count = retry_count + 1").
			Set("scheduled_at = ?", now).
			Set("error_message = ?", core.StaleClaimReason).
			Set("updated_at = ?", now).
			Where("status = ?", string(core.WebhookStatusProcessing)).
			Where("updated_at <= ?", before).
			Exec(ctx)
		if err != nil {
			return err
		}
		released = int(rowsAffected(failed) + rowsAffected(retried))
		return nil
	})
	if err != nil {
		return 0, translateError(err, "webhook claim release")
	}
	return released, nil
}

func (s *WebhookEventStore) CountByStatus(ctx context.Context) (map[core.WebhookStatus]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	var rows []statusCountRow
	err := s.db.NewSelect().
		Model((*webhookEventRecord)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, translateError(err, "webhook counts")
	}
	out := make(map[core.WebhookStatus]int, len(allWebhookStatuses))
	for _, status := range allWebhookStatuses {
		out[status] = 0
	}
	for _, row := range rows {
		out[core.WebhookStatus(row.Status)] = row.Count
	}
	return out, nil
}

func allowedSources(target core.WebhookStatus) []string {
	if !target.Valid() {
		return nil
	}
	out := make([]string, 0, len(allWebhookStatuses))
	for _, from := range allWebhookStatuses {
		if core.WebhookTransitionAllowed(from, target) {
			out = append(out, string(from))
		}
	}
	return out
}

func newWebhookEventRecord(event core.WebhookEvent) *webhookEventRecord {
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := event.Status
	if !status.Valid() {
		status = core.WebhookStatusPending
	}
	createdAt := event.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := event.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	payload := event.Payload
	if payload == nil {
		payload = []byte{}
	}
	return &webhookEventRecord{
		ID:                   id,
		Provider:             strings.TrimSpace(event.Provider),
		Endpoint:             strings.TrimSpace(event.Endpoint),
		EventID:              strings.TrimSpace(event.EventID),
		EventType:            strings.TrimSpace(event.EventType),
		Payload:              payload,
		Headers:              core.CopyStringMap(event.Headers),
		ClientIP:             strings.TrimSpace(event.ClientIP),
		Signature:            event.Signature,
		Status:               string(status),
		RetryCount:           event.RetryCount,
		MaxRetries:           event.MaxRetries,
		ScheduledAt:          core.CloneTime(event.ScheduledAt),
		CreatedAt:            createdAt,
		UpdatedAt:            updatedAt,
		ErrorMessage:         strings.TrimSpace(event.ErrorMessage),
		ProcessingDurationMS: event.ProcessingDurationMS,
		Metadata:             map[string]any(event.Metadata.Clone()),
	}
}

func (r *webhookEventRecord) toDomain() core.WebhookEvent {
	event := core.WebhookEvent{
		ID:           r.ID,
		Provider:     r.Provider,
		Endpoint:     r.Endpoint,
		EventID:      r.EventID,
		EventType:    r.EventType,
		Payload:      append([]byte(nil), r.Payload...),
		Headers:      core.CopyStringMap(r.Headers),
		ClientIP:     r.ClientIP,
		Signature:    r.Signature,
		Status:       core.WebhookStatus(r.Status),
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		ScheduledAt:  core.CloneTime(r.ScheduledAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		ErrorMessage: r.ErrorMessage,
		Metadata:     core.Document(r.Metadata).Clone(),
	}
	if r.ProcessingDurationMS != nil {
		value := *r.ProcessingDurationMS
		event.ProcessingDurationMS = &value
	}
	return event
}
