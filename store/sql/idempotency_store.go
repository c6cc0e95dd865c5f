package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-txcoord/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type IdempotencyStore struct {
	db   *bun.DB
	repo repository.Repository[*idempotencyTokenRecord]
}

func NewIdempotencyStore(db *bun.DB) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*idempotencyTokenRecord](db, idempotencyTokenHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid idempotency repository wiring: %w", err)
		}
	}
	return &IdempotencyStore{db: db, repo: repo}, nil
}

func (s *IdempotencyStore) Insert(ctx context.Context, record core.IdempotencyRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key := strings.TrimSpace(record.Key)
	if key == "" {
		return fmt.Errorf("sqlstore: idempotency key is required")
	}
	if _, err := s.db.NewInsert().Model(newIdempotencyTokenRecord(record)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", core.ErrIdempotencyKeyExists, key)
		}
		return translateError(err, "idempotency insert")
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	if s == nil || s.repo == nil {
		return core.IdempotencyRecord{}, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("idempotency_key", "=", strings.TrimSpace(key)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.IdempotencyRecord{}, translateError(err, "idempotency lookup")
	}
	if len(records) == 0 {
		return core.IdempotencyRecord{}, fmt.Errorf("%w: %s", core.ErrIdempotencyRecordNotFound, key)
	}
	return records[0].toDomain(), nil
}

// Complete records the terminal outcome. Only rows still in processing are
// touched, so a key completes exactly once.
func (s *IdempotencyStore) Complete(ctx context.Context, in core.CompleteIdempotencyInput) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	if !in.Status.Terminal() {
		return false, fmt.Errorf("%w: %s", core.ErrInvalidIdempotencyStatus, in.Status)
	}
	completedAt := in.CompletedAt.UTC()
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	result := map[string]any(in.ResultData.Clone())
	res, err := s.db.NewUpdate().
		Model((*idempotencyTokenRecord)(nil)).
		Set("status = ?", string(in.Status)).
		Set("result_data = ?", result).
		Set("error_message = ?", strings.TrimSpace(in.ErrorMessage)).
		Set("completed_at = ?", completedAt).
		Where("idempotency_key = ?", strings.TrimSpace(in.Key)).
		Where("status = ?", string(core.IdempotencyStatusProcessing)).
		Exec(ctx)
	if err != nil {
		return false, translateError(err, "idempotency complete")
	}
	return rowsAffected(res) > 0, nil
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*idempotencyTokenRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, translateError(err, "idempotency purge")
	}
	return int(rowsAffected(res)), nil
}

func newIdempotencyTokenRecord(record core.IdempotencyRecord) *idempotencyTokenRecord {
	status := record.Status
	if !status.Valid() {
		status = core.IdempotencyStatusProcessing
	}
	createdAt := record.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &idempotencyTokenRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: strings.TrimSpace(record.Key),
		OperationType:  strings.TrimSpace(record.OperationType),
		ResourceID:     strings.TrimSpace(record.ResourceID),
		Status:         string(status),
		ResultData:     map[string]any(record.ResultData.Clone()),
		ErrorMessage:   strings.TrimSpace(record.ErrorMessage),
		ExpiresAt:      record.ExpiresAt.UTC(),
		CreatedAt:      createdAt,
		CompletedAt:    core.CloneTime(record.CompletedAt),
	}
}

func (r *idempotencyTokenRecord) toDomain() core.IdempotencyRecord {
	return core.IdempotencyRecord{
		Key:           r.IdempotencyKey,
		OperationType: r.OperationType,
		ResourceID:    r.ResourceID,
		Status:        core.IdempotencyStatus(r.Status),
		ResultData:    core.Document(r.ResultData).Clone(),
		ErrorMessage:  r.ErrorMessage,
		ExpiresAt:     r.ExpiresAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		CompletedAt:   core.CloneTime(r.CompletedAt),
	}
}
