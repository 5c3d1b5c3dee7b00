package repository

import (
	"context"
	"errors"
	"fmt"
	"task-outbox/internal/models"
)

// ErrRecordNotFound is returned by Get when the id is not in the outbox
var ErrRecordNotFound = errors.New("outbox record not found")

// OutboxRepository defines the interface for outbox persistence
type OutboxRepository interface {
	Add(ctx context.Context, record *models.Record) (int64, error)
	Update(ctx context.Context, id int64, patch models.Patch) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.Record, error)
	ListByStatus(ctx context.Context, kind models.Kind, status models.Status) ([]*models.Record, error)
	List(ctx context.Context, kind models.Kind) ([]*models.Record, error)
	CountByStatus(ctx context.Context) (models.StatusCounts, error)
	Close() error
}

// RowReporter is implemented by stores that can tell whether an update or
// delete touched an existing record
type RowReporter interface {
	UpdateRecord(ctx context.Context, id int64, patch models.Patch) (bool, error)
	DeleteRecord(ctx context.Context, id int64) (bool, error)
}

// ErrDuplicateIdempotencyKey is returned when a record with the same idempotency key already exists
type ErrDuplicateIdempotencyKey struct {
	IdempotencyKey string
}

func (e *ErrDuplicateIdempotencyKey) Error() string {
	return fmt.Sprintf("outbox record with idempotency_key %s already exists", e.IdempotencyKey)
}
