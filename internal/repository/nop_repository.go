package repository

import (
	"context"
	"task-outbox/internal/models"
)

// NopRepository is used when no persistent storage is available.
// Every operation succeeds and nothing is retained, so the outbox
// degrades to fire-and-forget without retry.
type NopRepository struct{}

func (NopRepository) Add(ctx context.Context, record *models.Record) (int64, error) {
	return 0, nil
}

func (NopRepository) Update(ctx context.Context, id int64, patch models.Patch) error {
	return nil
}

func (NopRepository) Delete(ctx context.Context, id int64) error {
	return nil
}

func (NopRepository) Get(ctx context.Context, id int64) (*models.Record, error) {
	return nil, ErrRecordNotFound
}

func (NopRepository) ListByStatus(ctx context.Context, kind models.Kind, status models.Status) ([]*models.Record, error) {
	return nil, nil
}

func (NopRepository) List(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	return nil, nil
}

func (NopRepository) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	return models.NewStatusCounts(), nil
}

func (NopRepository) Close() error {
	return nil
}
