package repository

import (
	"context"
	"log/slog"
	"task-outbox/internal/events"
	"task-outbox/internal/models"
	"time"
)

// ObservableRepository publishes a change to the hub after every successful
// mutation of the wrapped repository.
type ObservableRepository struct {
	OutboxRepository
	hub *events.Hub
}

// NewObservableRepository wraps repo so that its mutations are published on hub
func NewObservableRepository(repo OutboxRepository, hub *events.Hub) *ObservableRepository {
	return &ObservableRepository{OutboxRepository: repo, hub: hub}
}

// Hub returns the hub changes are published on
func (r *ObservableRepository) Hub() *events.Hub {
	return r.hub
}

// Subscribe registers for change notifications
func (r *ObservableRepository) Subscribe() (<-chan models.Change, func()) {
	return r.hub.Subscribe()
}

func (r *ObservableRepository) Add(ctx context.Context, record *models.Record) (int64, error) {
	id, err := r.OutboxRepository.Add(ctx, record)
	if err != nil {
		return id, err
	}
	r.hub.Publish(models.Change{Type: models.ChangeAdded, RecordID: id, Kind: record.Kind, Status: models.StatusPending, At: time.Now()})
	return id, nil
}

// Update publishes only when a record was changed, if the wrapped store can
// report that
func (r *ObservableRepository) Update(ctx context.Context, id int64, patch models.Patch) error {
	if reporter, ok := r.OutboxRepository.(RowReporter); ok {
		changed, err := reporter.UpdateRecord(ctx, id, patch)
		if err != nil || !changed {
			return err
		}
	} else if err := r.OutboxRepository.Update(ctx, id, patch); err != nil {
		return err
	}
	c := models.Change{Type: models.ChangeUpdated, RecordID: id, At: time.Now()}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	r.hub.Publish(c)
	return nil
}

// Delete publishes only when a record was removed, if the wrapped store can
// report that
func (r *ObservableRepository) Delete(ctx context.Context, id int64) error {
	if reporter, ok := r.OutboxRepository.(RowReporter); ok {
		removed, err := reporter.DeleteRecord(ctx, id)
		if err != nil || !removed {
			return err
		}
	} else if err := r.OutboxRepository.Delete(ctx, id); err != nil {
		return err
	}
	r.hub.Publish(models.Change{Type: models.ChangeDeleted, RecordID: id, At: time.Now()})
	return nil
}

// Open returns the durable store for path, or a NopRepository when path is
// empty or the database cannot be opened.
func Open(driver, path string) OutboxRepository {
	if path == "" {
		slog.Warn("outbox storage disabled, queued operations will not survive restarts")
		return NopRepository{}
	}

	repo, err := NewSQLiteRepository(driver, path)
	if err != nil {
		slog.Error("outbox storage unavailable, falling back to best-effort delivery",
			slog.String("path", path), slog.String("driver", driver), slog.String("error", err.Error()))
		return NopRepository{}
	}

	return repo
}
