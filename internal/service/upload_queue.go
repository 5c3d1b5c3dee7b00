package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"task-outbox/internal/device"
	"task-outbox/internal/events"
	"task-outbox/internal/metrics"
	"task-outbox/internal/models"
	"task-outbox/internal/repository"
	"time"

	"github.com/dustin/go-humanize"
)

// Outcome is the result of one upload attempt
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFailed      Outcome = "failed"
	OutcomeNeedsReauth Outcome = "needs_reauth"
)

// EnqueueResult reports the record created by Enqueue and how its first attempt went
type EnqueueResult struct {
	Record  *models.Record `json:"record"`
	Outcome Outcome        `json:"outcome"`
}

// UploadQueue manages file uploads through the outbox: enqueue with an
// immediate attempt, backoff-driven retries and the reauthorization gate.
type UploadQueue struct {
	repo     repository.OutboxRepository
	uploader Uploader
	gate     *ReauthGate
	hub      *events.Hub
	metrics  *metrics.Metrics
	limiter  *DispatchLimiter
	deviceID string
	ceiling  time.Duration
	newKey   func() string
	now      func() time.Time
}

// UploadQueueOption configures an UploadQueue
type UploadQueueOption func(*UploadQueue)

// WithBackoffCeiling overrides DefaultUploadBackoffCeiling
func WithBackoffCeiling(ceiling time.Duration) UploadQueueOption {
	return func(q *UploadQueue) {
		if ceiling > 0 {
			q.ceiling = ceiling
		}
	}
}

// WithUploadLimiter bounds concurrent uploads during sweeps
func WithUploadLimiter(limiter *DispatchLimiter) UploadQueueOption {
	return func(q *UploadQueue) { q.limiter = limiter }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) UploadQueueOption {
	return func(q *UploadQueue) { q.now = now }
}

// NewUploadQueue creates a new upload queue. Changes to the queue and the
// reauthorization state are published on hub.
func NewUploadQueue(repo repository.OutboxRepository, uploader Uploader, gate *ReauthGate, hub *events.Hub, metrics *metrics.Metrics, deviceID string, opts ...UploadQueueOption) *UploadQueue {
	if gate == nil {
		gate = NewReauthGate()
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	q := &UploadQueue{
		repo:     repo,
		uploader: uploader,
		gate:     gate,
		hub:      hub,
		metrics:  metrics,
		deviceID: deviceID,
		ceiling:  DefaultUploadBackoffCeiling,
		newKey:   device.NewIdempotencyKey,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Gate returns the reauthorization gate of the queue
func (q *UploadQueue) Gate() *ReauthGate {
	return q.gate
}

// Enqueue stores the upload as pending and attempts it once right away
func (q *UploadQueue) Enqueue(ctx context.Context, desc models.UploadDescriptor) (*EnqueueResult, error) {
	if len(desc.File) == 0 {
		return nil, ErrEmptyUpload
	}

	record := models.NewUploadRecord(desc, q.deviceID, q.newKey())
	id, err := q.repo.Add(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue upload: %w", err)
	}
	record.ID = id
	record.Status = models.StatusPending
	if record.CreatedAt.IsZero() {
		record.CreatedAt = q.now()
	}

	q.metrics.IncrementUploadsEnqueued()
	slog.Info("upload enqueued", slog.Int64("record_id", id), slog.String("task_id", desc.TaskID),
		slog.String("size", humanize.Bytes(uint64(len(desc.File)))), slog.String("idempotency_key", record.IdempotencyKey))

	outcome := q.attempt(ctx, record)
	return &EnqueueResult{Record: record, Outcome: outcome}, nil
}

// RetryEligible attempts every pending upload and every failed upload whose
// backoff has elapsed. The whole sweep is skipped while the reauthorization
// gate is set.
func (q *UploadQueue) RetryEligible(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if q.gate.Required() {
		q.metrics.IncrementSweepsSkipped()
		slog.Debug("upload sweep skipped, reauthorization required")
		result.Skipped = true
		return result, nil
	}

	candidates, err := eligibleRecords(ctx, q.repo, models.KindUpload, q.now(), func(retries int) time.Duration {
		return UploadBackoff(retries, q.ceiling)
	})
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	result.Deferred = dispatch(ctx, q.limiter, models.KindUpload, candidates, func(ctx context.Context, record *models.Record) {
		outcome := q.attempt(ctx, record)
		mu.Lock()
		defer mu.Unlock()
		result.Attempted++
		switch outcome {
		case OutcomeDelivered:
			result.Delivered++
		case OutcomeFailed:
			result.Failed++
		case OutcomeNeedsReauth:
			result.NeedsReauth++
		}
	})

	return result, nil
}

// ResetReauthorization clears the gate and moves every needs_reauth upload
// back to pending with its last attempt cleared. It returns how many uploads
// were requeued.
func (q *UploadQueue) ResetReauthorization(ctx context.Context) (int, error) {
	q.gate.Clear()
	q.hub.Publish(models.Change{Type: models.ChangeReauthCleared, Kind: models.KindUpload, At: q.now()})

	records, err := q.repo.ListByStatus(ctx, models.KindUpload, models.StatusNeedsReauth)
	if err != nil {
		return 0, fmt.Errorf("failed to list uploads awaiting reauthorization: %w", err)
	}

	pending := models.StatusPending
	requeued := 0
	for _, record := range records {
		if err := q.repo.Update(ctx, record.ID, models.Patch{Status: &pending, ClearLastAttempted: true}); err != nil {
			return requeued, fmt.Errorf("failed to requeue upload %d: %w", record.ID, err)
		}
		requeued++
	}

	slog.Info("reauthorization reset", slog.Int("requeued", requeued))
	return requeued, nil
}

// Snapshot returns every queued upload
func (q *UploadQueue) Snapshot(ctx context.Context) ([]*models.Record, error) {
	records, err := q.repo.List(ctx, models.KindUpload)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return records, nil
}

// Subscribe registers for outbox and reauthorization changes. The returned
// function unsubscribes.
func (q *UploadQueue) Subscribe() (<-chan models.Change, func()) {
	return q.hub.Subscribe()
}

// attempt delivers one upload and records the outcome on it
func (q *UploadQueue) attempt(ctx context.Context, record *models.Record) Outcome {
	if q.gate.Required() {
		q.markNeedsReauth(ctx, record, nil)
		return OutcomeNeedsReauth
	}

	now := q.now()
	_, err := q.uploader.Upload(ctx, record.AsUpload())

	switch {
	case err == nil:
		if delErr := q.repo.Delete(context.WithoutCancel(ctx), record.ID); delErr != nil {
			slog.Error("failed to remove delivered upload", slog.Int64("record_id", record.ID), slog.String("error", delErr.Error()))
		}
		q.metrics.IncrementUploadsDelivered()
		slog.Info("upload delivered", slog.Int64("record_id", record.ID), slog.String("task_id", record.TaskID),
			slog.Int("retry_count", record.RetryCount))
		return OutcomeDelivered

	case errors.Is(err, ErrReauthRequired):
		q.markNeedsReauth(ctx, record, &now)
		q.gate.Set()
		q.metrics.IncrementReauthRequired()
		q.hub.Publish(models.Change{Type: models.ChangeReauthRequired, RecordID: record.ID, Kind: models.KindUpload,
			Status: models.StatusNeedsReauth, At: now})
		slog.Warn("upload needs reauthorization, pausing uploads", slog.Int64("record_id", record.ID),
			slog.String("task_id", record.TaskID))
		return OutcomeNeedsReauth

	default:
		q.metrics.IncrementAttemptsFailed()
		if updErr := recordFailure(context.WithoutCancel(ctx), q.repo, record, now); updErr != nil {
			slog.Error("failed to record upload failure", slog.Int64("record_id", record.ID), slog.String("error", updErr.Error()))
		}
		slog.Info("upload attempt failed", slog.Int64("record_id", record.ID), slog.Int("retry_count", record.RetryCount),
			slog.Duration("next_backoff", UploadBackoff(record.RetryCount, q.ceiling)), slog.String("error", err.Error()))
		return OutcomeFailed
	}
}

// markNeedsReauth parks the record. at is nil when the gate short-circuits
// the attempt and no network call was made.
func (q *UploadQueue) markNeedsReauth(ctx context.Context, record *models.Record, at *time.Time) {
	status := models.StatusNeedsReauth
	patch := models.Patch{Status: &status, LastAttemptedAt: at}
	patch.Apply(record)
	if err := q.repo.Update(context.WithoutCancel(ctx), record.ID, patch); err != nil {
		slog.Error("failed to mark upload as needing reauthorization", slog.Int64("record_id", record.ID), slog.String("error", err.Error()))
	}
}
