package service

import (
	"context"
	"errors"
	"sync"
	"task-outbox/internal/models"
	"task-outbox/internal/repository"
	"time"
)

// mockRepository is an in-memory OutboxRepository that hands out copies,
// like a real store would
type mockRepository struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*models.Record

	addError  error
	listError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{records: make(map[int64]*models.Record)}
}

func copyRecord(r *models.Record) *models.Record {
	c := *r
	if r.LastAttemptedAt != nil {
		t := *r.LastAttemptedAt
		c.LastAttemptedAt = &t
	}
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

func (m *mockRepository) Add(ctx context.Context, record *models.Record) (int64, error) {
	if m.addError != nil {
		return 0, m.addError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.IdempotencyKey == record.IdempotencyKey {
			return 0, &repository.ErrDuplicateIdempotencyKey{IdempotencyKey: record.IdempotencyKey}
		}
	}
	m.nextID++
	record.ID = m.nextID
	record.Status = models.StatusPending
	record.RetryCount = 0
	record.LastAttemptedAt = nil
	record.CreatedAt = time.Now()
	m.records[record.ID] = copyRecord(record)
	return record.ID, nil
}

func (m *mockRepository) Update(ctx context.Context, id int64, patch models.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[id]; ok {
		patch.Apply(record)
	}
	return nil
}

func (m *mockRepository) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *mockRepository) Get(ctx context.Context, id int64) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	return copyRecord(record), nil
}

func (m *mockRepository) ListByStatus(ctx context.Context, kind models.Kind, status models.Status) ([]*models.Record, error) {
	if m.listError != nil {
		return nil, m.listError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Record
	for _, record := range m.records {
		if record.Kind == kind && record.Status == status {
			result = append(result, copyRecord(record))
		}
	}
	return result, nil
}

func (m *mockRepository) List(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Record
	for _, record := range m.records {
		if record.Kind == kind {
			result = append(result, copyRecord(record))
		}
	}
	return result, nil
}

func (m *mockRepository) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := models.NewStatusCounts()
	for _, record := range m.records {
		counts.Add(record.Kind, record.Status, 1)
	}
	return counts, nil
}

func (m *mockRepository) Close() error {
	return nil
}

func (m *mockRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// set overwrites retry bookkeeping directly, bypassing Add's defaults
func (m *mockRepository) set(id int64, status models.Status, retries int, lastAttempted *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[id]
	record.Status = status
	record.RetryCount = retries
	record.LastAttemptedAt = lastAttempted
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

var errNetworkDown = errors.New("dial tcp: connect: network is unreachable")
