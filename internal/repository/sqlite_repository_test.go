package repository

import (
	"context"
	"errors"
	"path/filepath"
	"task-outbox/internal/events"
	"task-outbox/internal/models"
	"testing"
	"time"
)

func newTestRepository(t *testing.T, driver string) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(driver, filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

var drivers = []string{DriverSQLite3, DriverSQLite}

func TestSQLiteRepository_AddSetsInitialState(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			repo := newTestRepository(t, driver)
			ctx := context.Background()

			record := models.NewRequestRecord("https://api.example.com/tasks/1", "PATCH",
				map[string]string{"X-Device-ID": "dev-1", "Idempotency-Key": "key-1"},
				[]byte(`{"done":true}`), "dev-1", "key-1")
			record.Status = models.StatusFailed
			record.RetryCount = 9

			id, err := repo.Add(ctx, record)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if id <= 0 {
				t.Fatalf("expected positive id, got %d", id)
			}

			got, err := repo.Get(ctx, id)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got.Status != models.StatusPending {
				t.Errorf("expected status pending, got %s", got.Status)
			}
			if got.RetryCount != 0 {
				t.Errorf("expected retry_count 0, got %d", got.RetryCount)
			}
			if got.LastAttemptedAt != nil {
				t.Errorf("expected nil last_attempted_at, got %v", got.LastAttemptedAt)
			}
			if got.CreatedAt.IsZero() {
				t.Error("expected created_at to be set")
			}
			if got.Headers["Idempotency-Key"] != "key-1" {
				t.Errorf("expected header round trip, got %v", got.Headers)
			}
			if string(got.Body) != `{"done":true}` {
				t.Errorf("expected body round trip, got %s", got.Body)
			}
		})
	}
}

func TestSQLiteRepository_AddDuplicateIdempotencyKey(t *testing.T) {
	repo := newTestRepository(t, DriverSQLite3)
	ctx := context.Background()

	desc := models.UploadDescriptor{TaskID: "task-1", FileName: "a.txt", File: []byte("a")}
	if _, err := repo.Add(ctx, models.NewUploadRecord(desc, "dev-1", "key-1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	_, err := repo.Add(ctx, models.NewUploadRecord(desc, "dev-1", "key-1"))
	var dupErr *ErrDuplicateIdempotencyKey
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected duplicate idempotency key error, got %v", err)
	}
}

func TestSQLiteRepository_UpdateMergesFields(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			repo := newTestRepository(t, driver)
			ctx := context.Background()

			id, err := repo.Add(ctx, models.NewUploadRecord(models.UploadDescriptor{TaskID: "task-1", File: []byte("x")}, "dev-1", "key-1"))
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			status := models.StatusFailed
			retries := 1
			now := time.Now()
			if err := repo.Update(ctx, id, models.Patch{Status: &status, RetryCount: &retries, LastAttemptedAt: &now}); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			got, _ := repo.Get(ctx, id)
			if got.Status != models.StatusFailed || got.RetryCount != 1 {
				t.Errorf("expected failed/1, got %s/%d", got.Status, got.RetryCount)
			}
			if got.LastAttemptedAt == nil || got.LastAttemptedAt.UnixMilli() != now.UnixMilli() {
				t.Errorf("expected last_attempted_at %v, got %v", now, got.LastAttemptedAt)
			}
			if got.IdempotencyKey != "key-1" {
				t.Errorf("expected idempotency key to be unchanged, got %s", got.IdempotencyKey)
			}
			if got.TaskID != "task-1" {
				t.Errorf("expected task_id to be unchanged, got %s", got.TaskID)
			}

			if err := repo.Update(ctx, id, models.Patch{ClearLastAttempted: true}); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			got, _ = repo.Get(ctx, id)
			if got.LastAttemptedAt != nil {
				t.Errorf("expected last_attempted_at to be cleared, got %v", got.LastAttemptedAt)
			}
		})
	}
}

func TestSQLiteRepository_UpdateAndDeleteMissingID(t *testing.T) {
	repo := newTestRepository(t, DriverSQLite3)
	ctx := context.Background()

	status := models.StatusFailed
	if err := repo.Update(ctx, 4242, models.Patch{Status: &status}); err != nil {
		t.Errorf("expected update of missing id to be a no-op, got %v", err)
	}
	if err := repo.Delete(ctx, 4242); err != nil {
		t.Errorf("expected delete of missing id to be a no-op, got %v", err)
	}
	if _, err := repo.Get(ctx, 4242); err != ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSQLiteRepository_ListByStatusAndCounts(t *testing.T) {
	repo := newTestRepository(t, DriverSQLite)
	ctx := context.Background()

	upA, _ := repo.Add(ctx, models.NewUploadRecord(models.UploadDescriptor{TaskID: "t", File: []byte("a")}, "dev", "k-a"))
	repo.Add(ctx, models.NewUploadRecord(models.UploadDescriptor{TaskID: "t", File: []byte("b")}, "dev", "k-b"))
	repo.Add(ctx, models.NewRequestRecord("https://x", "POST", nil, nil, "dev", "k-c"))

	reauth := models.StatusNeedsReauth
	repo.Update(ctx, upA, models.Patch{Status: &reauth})

	pending, err := repo.ListByStatus(ctx, models.KindUpload, models.StatusPending)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending upload, got %d", len(pending))
	}

	all, _ := repo.List(ctx, models.KindUpload)
	if len(all) != 2 {
		t.Errorf("expected 2 uploads, got %d", len(all))
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if counts.Uploads[models.StatusNeedsReauth] != 1 || counts.Uploads[models.StatusPending] != 1 {
		t.Errorf("unexpected upload counts %v", counts.Uploads)
	}
	if counts.Requests[models.StatusPending] != 1 {
		t.Errorf("unexpected request counts %v", counts.Requests)
	}
}

func TestSQLiteRepository_UnsupportedDriver(t *testing.T) {
	if _, err := NewSQLiteRepository("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestNopRepository_NeverFails(t *testing.T) {
	var repo OutboxRepository = NopRepository{}
	ctx := context.Background()

	if _, err := repo.Add(ctx, models.NewRequestRecord("https://x", "POST", nil, nil, "d", "k")); err != nil {
		t.Errorf("expected no error from Add, got %v", err)
	}
	status := models.StatusFailed
	if err := repo.Update(ctx, 1, models.Patch{Status: &status}); err != nil {
		t.Errorf("expected no error from Update, got %v", err)
	}
	if err := repo.Delete(ctx, 1); err != nil {
		t.Errorf("expected no error from Delete, got %v", err)
	}
	records, err := repo.ListByStatus(ctx, models.KindRequest, models.StatusPending)
	if err != nil || len(records) != 0 {
		t.Errorf("expected empty result, got %v, %v", records, err)
	}
}

func TestOpen_EmptyPathDegrades(t *testing.T) {
	if _, ok := Open(DriverSQLite3, "").(NopRepository); !ok {
		t.Error("expected NopRepository for empty path")
	}
	if _, ok := Open(DriverSQLite3, filepath.Join(t.TempDir(), "missing", "dir", "outbox.db")).(NopRepository); !ok {
		t.Error("expected NopRepository when the database cannot be opened")
	}
}

func TestObservableRepository_PublishesChanges(t *testing.T) {
	repo := NewObservableRepository(newTestRepository(t, DriverSQLite3), events.NewHub(8))
	ch, unsubscribe := repo.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	id, err := repo.Add(ctx, models.NewUploadRecord(models.UploadDescriptor{TaskID: "t", File: []byte("a")}, "dev", "k"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	failed := models.StatusFailed
	repo.Update(ctx, id, models.Patch{Status: &failed})
	repo.Delete(ctx, id)

	want := []models.ChangeType{models.ChangeAdded, models.ChangeUpdated, models.ChangeDeleted}
	for _, typ := range want {
		select {
		case c := <-ch:
			if c.Type != typ || c.RecordID != id {
				t.Errorf("expected %s for %d, got %s for %d", typ, id, c.Type, c.RecordID)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s change", typ)
		}
	}
}

func TestSQLiteRepository_ReportsTouchedRows(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			repo := newTestRepository(t, driver)
			ctx := context.Background()

			id, _ := repo.Add(ctx, models.NewRequestRecord("https://x", "POST", nil, nil, "dev", "k"))
			failed := models.StatusFailed

			changed, err := repo.UpdateRecord(ctx, id, models.Patch{Status: &failed})
			if err != nil || !changed {
				t.Errorf("expected existing record to be updated, got %v %v", changed, err)
			}
			changed, err = repo.UpdateRecord(ctx, id+100, models.Patch{Status: &failed})
			if err != nil || changed {
				t.Errorf("expected missing record to be untouched, got %v %v", changed, err)
			}

			removed, err := repo.DeleteRecord(ctx, id)
			if err != nil || !removed {
				t.Errorf("expected record to be removed, got %v %v", removed, err)
			}
			removed, err = repo.DeleteRecord(ctx, id)
			if err != nil || removed {
				t.Errorf("expected second delete to remove nothing, got %v %v", removed, err)
			}
		})
	}
}

func TestObservableRepository_SilentForMissingRecords(t *testing.T) {
	repo := NewObservableRepository(newTestRepository(t, DriverSQLite), events.NewHub(8))
	ch, unsubscribe := repo.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	failed := models.StatusFailed
	if err := repo.Update(ctx, 42, models.Patch{Status: &failed}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := repo.Delete(ctx, 42); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	select {
	case c := <-ch:
		t.Errorf("expected no change for a missing record, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}
