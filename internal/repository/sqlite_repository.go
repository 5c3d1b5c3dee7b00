package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"task-outbox/internal/models"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
)

// SQLiteRepository implements OutboxRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository using the given driver
func NewSQLiteRepository(driver, dbPath string) (*SQLiteRepository, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite3, "":
		db, err = sql.Open(DriverSQLite3, dbPath+"?_journal_mode=WAL&_timeout=5000")
	case DriverSQLite:
		db, err = sql.Open(DriverSQLite, dbPath)
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		url TEXT,
		method TEXT,
		headers BLOB,
		body BLOB,
		task_id TEXT,
		display_name TEXT,
		file_name TEXT,
		file BLOB,
		device_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempted_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_kind_status ON outbox(kind, status);
	CREATE INDEX IF NOT EXISTS idx_outbox_task_id ON outbox(task_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_device_id ON outbox(device_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

const selectColumns = `
	SELECT id, kind, url, method, headers, body, task_id, display_name, file_name, file,
	       device_id, idempotency_key, status, retry_count, last_attempted_at, created_at
	FROM outbox
`

// Add inserts a new record as pending and returns its id
func (r *SQLiteRepository) Add(ctx context.Context, record *models.Record) (int64, error) {
	query := `
		INSERT INTO outbox (kind, url, method, headers, body, task_id, display_name, file_name, file,
		                    device_id, idempotency_key, status, retry_count, last_attempted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
	`

	var headers []byte
	if len(record.Headers) > 0 {
		b, err := msgpack.Marshal(record.Headers)
		if err != nil {
			return 0, fmt.Errorf("failed to encode headers: %w", err)
		}
		headers = b
	}

	now := time.Now()
	res, err := r.db.ExecContext(ctx, query,
		record.Kind,
		nullString(record.URL),
		nullString(record.Method),
		headers,
		record.Body,
		nullString(record.TaskID),
		nullString(record.DisplayName),
		nullString(record.FileName),
		record.File,
		record.DeviceID,
		record.IdempotencyKey,
		models.StatusPending,
		now.UnixMilli(),
	)
	if err != nil {
		// SQLite returns "UNIQUE constraint failed" for unique violations
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, &ErrDuplicateIdempotencyKey{IdempotencyKey: record.IdempotencyKey}
		}
		return 0, fmt.Errorf("failed to add outbox record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox record id: %w", err)
	}

	record.ID = id
	record.Status = models.StatusPending
	record.RetryCount = 0
	record.LastAttemptedAt = nil
	record.CreatedAt = time.UnixMilli(now.UnixMilli())
	record.FileSize = len(record.File)

	return id, nil
}

// Update merges the patch into an existing record. A missing id is a no-op.
func (r *SQLiteRepository) Update(ctx context.Context, id int64, patch models.Patch) error {
	_, err := r.UpdateRecord(ctx, id, patch)
	return err
}

// UpdateRecord is Update that also reports whether a record was changed
func (r *SQLiteRepository) UpdateRecord(ctx context.Context, id int64, patch models.Patch) (bool, error) {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.ClearLastAttempted {
		sets = append(sets, "last_attempted_at = NULL")
	} else if patch.LastAttemptedAt != nil {
		sets = append(sets, "last_attempted_at = ?")
		args = append(args, patch.LastAttemptedAt.UnixMilli())
	}

	if len(sets) == 0 {
		return false, nil
	}

	query := "UPDATE outbox SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update outbox record: %w", err)
	}

	return affected(result)
}

// Delete removes a record. Deleting a missing id is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.DeleteRecord(ctx, id)
	return err
}

// DeleteRecord is Delete that also reports whether a record was removed
func (r *SQLiteRepository) DeleteRecord(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete outbox record: %w", err)
	}
	return affected(result)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Get retrieves a record by id
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Record, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get outbox record: %w", err)
	}
	return record, nil
}

// ListByStatus retrieves all records of a kind with a specific status
func (r *SQLiteRepository) ListByStatus(ctx context.Context, kind models.Kind, status models.Status) ([]*models.Record, error) {
	return r.query(ctx, selectColumns+" WHERE kind = ? AND status = ?", kind, status)
}

// List retrieves every record of a kind
func (r *SQLiteRepository) List(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	return r.query(ctx, selectColumns+" WHERE kind = ? ORDER BY created_at ASC, id ASC", kind)
}

// CountByStatus returns per-kind status counts
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	counts := models.NewStatusCounts()

	rows, err := r.db.QueryContext(ctx, "SELECT kind, status, COUNT(*) FROM outbox GROUP BY kind, status")
	if err != nil {
		return counts, fmt.Errorf("failed to count outbox records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind models.Kind
		var status models.Status
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts.Add(kind, status, n)
	}

	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to iterate outbox counts: %w", err)
	}

	return counts, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var record models.Record
	var url, method, taskID, displayName, fileName sql.NullString
	var headers []byte
	var lastAttemptedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&record.ID,
		&record.Kind,
		&url,
		&method,
		&headers,
		&record.Body,
		&taskID,
		&displayName,
		&fileName,
		&record.File,
		&record.DeviceID,
		&record.IdempotencyKey,
		&record.Status,
		&record.RetryCount,
		&lastAttemptedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	record.URL = url.String
	record.Method = method.String
	record.TaskID = taskID.String
	record.DisplayName = displayName.String
	record.FileName = fileName.String
	record.FileSize = len(record.File)
	record.CreatedAt = time.UnixMilli(createdAt)

	if len(headers) > 0 {
		if err := msgpack.Unmarshal(headers, &record.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers: %w", err)
		}
	}

	if lastAttemptedAt.Valid {
		t := time.UnixMilli(lastAttemptedAt.Int64)
		record.LastAttemptedAt = &t
	}

	return &record, nil
}

// Convert empty string to NULL so optional columns stay NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
