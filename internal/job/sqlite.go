package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store, for deployments
// that want the record store in an embedded database instead of loose files.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_records (
			id              TEXT PRIMARY KEY,
			status          TEXT NOT NULL DEFAULT 'queued',
			filename        TEXT NOT NULL DEFAULT '',
			file_path       TEXT NOT NULL DEFAULT '',
			progress        REAL NOT NULL DEFAULT 0,
			current_batch   INTEGER NOT NULL DEFAULT 0,
			total_batches   INTEGER NOT NULL DEFAULT 0,
			start_time      DATETIME,
			elapsed_time    REAL NOT NULL DEFAULT 0,
			est_remaining   REAL NOT NULL DEFAULT 0,
			output_path     TEXT NOT NULL DEFAULT '',
			output_filename TEXT NOT NULL DEFAULT '',
			callback_url    TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			updated_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_status     ON job_records(status);
		CREATE INDEX IF NOT EXISTS idx_job_records_updated_at ON job_records(updated_at);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, r *Record) error {
	if err := s.write(ctx, r); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Write replaces the stored row wholesale, matching the file backend's
// full-record semantics.
func (s *SQLiteStore) Write(ctx context.Context, r *Record) error {
	if err := s.write(ctx, r); err != nil {
		return fmt.Errorf("write job %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO job_records
			(id, status, filename, file_path, progress, current_batch, total_batches,
			 start_time, elapsed_time, est_remaining, output_path, output_filename,
			 callback_url, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Status, r.Filename, r.FilePath, r.Progress, r.CurrentBatch, r.TotalBatches,
		nullableTime(r.StartTime), r.ElapsedTime, r.EstimatedTimeRemaining,
		r.OutputPath, r.OutputFilename, r.CallbackURL, r.Error, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, filename, file_path, progress, current_batch, total_batches,
		       start_time, elapsed_time, est_remaining, output_path, output_filename,
		       callback_url, error
		FROM job_records WHERE id = ?
	`, id)

	r := &Record{}
	var startTime sql.NullTime

	err := row.Scan(
		&r.ID, &r.Status, &r.Filename, &r.FilePath, &r.Progress,
		&r.CurrentBatch, &r.TotalBatches, &startTime,
		&r.ElapsedTime, &r.EstimatedTimeRemaining,
		&r.OutputPath, &r.OutputFilename, &r.CallbackURL, &r.Error,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if startTime.Valid {
		r.StartTime = startTime.Time
	}
	return r, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM job_records WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists job %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	return n > 0, nil
}

// Sweep removes rows untouched for longer than maxAge, whatever their status.
func (s *SQLiteStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_records WHERE updated_at < ?
	`, time.Now().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep job records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep job records: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullableTime returns nil for the zero time so the column stays NULL until
// the worker actually starts.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
