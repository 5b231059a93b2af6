package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"assetxfer/internal/transfer"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		direction TEXT NOT NULL,
		job_id TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_key TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_hash TEXT,
		status TEXT NOT NULL,
		transferred_bytes INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		error_kind TEXT,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS checkpoints (
		task_id TEXT NOT NULL,
		local_path TEXT NOT NULL,
		data BLOB NOT NULL,
		saved_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, local_path)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("database store is closed")
	}
	return nil
}

// SaveTask saves or updates a task record with retry mechanism
func (s *SQLiteStore) SaveTask(task *transfer.Task) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveTaskInternal(task)
	})
}

func (s *SQLiteStore) saveTaskInternal(task *transfer.Task) error {
	// Use UPSERT to avoid DELETE+INSERT of REPLACE which increases lock contention
	query := `
	INSERT INTO tasks
	(id, seq, direction, job_id, local_path, remote_key, file_name, file_size, content_hash,
	 status, transferred_bytes, retry_count, error_kind, last_error,
	 created_at, started_at, completed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		seq = excluded.seq,
		local_path = excluded.local_path,
		remote_key = excluded.remote_key,
		file_name = excluded.file_name,
		file_size = excluded.file_size,
		content_hash = excluded.content_hash,
		status = excluded.status,
		transferred_bytes = excluded.transferred_bytes,
		retry_count = excluded.retry_count,
		error_kind = excluded.error_kind,
		last_error = excluded.last_error,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		task.ID,
		task.Seq,
		string(task.Direction),
		task.JobID,
		task.LocalPath,
		task.RemoteKey,
		task.FileName,
		task.FileSize,
		task.ContentHash,
		string(task.Status),
		task.TransferredBytes,
		task.RetryCount,
		string(task.ErrorKind),
		task.LastError,
		task.CreatedAt.UnixNano(),
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// DeleteTask removes a task record
func (s *SQLiteStore) DeleteTask(id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// ListTasks returns all task records in submission order
func (s *SQLiteStore) ListTasks() ([]*transfer.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
	SELECT id, seq, direction, job_id, local_path, remote_key, file_name, file_size, content_hash,
	       status, transferred_bytes, retry_count, error_kind, last_error,
	       created_at, started_at, completed_at
	FROM tasks
	ORDER BY created_at ASC, seq ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*transfer.Task

	for rows.Next() {
		var (
			task                            transfer.Task
			direction, status               string
			contentHash, errorKind, lastErr sql.NullString
			createdAt                       int64
			startedAt, completedAt          sql.NullInt64
		)

		err := rows.Scan(
			&task.ID,
			&task.Seq,
			&direction,
			&task.JobID,
			&task.LocalPath,
			&task.RemoteKey,
			&task.FileName,
			&task.FileSize,
			&contentHash,
			&status,
			&task.TransferredBytes,
			&task.RetryCount,
			&errorKind,
			&lastErr,
			&createdAt,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, err
		}

		task.Direction = transfer.Direction(direction)
		task.Status = transfer.Status(status)
		task.ContentHash = contentHash.String
		task.ErrorKind = transfer.Kind(errorKind.String)
		task.LastError = lastErr.String
		task.CreatedAt = time.Unix(0, createdAt)
		task.StartedAt = timeFromNullable(startedAt)
		task.CompletedAt = timeFromNullable(completedAt)

		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}

// SaveCheckpoint upserts the checkpoint for (TaskID, LocalPath)
func (s *SQLiteStore) SaveCheckpoint(cp *transfer.Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO checkpoints (task_id, local_path, data, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, local_path) DO UPDATE SET
			data = excluded.data,
			saved_at = excluded.saved_at
		`, cp.TaskID, cp.LocalPath, data, cp.SavedAt.UnixNano())
		return err
	})
}

// LoadCheckpoint returns the stored checkpoint, nil when none exists
func (s *SQLiteStore) LoadCheckpoint(taskID, localPath string) (*transfer.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.retryOnBusy(func() error {
		return s.db.QueryRow(
			`SELECT data FROM checkpoints WHERE task_id = ? AND local_path = ?`,
			taskID, localPath,
		).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return decodeCheckpoint(data)
}

// DeleteCheckpoint removes a checkpoint; deleting a missing one is not an error
func (s *SQLiteStore) DeleteCheckpoint(taskID, localPath string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(
			`DELETE FROM checkpoints WHERE task_id = ? AND local_path = ?`,
			taskID, localPath,
		)
		return err
	})
}

// ListCheckpointKeys returns the keys of every stored checkpoint
func (s *SQLiteStore) ListCheckpointKeys() ([]Key, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT task_id, local_path FROM checkpoints ORDER BY saved_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.TaskID, &k.LocalPath); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		// Wait with exponential backoff + jitter
		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
