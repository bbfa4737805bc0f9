package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tm-go/internal/database/migrations"
	"tm-go/internal/tm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores the operation history and the archive ledger.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies pending
// migrations. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database %s: %w", path, err)
	}

	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for applying migrations.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// An in-memory database is limited to one connection, since every
// connection to ":memory:" would otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Operation history

func (s *SQLiteDatabase) RecordOperation(op *tm.Operation) error {
	res, err := s.db.Exec(
		`INSERT INTO operations (operation, crawler, parameters, status, message, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.Operation, op.Crawler, op.Parameters, op.Status, op.Message, op.StartedAt.UTC(), op.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	op.ID = id
	return nil
}

// ListOperations returns up to limit operations, newest first.
// A non-positive limit returns every operation.
func (s *SQLiteDatabase) ListOperations(limit int) ([]*tm.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, operation, crawler, parameters, status, message, started_at, finished_at
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*tm.Operation
	for rows.Next() {
		op := &tm.Operation{}
		if err := rows.Scan(&op.ID, &op.Operation, &op.Crawler, &op.Parameters, &op.Status, &op.Message, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// Archive ledger

func (s *SQLiteDatabase) IsArchived(crawler, day string) (bool, error) {
	var key string
	err := s.db.QueryRow("SELECT archive_key FROM archived_files WHERE crawler = ? AND day = ?", crawler, day).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("checking archived file: %w", err)
	}
	return true, nil
}

func (s *SQLiteDatabase) MarkArchived(f *tm.ArchivedFile) error {
	_, err := s.db.Exec(
		`INSERT INTO archived_files (crawler, day, archive_key, size, archived_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (crawler, day) DO UPDATE SET archive_key = excluded.archive_key, size = excluded.size, archived_at = excluded.archived_at`,
		f.Crawler, f.Day, f.Key, f.Size, f.ArchivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking %s/%s archived: %w", f.Crawler, f.Day, err)
	}
	return nil
}

// ListArchived returns the archived files of a crawler ordered by day.
func (s *SQLiteDatabase) ListArchived(crawler string) ([]*tm.ArchivedFile, error) {
	rows, err := s.db.Query(
		"SELECT crawler, day, archive_key, size, archived_at FROM archived_files WHERE crawler = ? ORDER BY day", crawler)
	if err != nil {
		return nil, fmt.Errorf("listing archived files: %w", err)
	}
	defer rows.Close()

	var files []*tm.ArchivedFile
	for rows.Next() {
		var (
			f  tm.ArchivedFile
			at time.Time
		)
		if err := rows.Scan(&f.Crawler, &f.Day, &f.Key, &f.Size, &at); err != nil {
			return nil, fmt.Errorf("scanning archived file: %w", err)
		}
		f.ArchivedAt = at.UTC()
		files = append(files, &f)
	}
	return files, rows.Err()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ tm.History       = (*SQLiteDatabase)(nil)
	_ tm.ArchiveLedger = (*SQLiteDatabase)(nil)
)
