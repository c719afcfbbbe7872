package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/errors"
	"github.com/perchlabs/perch/pkg/types"
)

// Store is the durable event store shared by the buffer, the
// collectors, and the orchestrator.
type Store interface {
	// ApplySchema idempotently applies the full schema. Safe to call
	// again on hot reload to pick up additive changes.
	ApplySchema(ctx context.Context) error

	// BatchInsert writes all rows into table in a single transaction.
	// The table must be on the schema allow-list and every row must
	// match the column arity.
	BatchInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) error

	// GetWatermark returns the stored cursor for a collector. The
	// second return is false when the collector has never checkpointed.
	GetWatermark(ctx context.Context, name string) (string, bool, error)

	// SetWatermark upserts the cursor for a collector, last writer
	// wins. The cursor is opaque to the store.
	SetWatermark(ctx context.Context, name, cursor string, runTS float64) error

	// LogHealth appends a lifecycle entry to the health log. Failures
	// are logged and swallowed; they never abort the caller.
	LogHealth(ctx context.Context, ts float64, kind, details string)

	// RowCount returns the row count of an allow-listed table.
	RowCount(ctx context.Context, table string) (int64, error)

	// Close closes the underlying connection.
	Close() error
}

// SQLiteStore implements Store on a single SQLite file. All writes go
// through one connection guarded by a coarse mutex; the workload is
// write-mostly and single-process, so no finer locking is needed.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
	mu     sync.Mutex
}

// New opens (or creates) the store at dbPath and applies the schema.
// Any open or schema error here is fatal to the caller: the daemon
// cannot run without durable storage.
func New(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.NewStoreError(errors.CodeOpenFailed,
			fmt.Sprintf("create store directory for %s", dbPath), err)
	}

	// WAL keeps readers unblocked during batch writes; the busy
	// timeout turns a momentarily locked store into a bounded retry
	// instead of a hang.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewStoreError(errors.CodeOpenFailed,
			fmt.Sprintf("open store at %s", dbPath), err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}

	if err := s.ApplySchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened",
		zap.String("path", dbPath),
		zap.Int("schema_version", SchemaVersion))
	return s, nil
}

// ApplySchema applies every schema statement in order.
func (s *SQLiteStore) ApplySchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.NewStoreError(errors.CodeSchemaFailed, "apply schema statement", err)
		}
	}
	return nil
}

// BatchInsert writes all rows into table inside one transaction. A
// crash mid-batch leaves the store at the pre-batch state.
func (s *SQLiteStore) BatchInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	if !KnownTable(table) {
		return errors.NewValidationError(errors.CodeUnknownTable,
			fmt.Sprintf("unknown table: %q", table))
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return errors.NewValidationError(errors.CodeArityMismatch,
				fmt.Sprintf("table %s row %d has %d values for %d columns",
					table, i, len(row), len(columns)))
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStoreError(errors.CodeInsertFailed,
			fmt.Sprintf("begin transaction for %s", table), err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.NewStoreError(errors.CodeInsertFailed,
			fmt.Sprintf("prepare insert for %s", table), err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return errors.NewStoreError(errors.CodeInsertFailed,
				fmt.Sprintf("insert row into %s", table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStoreError(errors.CodeInsertFailed,
			fmt.Sprintf("commit batch for %s", table), err)
	}
	return nil
}

// InsertEvents is a convenience wrapper inserting a homogeneous slice
// of events that all target the same table and columns.
func (s *SQLiteStore) InsertEvents(ctx context.Context, table string, columns []string, events []types.Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, ev.Values)
	}
	return s.BatchInsert(ctx, table, columns, rows)
}

// GetWatermark returns the stored cursor for a collector.
func (s *SQLiteStore) GetWatermark(ctx context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT last_watermark FROM collector_state WHERE collector_name = ?",
		name,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewStoreError(errors.CodeQueryFailed,
			fmt.Sprintf("read watermark for %s", name), err)
	}
	return cursor.String, cursor.Valid, nil
}

// SetWatermark upserts the cursor for a collector. The upsert is a
// single statement so concurrent calls for different names never race
// on a read-modify-write; calls for the same name serialize on the
// store mutex.
func (s *SQLiteStore) SetWatermark(ctx context.Context, name, cursor string, runTS float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collector_state (collector_name, last_watermark, last_run_timestamp)
		 VALUES (?, ?, ?)
		 ON CONFLICT(collector_name) DO UPDATE
		 SET last_watermark = excluded.last_watermark,
		     last_run_timestamp = excluded.last_run_timestamp`,
		name, cursor, runTS,
	)
	if err != nil {
		return errors.NewStoreError(errors.CodeInsertFailed,
			fmt.Sprintf("upsert watermark for %s", name), err)
	}
	return nil
}

// LogHealth appends a lifecycle entry. Fire and forget: a failed
// health write must never abort the caller's primary operation.
func (s *SQLiteStore) LogHealth(ctx context.Context, ts float64, kind, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO daemon_health (timestamp, event_type, details) VALUES (?, ?, ?)",
		ts, kind, details,
	)
	if err != nil {
		s.logger.Warn("health log write failed",
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// RowCount returns the row count of an allow-listed table. Diagnostics
// only; takes the same write lock as everything else.
func (s *SQLiteStore) RowCount(ctx context.Context, table string) (int64, error) {
	if !KnownTable(table) {
		return 0, errors.NewValidationError(errors.CodeUnknownTable,
			fmt.Sprintf("unknown table: %q", table))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	if err != nil {
		return 0, errors.NewStoreError(errors.CodeQueryFailed,
			fmt.Sprintf("count rows in %s", table), err)
	}
	return count, nil
}

// Close closes the store connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: failed to close database: %w", err)
	}
	s.logger.Info("store closed", zap.String("path", s.dbPath))
	return nil
}
