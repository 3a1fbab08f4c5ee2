package satellite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteAdapterConfig configures the SQLite adapter.
type SQLiteAdapterConfig struct {
	// Path to the SQLite database file. ":memory:" opens a private
	// in-memory database.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int
}

// DefaultSQLiteAdapterConfig returns default configuration.
func DefaultSQLiteAdapterConfig() SQLiteAdapterConfig {
	return SQLiteAdapterConfig{
		Path:        "satellite.db",
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// SQLiteAdapter implements Adapter over a single SQLite connection. A single
// connection keeps interactive transactions and connection-scoped pragmas
// (defer_foreign_keys) coherent.
type SQLiteAdapter struct {
	db     *sql.DB
	config SQLiteAdapterConfig
	mu     sync.Mutex
	closed bool
}

// NewSQLiteAdapter opens the database file and applies the configured pragmas.
func NewSQLiteAdapter(config SQLiteAdapterConfig) (*SQLiteAdapter, error) {
	if config.Path == "" {
		config.Path = "satellite.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// Exclusive access is assumed; one connection serializes all writes.
	db.SetMaxOpenConns(1)

	return &SQLiteAdapter{db: db, config: config}, nil
}

// Run executes a single statement.
func (a *SQLiteAdapter) Run(ctx context.Context, stmt Statement) (int64, error) {
	if a.isClosed() {
		return 0, ErrClosed
	}
	res, err := a.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("exec %q: %w", stmt.SQL, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunInTransaction executes the statements inside one transaction.
func (a *SQLiteAdapter) RunInTransaction(ctx context.Context, stmts ...Statement) (int64, error) {
	if a.isClosed() {
		return 0, ErrClosed
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	var total int64
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("exec %q: %w", stmt.SQL, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// Query executes a statement and decodes every result row.
func (a *SQLiteAdapter) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	if a.isClosed() {
		return nil, ErrClosed
	}
	rows, err := a.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", stmt.SQL, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Transaction runs fn against an interactive transaction handle.
func (a *SQLiteAdapter) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if a.isClosed() {
		return ErrClosed
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	handle := &sqliteTx{ctx: ctx, tx: tx}
	if err := fn(handle); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the connection. Subsequent calls are no-ops.
func (a *SQLiteAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func (a *SQLiteAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Run(stmt Statement) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("exec %q: %w", stmt.SQL, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *sqliteTx) Query(stmt Statement) ([]Row, error) {
	rows, err := t.tx.QueryContext(t.ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", stmt.SQL, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			// Normalize byte slices so row values survive JSON round trips.
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
