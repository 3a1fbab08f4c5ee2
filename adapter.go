package satellite

import "context"

// Statement is a SQL statement with positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Stmt is a convenience constructor for Statement.
func Stmt(sql string, args ...any) Statement {
	return Statement{SQL: sql, Args: args}
}

// Row is a column-name-to-value map, the decoded form of user rows, oplog
// row snapshots, and wire records.
type Row map[string]any

// Adapter executes SQL against the embedded store. Implementations may run
// statements on worker goroutines, but results are observed by the caller.
type Adapter interface {
	// Run executes a single statement and returns the number of rows
	// affected.
	Run(ctx context.Context, stmt Statement) (int64, error)

	// RunInTransaction executes the statements inside one transaction and
	// returns the total number of rows affected.
	RunInTransaction(ctx context.Context, stmts ...Statement) (int64, error)

	// Query executes a statement and decodes every result row.
	Query(ctx context.Context, stmt Statement) ([]Row, error)

	// Transaction runs fn against an interactive transaction handle. The
	// transaction commits when fn returns nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying connection.
	Close() error
}

// Tx is the interactive handle passed to Adapter.Transaction callbacks.
type Tx interface {
	Run(stmt Statement) (int64, error)
	Query(stmt Statement) ([]Row, error)
}
