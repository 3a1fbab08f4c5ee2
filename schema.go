package satellite

import (
	"context"
	"fmt"
	"time"
)

// Migration is a named set of DDL statements applied at most once.
type Migration struct {
	Version    string
	Statements []string
}

// builtinMigrations creates the internal tables. The oplog/shadow/meta
// triple is the replication substrate; triggers and migrations gate write
// capture and DDL idempotency.
func builtinMigrations(cfg *Config) []Migration {
	return []Migration{
		{
			Version: "0001_internal_tables",
			Statements: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value TEXT
)`, cfg.MetaTable),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	tablename TEXT NOT NULL,
	optype TEXT NOT NULL,
	primaryKey TEXT NOT NULL,
	newRow TEXT,
	oldRow TEXT,
	timestamp TEXT,
	clearTags TEXT NOT NULL DEFAULT '[]'
)`, cfg.OplogTable),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	namespace TEXT NOT NULL,
	tablename TEXT NOT NULL,
	primaryKey TEXT NOT NULL,
	tags TEXT NOT NULL,
	PRIMARY KEY (namespace, tablename, primaryKey)
)`, cfg.ShadowTable),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	version TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
)`, cfg.MigrationsTable),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	tablename TEXT PRIMARY KEY,
	flag INTEGER NOT NULL DEFAULT 1
)`, cfg.TriggersTable),
			},
		},
		{
			Version: "0002_meta_seed",
			Statements: []string{
				fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES
	('%s', '0'),
	('%s', '0'),
	('%s', ''),
	('%s', ''),
	('%s', '')`, cfg.MetaTable,
					metaLastAckdRowID, metaLastSentRowID, metaLSN,
					metaClientID, metaSubscriptions),
			},
		},
	}
}

// Migrator applies versioned DDL exactly once, recording applied versions in
// the migrations table.
type Migrator struct {
	adapter    Adapter
	table      string
	migrations []Migration
}

// NewMigrator builds a migrator over the given adapter.
func NewMigrator(adapter Adapter, cfg *Config) *Migrator {
	return &Migrator{
		adapter:    adapter,
		table:      cfg.MigrationsTable,
		migrations: builtinMigrations(cfg),
	}
}

// Up applies every pending builtin migration in order.
func (m *Migrator) Up(ctx context.Context) error {
	// The migrations table itself must exist before we can consult it.
	if _, err := m.adapter.Run(ctx, Stmt(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`,
		m.table))); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	for _, mig := range m.migrations {
		if err := m.ApplyIfNotAlready(ctx, mig.Version, mig.Statements); err != nil {
			return fmt.Errorf("migration %s: %w", mig.Version, err)
		}
	}
	return nil
}

// Applied reports whether version has been applied.
func (m *Migrator) Applied(ctx context.Context, version string) (bool, error) {
	rows, err := m.adapter.Query(ctx, Stmt(fmt.Sprintf(
		"SELECT version FROM %s WHERE version = ?", m.table), version))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ApplyIfNotAlready runs the statements and records the version, atomically,
// unless the version was already recorded.
func (m *Migrator) ApplyIfNotAlready(ctx context.Context, version string, statements []string) error {
	applied, err := m.Applied(ctx, version)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	stmts := make([]Statement, 0, len(statements)+1)
	for _, s := range statements {
		stmts = append(stmts, Stmt(s))
	}
	stmts = append(stmts, Stmt(fmt.Sprintf(
		"INSERT INTO %s (version, applied_at) VALUES (?, ?)", m.table),
		version, time.Now().UTC().Format(time.RFC3339)))
	if _, err := m.adapter.RunInTransaction(ctx, stmts...); err != nil {
		return err
	}
	return nil
}

// ApplyIfNotAlreadyTx is ApplyIfNotAlready inside an existing interactive
// transaction. The inbound applier does not call it; it runs the same version
// check and insert inline.
func (m *Migrator) ApplyIfNotAlreadyTx(tx Tx, version string, stmts []Statement) (bool, error) {
	rows, err := tx.Query(Stmt(fmt.Sprintf(
		"SELECT version FROM %s WHERE version = ?", m.table), version))
	if err != nil {
		return false, err
	}
	if len(rows) > 0 {
		return false, nil
	}
	for _, s := range stmts {
		if _, err := tx.Run(s); err != nil {
			return false, err
		}
	}
	if _, err := tx.Run(Stmt(fmt.Sprintf(
		"INSERT INTO %s (version, applied_at) VALUES (?, ?)", m.table),
		version, time.Now().UTC().Format(time.RFC3339))); err != nil {
		return false, err
	}
	return true, nil
}

// verifyInternalTables fails fast when the replication substrate is missing.
func verifyInternalTables(ctx context.Context, adapter Adapter, cfg *Config) error {
	for _, table := range []string{cfg.MetaTable, cfg.OplogTable, cfg.ShadowTable} {
		rows, err := adapter.Query(ctx, Stmt(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table))
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return newSatelliteError(CodeInternal,
				fmt.Sprintf("required table %s is missing", table), nil)
		}
	}
	return nil
}
