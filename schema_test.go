package satellite

import (
	"context"
	"testing"
)

func newTestMigrator(t *testing.T) (*Migrator, *SQLiteAdapter) {
	t.Helper()
	adapter, err := NewSQLiteAdapter(SQLiteAdapterConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return NewMigrator(adapter, defaultConfigPtr()), adapter
}

func TestMigrator_UpCreatesInternalTables(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestMigrator(t)

	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := verifyInternalTables(ctx, adapter, defaultConfigPtr()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Meta rows are seeded.
	meta := newMetaStore(adapter, "_electric_meta")
	if v, err := meta.getUint64(ctx, metaLastAckdRowID); err != nil || v != 0 {
		t.Errorf("lastAckdRowId = %d (%v)", v, err)
	}

	// Up is idempotent.
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second up: %v", err)
	}
}

func TestMigrator_ApplyIfNotAlready(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestMigrator(t)
	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}

	stmts := []string{"CREATE TABLE widgets (id INTEGER PRIMARY KEY)"}
	if err := m.ApplyIfNotAlready(ctx, "widgets-1", stmts); err != nil {
		t.Fatalf("apply: %v", err)
	}
	applied, err := m.Applied(ctx, "widgets-1")
	if err != nil || !applied {
		t.Fatalf("applied = %v (%v)", applied, err)
	}
	// Re-applying must not fail on the existing table.
	if err := m.ApplyIfNotAlready(ctx, "widgets-1", stmts); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if _, err := adapter.Run(ctx, Stmt("INSERT INTO widgets (id) VALUES (1)")); err != nil {
		t.Fatalf("use migrated table: %v", err)
	}
}

func TestVerifyInternalTables_FailsFast(t *testing.T) {
	ctx := context.Background()
	adapter, err := NewSQLiteAdapter(SQLiteAdapterConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}
	defer adapter.Close()

	if err := verifyInternalTables(ctx, adapter, defaultConfigPtr()); err == nil {
		t.Fatal("verification must fail on an unmigrated database")
	}
}
