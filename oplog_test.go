package satellite

import (
	"testing"
	"time"
)

func TestPrimaryKeyJSON_DeclaredOrder(t *testing.T) {
	row := Row{"b": float64(2), "a": float64(1)}

	got, err := primaryKeyJSON(row, []string{"b", "a"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != `{"b":2,"a":1}` {
		t.Errorf("pk = %s, want declared order preserved", got)
	}

	if _, err := primaryKeyJSON(row, []string{"missing"}); err == nil {
		t.Error("missing pk column must error")
	}
}

func TestEntriesToTransactions_GroupsByTimestamp(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	entries := []OplogEntry{
		{RowID: 1, Namespace: "main", TableName: "parent", OpType: OpInsert,
			PrimaryKey: `{"id":1}`, NewRow: Row{"id": float64(1), "value": "a", "other": nil}, Timestamp: t1},
		{RowID: 2, Namespace: "main", TableName: "parent", OpType: OpUpdate,
			PrimaryKey: `{"id":1}`, NewRow: Row{"id": float64(1), "value": "b", "other": nil}, Timestamp: t1},
		{RowID: 3, Namespace: "main", TableName: "parent", OpType: OpDelete,
			PrimaryKey: `{"id":1}`, OldRow: Row{"id": float64(1), "value": "b", "other": nil}, Timestamp: t2},
	}

	txns, err := entriesToTransactions(entries, "C", mergeTestRelations)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}
	if len(txns[0].Changes) != 2 || len(txns[1].Changes) != 1 {
		t.Fatalf("change split = %d/%d, want 2/1", len(txns[0].Changes), len(txns[1].Changes))
	}
	if !txns[0].CommitTimestamp.Equal(t1) || !txns[1].CommitTimestamp.Equal(t2) {
		t.Error("commit timestamps must follow the snapshot timestamps")
	}

	// The transaction LSN tracks the last included rowid.
	if rowID, _ := rowIDFromLSN(txns[0].LSN); rowID != 2 {
		t.Errorf("first tx lsn = %d, want 2", rowID)
	}
	if rowID, _ := rowIDFromLSN(txns[1].LSN); rowID != 3 {
		t.Errorf("second tx lsn = %d, want 3", rowID)
	}

	ins := txns[0].Changes[0].(DataChange)
	if ins.Type != ChangeInsert || !ins.Tags.Equal(Tags{NewTag("C", t1)}) {
		t.Errorf("insert change = %+v", ins)
	}
	del := txns[1].Changes[0].(DataChange)
	if del.Type != ChangeDelete || len(del.Tags) != 0 || del.OldRecord == nil {
		t.Errorf("delete change = %+v", del)
	}
}

func TestFromTransaction_TagsLandInClearTags(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tag := NewTag("R", t1)
	tx := Transaction{
		Origin:          "R",
		CommitTimestamp: t1,
		Changes: []Change{
			DataChange{
				Relation: mergeTestRelations["parent"],
				Type:     ChangeInsert,
				Record:   Row{"id": float64(1), "value": "x", "other": nil},
				Tags:     Tags{tag},
			},
			SchemaChange{SQL: "CREATE TABLE t (id INTEGER PRIMARY KEY)", Table: "t", Version: "7"},
		},
	}

	entries, err := fromTransaction(&tx, "main")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (schema changes are not folded)", len(entries))
	}
	e := entries[0]
	if e.PrimaryKey != `{"id":1}` {
		t.Errorf("pk = %s", e.PrimaryKey)
	}
	if !e.ClearTags.Equal(Tags{tag}) {
		t.Errorf("clearTags = %v, want the change tags", e.ClearTags.Strings())
	}
	if !e.Timestamp.Equal(t1) {
		t.Errorf("timestamp = %v, want commit timestamp", e.Timestamp)
	}
}

func TestLSNRowIDRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 999, 1 << 40} {
		got, err := rowIDFromLSN(lsnFromRowID(v))
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d = %d", v, got)
		}
	}
	if _, err := rowIDFromLSN([]byte{1, 2}); err == nil {
		t.Error("short lsn must error")
	}
}

func TestTransactionMigrationVersion(t *testing.T) {
	tx := Transaction{Changes: []Change{
		DataChange{},
		SchemaChange{Version: "42"},
	}}
	if got := tx.MigrationVersion(); got != "42" {
		t.Errorf("version = %q, want 42", got)
	}
	if got := (&Transaction{}).MigrationVersion(); got != "" {
		t.Errorf("version = %q, want empty", got)
	}
}

func TestChunkChanges(t *testing.T) {
	chunks := chunkChanges([]Change{
		DataChange{}, DataChange{},
		SchemaChange{SQL: "x"},
		DataChange{},
	})
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0].dml) != 2 || len(chunks[1].ddl) != 1 || len(chunks[2].dml) != 1 {
		t.Errorf("chunk shape = %d/%d/%d", len(chunks[0].dml), len(chunks[1].ddl), len(chunks[2].dml))
	}
}
