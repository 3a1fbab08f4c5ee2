package satellite

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OpType is the operation kind recorded in the oplog.
type OpType string

const (
	OpInsert       OpType = "INSERT"
	OpUpdate       OpType = "UPDATE"
	OpDelete       OpType = "DELETE"
	OpCompensation OpType = "COMPENSATION"

	// Merged-entry outcomes. opUpsert writes a reconstructed row; opGone
	// deletes the row and its shadow entry.
	opUpsert OpType = "UPSERT"
	opGone   OpType = "GONE"
)

// OplogEntry is one captured local write, or the oplog-shaped view of one
// inbound change used by the merger.
type OplogEntry struct {
	RowID     int64
	Namespace string
	TableName string
	OpType    OpType
	// PrimaryKey is the canonical JSON encoding of the primary key columns
	// in declared order.
	PrimaryKey string
	NewRow     Row // nil for DELETE
	OldRow     Row // nil for INSERT
	// Timestamp is zero until a snapshot promotes the entry.
	Timestamp time.Time
	ClearTags Tags
}

// QualifiedTablename returns "namespace.tablename".
func (e *OplogEntry) QualifiedTablename() string {
	return e.Namespace + "." + e.TableName
}

// primaryKeyJSON canonically encodes the primary key columns of row in
// declared order. Objects are built by hand because map marshaling would
// reorder keys.
func primaryKeyJSON(row Row, pkCols []string) (string, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, col := range pkCols {
		v, ok := row[col]
		if !ok {
			return "", fmt.Errorf("row is missing primary key column %q", col)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(col)
		val, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode primary key column %q: %w", col, err)
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return b.String(), nil
}

// decodePrimaryKey parses the canonical JSON form back into a column map.
func decodePrimaryKey(pk string) (Row, error) {
	var row Row
	if err := json.Unmarshal([]byte(pk), &row); err != nil {
		return nil, fmt.Errorf("decode primary key %q: %w", pk, err)
	}
	return row, nil
}

// scanOplogEntry decodes one oplog table row.
func scanOplogEntry(r Row) (OplogEntry, error) {
	e := OplogEntry{
		RowID:      asInt64(r["rowid"]),
		Namespace:  asString(r["namespace"]),
		TableName:  asString(r["tablename"]),
		OpType:     OpType(asString(r["optype"])),
		PrimaryKey: asString(r["primaryKey"]),
	}
	if s := asString(r["newRow"]); s != "" {
		if err := json.Unmarshal([]byte(s), &e.NewRow); err != nil {
			return e, fmt.Errorf("oplog row %d newRow: %w", e.RowID, err)
		}
	}
	if s := asString(r["oldRow"]); s != "" {
		if err := json.Unmarshal([]byte(s), &e.OldRow); err != nil {
			return e, fmt.Errorf("oplog row %d oldRow: %w", e.RowID, err)
		}
	}
	if s := asString(r["timestamp"]); s != "" {
		ts, err := time.Parse(tagTimeLayout, s)
		if err != nil {
			return e, fmt.Errorf("oplog row %d timestamp: %w", e.RowID, err)
		}
		e.Timestamp = ts
	}
	tags, err := DecodeTags(asString(r["clearTags"]))
	if err != nil {
		return e, fmt.Errorf("oplog row %d: %w", e.RowID, err)
	}
	e.ClearTags = tags
	return e, nil
}

// ChangeType is the wire-level record type of a data change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is either a DataChange or a SchemaChange.
type Change interface {
	isChange()
}

// DataChange is a replicated row operation.
type DataChange struct {
	Relation  *Relation
	Type      ChangeType
	Record    Row // nil for DELETE
	OldRecord Row // nil for INSERT
	Tags      Tags
}

func (DataChange) isChange() {}

// SchemaChange is a replicated DDL statement.
type SchemaChange struct {
	SQL           string
	Table         string
	MigrationType string
	Version       string
}

func (SchemaChange) isChange() {}

// Transaction is one unit of the replication stream, in either direction.
type Transaction struct {
	Origin          string
	CommitTimestamp time.Time
	LSN             []byte
	Changes         []Change
}

// MigrationVersion returns the version of the first schema change that has a
// non-empty version, or "".
func (t *Transaction) MigrationVersion() string {
	for _, c := range t.Changes {
		if sc, ok := c.(SchemaChange); ok && sc.Version != "" {
			return sc.Version
		}
	}
	return ""
}

// entriesToTransactions groups promoted oplog entries by timestamp into
// outbound transactions. Entries arrive in rowid order; a timestamp change
// starts a new transaction.
func entriesToTransactions(entries []OplogEntry, origin string, relations relationCache) ([]Transaction, error) {
	var txns []Transaction
	var cur *Transaction
	for _, e := range entries {
		rel, ok := relations[e.TableName]
		if !ok {
			return nil, newSatelliteError(CodeInternal,
				fmt.Sprintf("oplog references unknown table %s", e.TableName), nil)
		}
		if cur == nil || !cur.CommitTimestamp.Equal(e.Timestamp) {
			txns = append(txns, Transaction{
				Origin:          origin,
				CommitTimestamp: e.Timestamp,
				LSN:             lsnFromRowID(uint64(e.RowID)),
			})
			cur = &txns[len(txns)-1]
		} else {
			cur.LSN = lsnFromRowID(uint64(e.RowID))
		}
		change := DataChange{Relation: rel}
		switch e.OpType {
		case OpDelete:
			change.Type = ChangeDelete
			change.OldRecord = e.OldRow
		case OpInsert:
			change.Type = ChangeInsert
			change.Record = e.NewRow
			change.Tags = Tags{NewTag(origin, e.Timestamp)}
		default:
			// UPDATE and COMPENSATION both ship as updates.
			change.Type = ChangeUpdate
			change.Record = e.NewRow
			change.OldRecord = e.OldRow
			change.Tags = Tags{NewTag(origin, e.Timestamp)}
		}
		cur.Changes = append(cur.Changes, change)
	}
	return txns, nil
}

// fromTransaction converts inbound data changes into the oplog-entry view the
// merger folds. The change's tags land in ClearTags, mirroring how the wire
// carries post-state tags.
func fromTransaction(tx *Transaction, namespace string) ([]OplogEntry, error) {
	var entries []OplogEntry
	for _, c := range tx.Changes {
		dc, ok := c.(DataChange)
		if !ok {
			continue
		}
		row := dc.Record
		if dc.Type == ChangeDelete {
			row = dc.OldRecord
		}
		pk, err := primaryKeyJSON(row, dc.Relation.PrimaryKeyCols())
		if err != nil {
			return nil, err
		}
		entries = append(entries, OplogEntry{
			RowID:      -1,
			Namespace:  namespace,
			TableName:  dc.Relation.Table,
			OpType:     OpType(dc.Type),
			PrimaryKey: pk,
			NewRow:     dc.Record,
			OldRow:     dc.OldRecord,
			Timestamp:  tx.CommitTimestamp,
			ClearTags:  dc.Tags,
		})
	}
	return entries, nil
}

// lsnFromRowID encodes an oplog rowid as an opaque outbound LSN.
func lsnFromRowID(rowID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rowID)
	return buf
}

// rowIDFromLSN decodes an outbound LSN back to a rowid.
func rowIDFromLSN(lsn []byte) (uint64, error) {
	if len(lsn) != 8 {
		return 0, fmt.Errorf("malformed outbound lsn of %d bytes", len(lsn))
	}
	return binary.BigEndian.Uint64(lsn), nil
}
