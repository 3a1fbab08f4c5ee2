package satellite

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RelationColumn describes one column of a replicated table.
type RelationColumn struct {
	Name       string
	Type       string
	IsNullable bool
	// PrimaryKey is the 1-based position of the column in the primary key,
	// or 0 when the column is not part of it.
	PrimaryKey int
}

// Relation describes a replicated table. Relations arrive on the wire and are
// also rebuilt locally from pragma_table_info.
type Relation struct {
	ID        int32
	Schema    string
	Table     string
	TableType string
	Columns   []RelationColumn
}

// PrimaryKeyCols returns the primary key column names in declared order.
func (r *Relation) PrimaryKeyCols() []string {
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for _, c := range r.Columns {
		if c.PrimaryKey > 0 {
			pks = append(pks, pkCol{c.Name, c.PrimaryKey})
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	out := make([]string, len(pks))
	for i, c := range pks {
		out[i] = c.name
	}
	return out
}

// NonPKCols returns the names of columns outside the primary key.
func (r *Relation) NonPKCols() []string {
	var out []string
	for _, c := range r.Columns {
		if c.PrimaryKey == 0 {
			out = append(out, c.Name)
		}
	}
	return out
}

// ColumnNames returns every column name in declared order.
func (r *Relation) ColumnNames() []string {
	out := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = c.Name
	}
	return out
}

// QualifiedName returns the fully-qualified "schema.table" form used in
// statements and trigger flags.
func (r *Relation) QualifiedName() string {
	return r.Schema + "." + r.Table
}

// relationCache maps table name to relation, keyed both by bare table name
// (wire lookups) and rebuilt from the local schema on startup.
type relationCache map[string]*Relation

// querier is the read surface shared by Adapter (via adapterQuerier) and Tx,
// so schema introspection works both standalone and mid-transaction.
type querier interface {
	Query(stmt Statement) ([]Row, error)
}

type adapterQuerier struct {
	ctx     context.Context
	adapter Adapter
}

func (q adapterQuerier) Query(stmt Statement) ([]Row, error) {
	return q.adapter.Query(q.ctx, stmt)
}

// loadRelations rebuilds the cache from sqlite_master and pragma_table_info,
// skipping SQLite internals and the satellite tables themselves.
func loadRelations(ctx context.Context, adapter Adapter, cfg *Config) (relationCache, error) {
	tables, err := adapter.Query(ctx, Stmt(
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE '_electric_%'
		   AND name NOT IN (?, ?, ?, ?, ?)
		 ORDER BY name`,
		cfg.MetaTable, cfg.OplogTable, cfg.ShadowTable, cfg.MigrationsTable, cfg.TriggersTable))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	cache := make(relationCache, len(tables))
	id := int32(0)
	for _, t := range tables {
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		rel, err := loadRelation(adapterQuerier{ctx, adapter}, cfg.Namespace, name, id)
		if err != nil {
			return nil, err
		}
		cache[name] = rel
		id++
	}
	return cache, nil
}

// loadRelation introspects a single table.
func loadRelation(q querier, namespace, table string, id int32) (*Relation, error) {
	cols, err := q.Query(Stmt(
		"SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", table))
	if err != nil {
		return nil, fmt.Errorf("table info for %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}
	rel := &Relation{
		ID:        id,
		Schema:    namespace,
		Table:     table,
		TableType: "TABLE",
		Columns:   make([]RelationColumn, 0, len(cols)),
	}
	for _, c := range cols {
		rel.Columns = append(rel.Columns, RelationColumn{
			Name:       asString(c["name"]),
			Type:       strings.ToUpper(asString(c["type"])),
			IsNullable: asInt64(c["notnull"]) == 0,
			PrimaryKey: int(asInt64(c["pk"])),
		})
	}
	return rel, nil
}

// foreignKey is one row of pragma foreign_key_list.
type foreignKey struct {
	ChildKey    string // column in the child table
	ParentTable string
	ParentKey   string // referenced column in the parent table
}

// loadForeignKeys reads the single-column foreign keys of a table. A compound
// foreign key cannot be compensated and is a hard error.
func loadForeignKeys(q querier, table string) ([]foreignKey, error) {
	rows, err := q.Query(Stmt(
		"SELECT id, seq, \"table\", \"from\", \"to\" FROM pragma_foreign_key_list(?)", table))
	if err != nil {
		return nil, fmt.Errorf("foreign keys for %s: %w", table, err)
	}
	byID := map[int64]int{}
	for _, r := range rows {
		byID[asInt64(r["id"])]++
	}
	var fks []foreignKey
	for _, r := range rows {
		if byID[asInt64(r["id"])] > 1 {
			return nil, newSatelliteError(CodeInternal,
				fmt.Sprintf("table %s has a compound foreign key; compensations are unsupported", table), nil)
		}
		fks = append(fks, foreignKey{
			ChildKey:    asString(r["from"]),
			ParentTable: asString(r["table"]),
			ParentKey:   asString(r["to"]),
		})
	}
	return fks, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		var n int64
		fmt.Sscan(x, &n)
		return n
	default:
		return 0
	}
}
