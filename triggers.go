package satellite

import (
	"fmt"
	"strings"
)

// Triggers installed per user table intercept INSERT/UPDATE/DELETE and append
// an oplog row capturing the operation, snapshots of the row, and the primary
// key. Timestamps are left NULL for the snapshotter to fill. A per-table flag
// row in the triggers table gates all of them, so the applier can replay
// remote writes without re-capturing them.

// generateTableTriggers returns the statements that (re)install the oplog
// triggers for rel, including the gating flag row.
func generateTableTriggers(cfg *Config, rel *Relation) []Statement {
	qualified := rel.QualifiedName()
	pkJSON := jsonObjectExpr(rel.PrimaryKeyCols(), "new")
	pkJSONOld := jsonObjectExpr(rel.PrimaryKeyCols(), "old")
	newJSON := jsonObjectExpr(rel.ColumnNames(), "new")
	oldJSON := jsonObjectExpr(rel.ColumnNames(), "old")

	stmts := []Statement{
		Stmt(fmt.Sprintf(
			"INSERT OR IGNORE INTO %s (tablename, flag) VALUES (?, 1)", cfg.TriggersTable),
			qualified),
	}

	for _, op := range []struct {
		name, event, pk, row string
		isDelete             bool
	}{
		{"insert", "INSERT", pkJSON, newJSON, false},
		{"update", "UPDATE", pkJSON, newJSON, false},
		{"delete", "DELETE", pkJSONOld, oldJSON, true},
	} {
		trigger := fmt.Sprintf("%s_%s_%s", op.name, rel.Schema, rel.Table)
		newExpr, oldExpr := op.row, "NULL"
		if op.isDelete {
			newExpr, oldExpr = "NULL", op.row
		} else if op.event == "UPDATE" {
			oldExpr = oldJSON
		}
		// Trigger targets must be bare table names; SQLite rejects
		// schema-qualified names inside trigger definitions.
		stmts = append(stmts,
			Stmt(fmt.Sprintf("DROP TRIGGER IF EXISTS %s", trigger)),
			Stmt(fmt.Sprintf(`CREATE TRIGGER %s
AFTER %s ON %q
WHEN 1 = (SELECT flag FROM %s WHERE tablename = '%s')
BEGIN
  INSERT INTO %s (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
  VALUES ('%s', '%s', '%s', %s, %s, %s, NULL, '[]');
END`,
				trigger, op.event, rel.Table,
				cfg.TriggersTable, qualified,
				cfg.OplogTable,
				rel.Schema, rel.Table, op.event, op.pk, newExpr, oldExpr)),
		)
	}
	return stmts
}

// generateCompensationTriggers returns triggers that record COMPENSATION
// oplog rows for the parent row whenever a child row references it. The
// parent snapshot keeps concurrent parent deletions observable.
func generateCompensationTriggers(cfg *Config, rel *Relation, fks []foreignKey, parents relationCache) ([]Statement, error) {
	var stmts []Statement
	for _, fk := range fks {
		parent, ok := parents[fk.ParentTable]
		if !ok {
			return nil, newSatelliteError(CodeInternal,
				fmt.Sprintf("foreign key on %s references unknown table %s", rel.Table, fk.ParentTable), nil)
		}
		parentPK := parent.PrimaryKeyCols()
		if len(parentPK) != 1 || parentPK[0] != fk.ParentKey {
			return nil, newSatelliteError(CodeInternal,
				fmt.Sprintf("compensations require the foreign key on %s.%s to target the single-column primary key of %s",
					rel.Table, fk.ChildKey, fk.ParentTable), nil)
		}
		parentRow := jsonObjectExprBare(parent.ColumnNames())
		parentPKJSON := jsonObjectExprBare(parentPK)

		for _, event := range []string{"INSERT", "UPDATE"} {
			trigger := fmt.Sprintf("compensation_%s_%s_%s_%s",
				strings.ToLower(event), rel.Schema, rel.Table, fk.ChildKey)
			stmts = append(stmts,
				Stmt(fmt.Sprintf("DROP TRIGGER IF EXISTS %s", trigger)),
				Stmt(fmt.Sprintf(`CREATE TRIGGER %s
AFTER %s ON %q
WHEN 1 = (SELECT flag FROM %s WHERE tablename = '%s')
BEGIN
  INSERT INTO %s (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
  SELECT '%s', '%s', 'COMPENSATION', %s, %s, NULL, NULL, '[]'
  FROM %q WHERE %q = new.%q;
END`,
					trigger, event, rel.Table,
					cfg.TriggersTable, parent.QualifiedName(),
					cfg.OplogTable,
					parent.Schema, parent.Table, parentPKJSON, parentRow,
					parent.Table, fk.ParentKey, fk.ChildKey)),
			)
		}
	}
	return stmts, nil
}

// setTriggerFlagStmt enables (1) or disables (0) write capture for the given
// fully-qualified table names.
func setTriggerFlagStmt(cfg *Config, qualifiedNames []string, flag int) Statement {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(qualifiedNames)), ", ")
	args := make([]any, 0, len(qualifiedNames)+1)
	args = append(args, flag)
	for _, n := range qualifiedNames {
		args = append(args, n)
	}
	return Stmt(fmt.Sprintf(
		"UPDATE %s SET flag = ? WHERE tablename IN (%s)", cfg.TriggersTable, placeholders),
		args...)
}

// jsonObjectExpr builds a json_object(...) expression over prefix.column
// references, e.g. json_object('id', new."id").
func jsonObjectExpr(cols []string, prefix string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %s.%q", c, prefix, c))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// jsonObjectExprBare is jsonObjectExpr over bare column references, for use
// in SELECT bodies.
func jsonObjectExprBare(cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %q", c, c))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}
