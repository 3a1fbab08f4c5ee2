package satellite

import (
	"context"
	"fmt"
	"strings"
)

// The applier resolves an inbound transaction against pending local writes
// and commits the result (user rows, shadow rows, schema changes, and the
// LSN watermark) as one database transaction. Write-capture triggers are
// flipped off for every touched table so remote writes never re-enter the
// oplog.

// changeChunk is a maximal run of same-kind changes, processed in order.
type changeChunk struct {
	dml []DataChange
	ddl []SchemaChange
}

func chunkChanges(changes []Change) []changeChunk {
	var chunks []changeChunk
	for _, c := range changes {
		switch ch := c.(type) {
		case DataChange:
			if len(chunks) == 0 || len(chunks[len(chunks)-1].dml) == 0 {
				chunks = append(chunks, changeChunk{})
			}
			last := &chunks[len(chunks)-1]
			last.dml = append(last.dml, ch)
		case SchemaChange:
			if len(chunks) == 0 || len(chunks[len(chunks)-1].ddl) == 0 {
				chunks = append(chunks, changeChunk{})
			}
			last := &chunks[len(chunks)-1]
			last.ddl = append(last.ddl, ch)
		}
	}
	return chunks
}

// applyTransaction merges one inbound transaction into the local database.
// The client delivers transactions in commit order; this method runs
// sequentially on the delivery goroutine.
func (s *Satellite) applyTransaction(ctx context.Context, tx *Transaction) error {
	chunks := chunkChanges(tx.Changes)
	hasDML := false
	for _, ch := range chunks {
		if len(ch.dml) > 0 {
			hasDML = true
			break
		}
	}

	// Pending local writes must be fully timestamped before the merge is
	// well-defined.
	var local []OplogEntry
	if hasDML {
		if err := s.mutexSnapshot(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		lastAckd := s.lastAckdRowID
		s.mu.Unlock()
		var err error
		local, err = s.getEntries(ctx, lastAckd)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	clientID := s.authState.ClientID
	relations := s.relations
	s.mu.Unlock()

	touched := map[string]bool{}
	var affectedRelations []*Relation

	err := s.adapter.Transaction(ctx, func(dbtx Tx) error {
		if _, err := dbtx.Run(Stmt("PRAGMA defer_foreign_keys = ON")); err != nil {
			return err
		}

		// A migration version makes the whole statement set idempotent.
		version := tx.MigrationVersion()
		alreadyApplied := false
		if version != "" {
			rows, err := dbtx.Query(Stmt(fmt.Sprintf(
				"SELECT version FROM %s WHERE version = ?", s.config.MigrationsTable), version))
			if err != nil {
				return err
			}
			alreadyApplied = len(rows) > 0
		}

		// Disable capture for every table the DML chunks touch. Tables
		// created by DDL in this transaction are handled as they appear.
		for _, ch := range chunks {
			for _, dc := range ch.dml {
				touched[s.config.Namespace+"."+dc.Relation.Table] = true
			}
		}
		if len(touched) > 0 {
			if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, qualifiedNames(touched), 0)); err != nil {
				return err
			}
		}

		if !alreadyApplied {
			for _, ch := range chunks {
				if len(ch.dml) > 0 {
					if err := s.applyDMLChunk(dbtx, ch.dml, clientID, local, tx, relations); err != nil {
						return err
					}
					continue
				}
				for _, sc := range ch.ddl {
					rels, err := s.applyDDL(dbtx, sc, touched)
					if err != nil {
						return err
					}
					affectedRelations = append(affectedRelations, rels...)
				}
			}
			if version != "" {
				if _, err := dbtx.Run(Stmt(fmt.Sprintf(
					"INSERT INTO %s (version, applied_at) VALUES (?, datetime('now'))",
					s.config.MigrationsTable), version)); err != nil {
					return err
				}
			}
		}

		if _, err := dbtx.Run(s.meta.setBytesStmt(metaLSN, tx.LSN)); err != nil {
			return err
		}
		if len(touched) > 0 {
			if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, qualifiedNames(touched), 1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply transaction at lsn %x: %w", tx.LSN, err)
	}

	s.mu.Lock()
	s.lsn = append([]byte(nil), tx.LSN...)
	for _, rel := range affectedRelations {
		s.relations[rel.Table] = rel
	}
	s.mu.Unlock()
	s.stats.transactionsApplied.Add(1)

	if tx.Origin == clientID {
		// Round-trip acknowledgement of our own writes.
		if err := s.garbageCollectOplog(ctx, tx); err != nil {
			return err
		}
	}
	s.notifier.Publish(ActualDataChanged{Change: ChangeNotification{
		Origin: tx.Origin,
		Tables: qualifiedNames(touched),
	}})
	return nil
}

// applyDMLChunk merges the chunk against pending local entries and writes
// the resolved rows and shadow state.
func (s *Satellite) applyDMLChunk(dbtx Tx, dml []DataChange, clientID string, local []OplogEntry, tx *Transaction, relations relationCache) error {
	sub := &Transaction{
		Origin:          tx.Origin,
		CommitTimestamp: tx.CommitTimestamp,
		LSN:             tx.LSN,
	}
	for _, dc := range dml {
		s.mu.Lock()
		if _, ok := relations[dc.Relation.Table]; !ok {
			// First contact with a table announced only on the wire.
			relations[dc.Relation.Table] = dc.Relation
		}
		s.mu.Unlock()
		sub.Changes = append(sub.Changes, dc)
	}
	incoming, err := fromTransaction(sub, s.config.Namespace)
	if err != nil {
		return err
	}
	merged, err := mergeEntries(clientID, local, tx.Origin, incoming, relations)
	if err != nil {
		return err
	}
	for _, byPK := range merged {
		for _, entry := range byPK {
			if err := s.applyMergedEntry(dbtx, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyMergedEntry emits the SQL for one resolved merge outcome.
func (s *Satellite) applyMergedEntry(dbtx Tx, e *ShadowEntryChanges) error {
	pkRow, err := decodePrimaryKey(e.PrimaryKey)
	if err != nil {
		return err
	}
	rel := e.Relation
	pkCols := rel.PrimaryKeyCols()

	if e.OpType == opGone {
		where, args := pkPredicate(pkCols, pkRow)
		if _, err := dbtx.Run(Stmt(fmt.Sprintf(
			"DELETE FROM %q.%q WHERE %s", e.Namespace, e.TableName, where), args...)); err != nil {
			return err
		}
		_, err := dbtx.Run(Stmt(fmt.Sprintf(
			"DELETE FROM %s WHERE namespace = ? AND tablename = ? AND primaryKey = ?",
			s.config.ShadowTable), e.Namespace, e.TableName, e.PrimaryKey))
		return err
	}

	cols := rel.ColumnNames()
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if v, ok := e.FullRow[c]; ok {
			args = append(args, v)
		} else if v, ok := pkRow[c]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	var sets []string
	for _, c := range rel.NonPKCols() {
		sets = append(sets, fmt.Sprintf("%q = excluded.%q", c, c))
	}
	sql := fmt.Sprintf("INSERT INTO %q.%q (%s) VALUES (%s)",
		e.Namespace, e.TableName, quoteJoin(cols), placeholders(len(cols)))
	if len(sets) > 0 {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteJoin(pkCols), strings.Join(sets, ", "))
	} else {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quoteJoin(pkCols))
	}
	if _, err := dbtx.Run(Stmt(sql, args...)); err != nil {
		return err
	}
	_, err = dbtx.Run(upsertShadowStmt(s.config.ShadowTable, e.Namespace, e.TableName, e.PrimaryKey, EncodeTags(e.Tags)))
	return err
}

// applyDDL executes a schema change and regenerates the affected table's
// triggers. Newly created tables stay capture-disabled for the remainder of
// the transaction.
func (s *Satellite) applyDDL(dbtx Tx, sc SchemaChange, touched map[string]bool) ([]*Relation, error) {
	if _, err := dbtx.Run(Stmt(sc.SQL)); err != nil {
		return nil, fmt.Errorf("schema change %q: %w", sc.SQL, err)
	}
	if sc.Table == "" {
		return nil, nil
	}

	rel, err := loadRelation(dbtx, s.config.Namespace, sc.Table, 0)
	if err != nil {
		return nil, err
	}
	for _, stmt := range generateTableTriggers(&s.config, rel) {
		if _, err := dbtx.Run(stmt); err != nil {
			return nil, err
		}
	}
	fks, err := loadForeignKeys(dbtx, sc.Table)
	if err != nil {
		return nil, err
	}
	if len(fks) > 0 {
		// Parent relations must already exist for compensations.
		parents := relationCache{}
		for _, fk := range fks {
			parent, err := loadRelation(dbtx, s.config.Namespace, fk.ParentTable, 0)
			if err != nil {
				return nil, err
			}
			parents[fk.ParentTable] = parent
		}
		stmts, err := generateCompensationTriggers(&s.config, rel, fks, parents)
		if err != nil {
			return nil, err
		}
		for _, stmt := range stmts {
			if _, err := dbtx.Run(stmt); err != nil {
				return nil, err
			}
		}
	}

	qualified := rel.QualifiedName()
	touched[qualified] = true
	if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, []string{qualified}, 0)); err != nil {
		return nil, err
	}
	return []*Relation{rel}, nil
}

// garbageCollectOplog drops every local oplog row whose snapshot timestamp
// matches the round-tripped commit timestamp.
func (s *Satellite) garbageCollectOplog(ctx context.Context, tx *Transaction) error {
	_, err := s.adapter.Run(ctx, Stmt(fmt.Sprintf(
		"DELETE FROM %s WHERE timestamp = ?", s.config.OplogTable),
		tx.CommitTimestamp.UTC().Format(tagTimeLayout)))
	return err
}

func pkPredicate(pkCols []string, pkRow Row) (string, []any) {
	var parts []string
	var args []any
	for _, c := range pkCols {
		parts = append(parts, fmt.Sprintf("%q = ?", c))
		args = append(args, pkRow[c])
	}
	return strings.Join(parts, " AND "), args
}

func quoteJoin(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(parts, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func qualifiedNames(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
