package satellite

import (
	"context"
	"fmt"
	"time"
)

// The snapshotter promotes un-timestamped oplog rows into a committed local
// snapshot: it assigns the snapshot timestamp, rewrites clear tags from the
// pre-snapshot shadow state, reconciles the shadow store, and emits the
// promoted rows upstream.
//
// performSnapshot is serialized by snapshotMu and never overlaps itself.
// Asynchronous triggers (polling timer, potential-change hints) post to a
// coalescing wake channel drained by one goroutine that paces snapshots to
// MinSnapshotWindow; the applier takes the mutex directly instead, which is
// safe against the pacing loop.

// requestSnapshot schedules a snapshot. Requests inside the pacing window
// coalesce; the trailing request is honored after the window elapses.
func (s *Satellite) requestSnapshot() {
	select {
	case s.snapshotWake <- struct{}{}:
	default:
	}
}

// snapshotLoop drains wake-ups with MinSnapshotWindow pacing.
func (s *Satellite) snapshotLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.snapshotWake:
		}
		if err := s.mutexSnapshot(context.Background()); err != nil {
			s.log.Warn("snapshot failed", "error", err)
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.config.MinSnapshotWindow):
		}
	}
}

// mutexSnapshot serializes performSnapshot.
func (s *Satellite) mutexSnapshot(ctx context.Context) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return s.performSnapshot(ctx)
}

// performSnapshot runs the four-step snapshot transaction and ships the
// promoted rows. Callers must hold snapshotMu.
func (s *Satellite) performSnapshot(ctx context.Context) error {
	s.mu.Lock()
	clientID := s.authState.ClientID
	lastAckd := s.lastAckdRowID
	s.mu.Unlock()
	if clientID == "" {
		return newSatelliteError(CodeInternal, "snapshot before client identity is resolved", nil)
	}

	// Snapshot timestamps are strictly monotonic per client so every
	// snapshot produces a distinct tag.
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.mu.Lock()
	if !now.After(s.lastSnapshotAt) {
		now = s.lastSnapshotAt.Add(time.Millisecond)
	}
	s.lastSnapshotAt = now
	s.mu.Unlock()

	newTag := NewTag(clientID, now)
	var promoted []OplogEntry

	err := s.adapter.Transaction(ctx, func(tx Tx) error {
		// Step 1: assign the timestamp, returning the promoted rows.
		rows, err := tx.Query(Stmt(fmt.Sprintf(
			`UPDATE %s SET timestamp = ?
			 WHERE timestamp IS NULL AND rowid > ?
			 RETURNING rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags`,
			s.config.OplogTable), now.Format(tagTimeLayout), int64(lastAckd)))
		if err != nil {
			return err
		}
		promoted = promoted[:0]
		for _, r := range rows {
			e, err := scanOplogEntry(r)
			if err != nil {
				return err
			}
			promoted = append(promoted, e)
		}
		if len(promoted) == 0 {
			return nil
		}

		// Pre-snapshot shadow tags per touched key.
		type keyInfo struct {
			shadow Tags
			last   *OplogEntry
		}
		keys := make(map[[3]string]*keyInfo)
		for i := range promoted {
			e := &promoted[i]
			k := [3]string{e.Namespace, e.TableName, e.PrimaryKey}
			info := keys[k]
			if info == nil {
				shadowRows, err := tx.Query(Stmt(fmt.Sprintf(
					"SELECT tags FROM %s WHERE namespace = ? AND tablename = ? AND primaryKey = ?",
					s.config.ShadowTable), e.Namespace, e.TableName, e.PrimaryKey))
				if err != nil {
					return err
				}
				info = &keyInfo{}
				if len(shadowRows) > 0 {
					info.shadow, err = DecodeTags(asString(shadowRows[0]["tags"]))
					if err != nil {
						return err
					}
				}
				keys[k] = info
			}
			info.last = e
		}

		// Step 2: every promoted row observes the pre-snapshot shadow
		// plus the snapshot's own tag.
		for i := range promoted {
			e := &promoted[i]
			k := [3]string{e.Namespace, e.TableName, e.PrimaryKey}
			e.ClearTags = Tags{newTag}.Union(keys[k].shadow)
			if _, err := tx.Run(Stmt(fmt.Sprintf(
				"UPDATE %s SET clearTags = ? WHERE rowid = ?", s.config.OplogTable),
				EncodeTags(e.ClearTags), e.RowID)); err != nil {
				return err
			}
		}

		// Steps 3 and 4: the key's last promoted operation decides the
		// shadow row.
		for k, info := range keys {
			if info.last.OpType == OpDelete {
				if _, err := tx.Run(Stmt(fmt.Sprintf(
					"DELETE FROM %s WHERE namespace = ? AND tablename = ? AND primaryKey = ?",
					s.config.ShadowTable), k[0], k[1], k[2])); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.Run(upsertShadowStmt(s.config.ShadowTable, k[0], k[1], k[2],
				EncodeTags(Tags{newTag}))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if len(promoted) > 0 {
		s.stats.snapshotsTaken.Add(1)
		s.notifyActualChanges(clientID, promoted)
	}
	// Emission covers every unsent row, not just this round's: rows
	// promoted while disconnected flush on the next snapshot after
	// replication resumes.
	return s.emitOutbound(ctx)
}

// emitOutbound ships timestamped oplog rows past lastSentRowId upstream,
// one transaction per snapshot timestamp.
func (s *Satellite) emitOutbound(ctx context.Context) error {
	s.mu.Lock()
	lastSent := s.lastSentRowID
	relations := s.relations
	clientID := s.authState.ClientID
	s.mu.Unlock()

	pending, err := s.getEntries(ctx, lastSent)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	maxRowID := lastSent
	for _, e := range pending {
		if uint64(e.RowID) > maxRowID {
			maxRowID = uint64(e.RowID)
		}
	}
	if s.client.IsClosed() {
		s.log.Debug("skipping outbound emit while disconnected", "rows", len(pending))
		return nil
	}

	txns, err := entriesToTransactions(pending, clientID, relations)
	if err != nil {
		return err
	}
	for i := range txns {
		if err := s.client.EnqueueTransaction(txns[i]); err != nil {
			if errIsCode(err, CodeReplicationNotStarted) {
				s.log.Debug("skipping outbound emit before replication start")
				return nil
			}
			return err
		}
		s.stats.transactionsSent.Add(1)
	}
	return s.setLastSentRowID(ctx, maxRowID)
}

// getEntries reads timestamped oplog rows past the given rowid, in rowid
// order. These are the pending local writes the merger folds.
func (s *Satellite) getEntries(ctx context.Context, since uint64) ([]OplogEntry, error) {
	rows, err := s.adapter.Query(ctx, Stmt(fmt.Sprintf(
		`SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
		 FROM %s WHERE rowid > ? AND timestamp IS NOT NULL ORDER BY rowid ASC`,
		s.config.OplogTable), int64(since)))
	if err != nil {
		return nil, err
	}
	entries := make([]OplogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := scanOplogEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func upsertShadowStmt(table, namespace, tablename, primaryKey, tags string) Statement {
	return Stmt(fmt.Sprintf(
		`INSERT INTO %s (namespace, tablename, primaryKey, tags) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, tablename, primaryKey) DO UPDATE SET tags = excluded.tags`,
		table), namespace, tablename, primaryKey, tags)
}

// notifyActualChanges publishes the committed change set.
func (s *Satellite) notifyActualChanges(origin string, entries []OplogEntry) {
	seen := map[string]bool{}
	var tables []string
	for i := range entries {
		q := entries[i].QualifiedTablename()
		if !seen[q] {
			seen[q] = true
			tables = append(tables, q)
		}
	}
	if len(tables) == 0 {
		return
	}
	s.notifier.Publish(ActualDataChanged{Change: ChangeNotification{Origin: origin, Tables: tables}})
}
