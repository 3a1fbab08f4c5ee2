package satellite

import (
	"time"
)

// The merger resolves pending local oplog entries against an inbound
// transaction. Both sides fold per (namespace, tablename, primaryKey) into a
// single change, then resolve: the surviving tag set decides between upsert
// and delete, and columns are reconstructed last-writer-wins per column.

// columnValue is one column write with its provenance.
type columnValue struct {
	Value     any
	Timestamp time.Time
	Origin    string
}

// localChanges is the fold of pending local operations on one row.
type localChanges struct {
	changes map[string]columnValue
	// tag is the tag of the last local operation, nil when that operation
	// is a delete: a delete observes away its own tag.
	tag       *Tag
	clearTags Tags
}

// remoteChanges is the fold of inbound operations on one row.
type remoteChanges struct {
	changes map[string]columnValue
	fullRow Row
	// tags is the post-state tag set of the last inbound operation.
	tags Tags
}

// ShadowEntryChanges is one resolved merge outcome, ready to be written to
// the user table and the shadow store.
type ShadowEntryChanges struct {
	Namespace  string
	TableName  string
	PrimaryKey string
	Relation   *Relation
	// OpType is opUpsert or opGone.
	OpType  OpType
	FullRow Row
	Tags    Tags
}

// pendingChanges maps qualified table name → primary key → resolved change.
type pendingChanges map[string]map[string]*ShadowEntryChanges

// mergeEntries resolves the inbound entries against pending local entries.
// Only inbound keys appear in the result; purely local rows stay pending in
// the oplog and are untouched.
func mergeEntries(localOrigin string, local []OplogEntry, incomingOrigin string, incoming []OplogEntry, relations relationCache) (pendingChanges, error) {
	localFolds := localOperationsToTableChanges(local, localOrigin)
	out := make(pendingChanges)

	remoteFolds := remoteOperationsToTableChanges(incoming, incomingOrigin)
	for table, byPK := range remoteFolds {
		for pk, remote := range byPK {
			rel := relations[tableOfQualified(table)]
			if rel == nil {
				return nil, newSatelliteError(CodeInternal,
					"inbound change references unknown table "+table, nil)
			}
			resolved := &ShadowEntryChanges{
				Namespace:  namespaceOfQualified(table),
				TableName:  tableOfQualified(table),
				PrimaryKey: pk,
				Relation:   rel,
				FullRow:    cloneRow(remote.fullRow),
				Tags:       remote.tags,
			}
			if localByPK, ok := localFolds[table]; ok {
				if lc, ok := localByPK[pk]; ok {
					resolved.FullRow = mergeChangesLastWriteWins(lc.changes, remote.changes, resolved.FullRow)
					resolved.Tags = calculateTags(lc.tag, remote.tags, lc.clearTags)
				}
			}
			if len(resolved.Tags) == 0 {
				resolved.OpType = opGone
			} else {
				resolved.OpType = opUpsert
			}
			if out[table] == nil {
				out[table] = make(map[string]*ShadowEntryChanges)
			}
			out[table][pk] = resolved
		}
	}
	return out, nil
}

// localOperationsToTableChanges folds pending local entries per row. Column
// writes accumulate across the run; a delete contributes no columns but
// nulls the fold's live tag.
func localOperationsToTableChanges(entries []OplogEntry, origin string) map[string]map[string]*localChanges {
	out := make(map[string]map[string]*localChanges)
	for _, e := range entries {
		table := e.QualifiedTablename()
		if out[table] == nil {
			out[table] = make(map[string]*localChanges)
		}
		lc := out[table][e.PrimaryKey]
		if lc == nil {
			lc = &localChanges{changes: make(map[string]columnValue)}
			out[table][e.PrimaryKey] = lc
		}
		for col, v := range e.NewRow {
			lc.changes[col] = columnValue{Value: v, Timestamp: e.Timestamp, Origin: origin}
		}
		if e.OpType == OpDelete {
			lc.tag = nil
		} else {
			t := NewTag(origin, e.Timestamp)
			lc.tag = &t
		}
		lc.clearTags = lc.clearTags.Union(e.ClearTags)
	}
	return out
}

// remoteOperationsToTableChanges folds inbound entries per row. Later
// operations overwrite earlier column writes; the last operation's post-state
// tags win.
func remoteOperationsToTableChanges(entries []OplogEntry, origin string) map[string]map[string]*remoteChanges {
	out := make(map[string]map[string]*remoteChanges)
	for _, e := range entries {
		table := e.QualifiedTablename()
		if out[table] == nil {
			out[table] = make(map[string]*remoteChanges)
		}
		rc := out[table][e.PrimaryKey]
		if rc == nil {
			rc = &remoteChanges{changes: make(map[string]columnValue)}
			out[table][e.PrimaryKey] = rc
		}
		switch e.OpType {
		case OpDelete:
			rc.fullRow = cloneRow(e.OldRow)
		default:
			for col, v := range e.NewRow {
				rc.changes[col] = columnValue{Value: v, Timestamp: e.Timestamp, Origin: origin}
			}
			rc.fullRow = cloneRow(e.NewRow)
		}
		rc.tags = e.ClearTags
	}
	return out
}

// mergeChangesLastWriteWins reconstructs the row column by column: the write
// with the later timestamp wins; equal timestamps fall back to the
// lexicographically greater origin.
func mergeChangesLastWriteWins(local, remote map[string]columnValue, fullRow Row) Row {
	if fullRow == nil {
		fullRow = make(Row)
	}
	for col := range local {
		fullRow[col] = pickColumnWinner(local, remote, col).Value
	}
	for col := range remote {
		fullRow[col] = pickColumnWinner(local, remote, col).Value
	}
	return fullRow
}

func pickColumnWinner(local, remote map[string]columnValue, col string) columnValue {
	lv, lok := local[col]
	rv, rok := remote[col]
	switch {
	case !lok:
		return rv
	case !rok:
		return lv
	case lv.Timestamp.Equal(rv.Timestamp):
		if lv.Origin > rv.Origin {
			return lv
		}
		return rv
	case lv.Timestamp.After(rv.Timestamp):
		return lv
	default:
		return rv
	}
}

// calculateTags derives the surviving tag set: the inbound tags not observed
// cleared locally, plus the local live tag if any. An empty result means the
// row has been observed deleted by all known writers.
func calculateTags(localTag *Tag, incoming Tags, localClear Tags) Tags {
	surviving := incoming.Difference(localClear)
	if localTag == nil {
		return surviving
	}
	return Tags{*localTag}.Union(surviving)
}

func cloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func namespaceOfQualified(q string) string {
	for i := 0; i < len(q); i++ {
		if q[i] == '.' {
			return q[:i]
		}
	}
	return q
}

func tableOfQualified(q string) string {
	for i := 0; i < len(q); i++ {
		if q[i] == '.' {
			return q[i+1:]
		}
	}
	return q
}
