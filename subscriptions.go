package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SubscriptionState tracks a shape subscription's lifecycle.
type SubscriptionState string

const (
	SubscriptionRequested SubscriptionState = "requested"
	SubscriptionDelivered SubscriptionState = "delivered"
	SubscriptionCancelled SubscriptionState = "cancelled"
)

// Subscription is one tracked shape subscription.
type Subscription struct {
	ID     string            `json:"id"`
	Shapes []ShapeRequest    `json:"shapes"`
	State  SubscriptionState `json:"state"`
}

// SubscriptionHandle is returned by Subscribe. Synced yields exactly one
// value: nil once the server has delivered the initial data, or the error
// that ended the subscription.
type SubscriptionHandle struct {
	ID     string
	synced chan error
	once   sync.Once
}

// Synced returns the completion channel.
func (h *SubscriptionHandle) Synced() <-chan error {
	return h.synced
}

func (h *SubscriptionHandle) complete(err error) {
	h.once.Do(func() {
		h.synced <- err
		close(h.synced)
	})
}

func resolvedHandle(id string) *SubscriptionHandle {
	h := &SubscriptionHandle{ID: id, synced: make(chan error, 1)}
	h.complete(nil)
	return h
}

// subscriptionManager requests, tracks, and deduplicates shape
// subscriptions.
type subscriptionManager struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	handles  map[string]*SubscriptionHandle
	inFlight map[string]string // shape-set key → subscription id
}

func newSubscriptionManager() *subscriptionManager {
	return &subscriptionManager{
		subs:     make(map[string]*Subscription),
		handles:  make(map[string]*SubscriptionHandle),
		inFlight: make(map[string]string),
	}
}

// shapeKey canonically encodes a set of shape definitions: identical sets
// deduplicate regardless of order.
func shapeKey(defs []ShapeDefinition) string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Tablename
	}
	sort.Strings(names)
	return strings.Join(names, "\x00")
}

// serialize returns the JSON form persisted in meta.
func (m *subscriptionManager) serialize() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	data, _ := json.Marshal(subs)
	return string(data)
}

// restore loads persisted state. Subscriptions that were still in flight at
// shutdown are dropped; only delivered ones can resume.
func (m *subscriptionManager) restore(serialized string) error {
	if serialized == "" {
		return nil
	}
	var subs []*Subscription
	if err := json.Unmarshal([]byte(serialized), &subs); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range subs {
		if s.State == SubscriptionDelivered {
			m.subs[s.ID] = s
		}
	}
	return nil
}

// deliveredIDs returns the ids of fulfilled subscriptions, for resuming the
// stream.
func (m *subscriptionManager) deliveredIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.subs {
		if s.State == SubscriptionDelivered {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// deliveredShapes returns the shape definitions of fulfilled subscriptions,
// for behind-window re-subscription.
func (m *subscriptionManager) deliveredShapes() [][]ShapeDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]ShapeDefinition
	for _, s := range m.subs {
		if s.State != SubscriptionDelivered {
			continue
		}
		defs := make([]ShapeDefinition, len(s.Shapes))
		for i, sh := range s.Shapes {
			defs[i] = sh.Definition
		}
		out = append(out, defs)
	}
	return out
}

// lookup finds a live duplicate of the shape set: an in-flight handle, or a
// fulfilled subscription (returned as an immediately-resolved handle).
func (m *subscriptionManager) lookup(key string) *SubscriptionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.inFlight[key]; ok {
		return m.handles[id]
	}
	for id, s := range m.subs {
		if s.State == SubscriptionDelivered && shapeKey(defsOf(s.Shapes)) == key {
			return resolvedHandle(id)
		}
	}
	return nil
}

// track records a freshly requested subscription.
func (m *subscriptionManager) track(sub *Subscription, key string) *SubscriptionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &SubscriptionHandle{ID: sub.ID, synced: make(chan error, 1)}
	m.subs[sub.ID] = sub
	m.handles[sub.ID] = h
	m.inFlight[key] = sub.ID
	return h
}

// delivered marks a subscription fulfilled and releases its dedup slot.
func (m *subscriptionManager) delivered(id string) (*Subscription, *SubscriptionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[id]
	if sub != nil {
		sub.State = SubscriptionDelivered
		delete(m.inFlight, shapeKey(defsOf(sub.Shapes)))
	}
	h := m.handles[id]
	delete(m.handles, id)
	return sub, h
}

// fail removes a subscription and returns its handle for error completion.
func (m *subscriptionManager) fail(id string) (*Subscription, *SubscriptionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[id]
	if sub != nil {
		sub.State = SubscriptionCancelled
		delete(m.inFlight, shapeKey(defsOf(sub.Shapes)))
		delete(m.subs, id)
	}
	h := m.handles[id]
	delete(m.handles, id)
	return sub, h
}

// reset drops every subscription and returns all outstanding handles.
func (m *subscriptionManager) reset() []*SubscriptionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]*SubscriptionHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.subs = make(map[string]*Subscription)
	m.handles = make(map[string]*SubscriptionHandle)
	m.inFlight = make(map[string]string)
	return handles
}

func defsOf(shapes []ShapeRequest) []ShapeDefinition {
	defs := make([]ShapeDefinition, len(shapes))
	for i, sh := range shapes {
		defs[i] = sh.Definition
	}
	return defs
}

// Subscribe requests whole-table shape subscriptions. The returned handle's
// Synced channel resolves when the server has delivered the initial data.
// An identical in-flight or fulfilled shape set returns the existing handle.
func (s *Satellite) Subscribe(ctx context.Context, defs ...ShapeDefinition) (*SubscriptionHandle, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one shape definition is required")
	}
	key := shapeKey(defs)
	if h := s.subs.lookup(key); h != nil {
		return h, nil
	}

	sub := &Subscription{ID: uuid.NewString(), State: SubscriptionRequested}
	for _, d := range defs {
		sub.Shapes = append(sub.Shapes, ShapeRequest{RequestID: uuid.NewString(), Definition: d})
	}
	h := s.subs.track(sub, key)
	if err := s.persistSubscriptions(ctx); err != nil {
		return nil, err
	}

	res, err := s.client.Subscribe(ctx, sub.ID, sub.Shapes)
	if err == nil && res.Error != nil {
		err = res.Error
	}
	if err != nil {
		s.handleSubscriptionError(sub.ID, err)
		return h, nil
	}
	return h, nil
}

// handleSubscriptionData applies the initial bulk data of a subscription:
// user rows and shadow rows land in parameter-limit-sized batches with write
// capture disabled, then the subscription and LSN meta advance atomically
// with the data.
func (s *Satellite) handleSubscriptionData(msg SubscriptionDataMsg) {
	ctx := context.Background()

	var tables []string
	var h *SubscriptionHandle
	err := s.adapter.Transaction(ctx, func(dbtx Tx) error {
		var qualified []string
		for _, shape := range msg.Shapes {
			qualified = append(qualified, s.config.Namespace+"."+shape.Relation.Table)
		}
		if len(qualified) > 0 {
			if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, qualified, 0)); err != nil {
				return err
			}
		}
		for _, shape := range msg.Shapes {
			if err := s.applyShapeData(dbtx, shape); err != nil {
				return err
			}
		}

		var sub *Subscription
		sub, h = s.subs.delivered(msg.SubscriptionID)
		if sub == nil {
			return newSatelliteError(CodeSubscription,
				"data for unknown subscription "+msg.SubscriptionID, nil)
		}
		if _, err := dbtx.Run(s.meta.setStmt(metaSubscriptions, s.subs.serialize())); err != nil {
			return err
		}
		if _, err := dbtx.Run(s.meta.setBytesStmt(metaLSN, msg.LSN)); err != nil {
			return err
		}
		if len(qualified) > 0 {
			if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, qualified, 1)); err != nil {
				return err
			}
		}
		tables = qualified
		return nil
	})

	if err != nil {
		s.log.Error("applying subscription data failed", "subscription", msg.SubscriptionID, "error", err)
		s.garbageCollectShapeData(ctx, msg.Shapes)
		s.handleSubscriptionError(msg.SubscriptionID, err)
		if h != nil {
			h.complete(newSatelliteError(CodeSubscription, "subscription failed", err))
		}
		return
	}

	s.mu.Lock()
	s.lsn = append([]byte(nil), msg.LSN...)
	s.mu.Unlock()

	if h != nil {
		h.complete(nil)
	}
	s.notifier.Publish(ActualDataChanged{Change: ChangeNotification{Tables: tables}})
}

// applyShapeData bulk-inserts one shape's rows and shadow rows, batched to
// honor the host's positional-parameter limit.
func (s *Satellite) applyShapeData(dbtx Tx, shape ShapeData) error {
	rel := shape.Relation
	if rel == nil {
		return newSatelliteError(CodeSubscription, "shape data without relation", nil)
	}
	s.mu.Lock()
	if _, ok := s.relations[rel.Table]; !ok {
		s.relations[rel.Table] = rel
	}
	s.mu.Unlock()
	cols := rel.ColumnNames()
	pkCols := rel.PrimaryKeyCols()

	s.mu.Lock()
	maxParams := s.maxSQLParameters
	s.mu.Unlock()
	rowsPerBatch := maxParams / len(cols)
	if rowsPerBatch < 1 {
		rowsPerBatch = 1
	}
	shadowPerBatch := maxParams / 4
	if shadowPerBatch < 1 {
		shadowPerBatch = 1
	}

	for start := 0; start < len(shape.Records); start += rowsPerBatch {
		end := min(start+rowsPerBatch, len(shape.Records))
		batch := shape.Records[start:end]

		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*len(cols))
		for _, rec := range batch {
			values = append(values, "("+placeholders(len(cols))+")")
			for _, c := range cols {
				args = append(args, rec.Row[c])
			}
		}
		if _, err := dbtx.Run(Stmt(fmt.Sprintf(
			"INSERT OR REPLACE INTO %q.%q (%s) VALUES %s",
			s.config.Namespace, rel.Table, quoteJoin(cols), strings.Join(values, ", ")),
			args...)); err != nil {
			return err
		}
	}

	for start := 0; start < len(shape.Records); start += shadowPerBatch {
		end := min(start+shadowPerBatch, len(shape.Records))
		batch := shape.Records[start:end]

		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*4)
		for _, rec := range batch {
			pk, err := primaryKeyJSON(rec.Row, pkCols)
			if err != nil {
				return err
			}
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, s.config.Namespace, rel.Table, pk, EncodeTags(rec.Tags))
		}
		if _, err := dbtx.Run(Stmt(fmt.Sprintf(
			`INSERT INTO %s (namespace, tablename, primaryKey, tags) VALUES %s
			 ON CONFLICT (namespace, tablename, primaryKey) DO UPDATE SET tags = excluded.tags`,
			s.config.ShadowTable, strings.Join(values, ", ")), args...)); err != nil {
			return err
		}
	}
	return nil
}

// handleSubscriptionError resets replication state so the next start begins
// fresh, and fails the subscription's waiters. An empty id fails every
// outstanding subscription.
func (s *Satellite) handleSubscriptionError(subscriptionID string, cause error) {
	ctx := context.Background()
	err := newSatelliteError(CodeSubscription, "subscription failed", cause)

	var handles []*SubscriptionHandle
	if subscriptionID == "" {
		handles = s.subs.reset()
	} else {
		_, h := s.subs.fail(subscriptionID)
		if h != nil {
			handles = append(handles, h)
		}
	}
	if rerr := s.resetClientState(ctx); rerr != nil {
		s.log.Error("resetting client state failed", "error", rerr)
	}
	for _, h := range handles {
		h.complete(err)
	}
}

// garbageCollectShapeData clears the user tables of a failed shape delivery
// with write capture disabled. Shadow rows are intentionally left in place
// for a future re-subscribe to reconcile against.
func (s *Satellite) garbageCollectShapeData(ctx context.Context, shapes []ShapeData) {
	err := s.adapter.Transaction(ctx, func(dbtx Tx) error {
		for _, shape := range shapes {
			if shape.Relation == nil {
				continue
			}
			qualified := s.config.Namespace + "." + shape.Relation.Table
			if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, []string{qualified}, 0)); err != nil {
				return err
			}
			if _, err := dbtx.Run(Stmt(fmt.Sprintf(
				"DELETE FROM %q.%q", s.config.Namespace, shape.Relation.Table))); err != nil {
				return err
			}
			if _, err := dbtx.Run(setTriggerFlagStmt(&s.config, []string{qualified}, 1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("shape garbage collection failed", "error", err)
	}
}

// persistSubscriptions writes the manager state to meta.
func (s *Satellite) persistSubscriptions(ctx context.Context) error {
	return s.meta.set(ctx, metaSubscriptions, s.subs.serialize())
}
