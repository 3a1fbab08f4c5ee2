package satellite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

// testToken returns a signed JWT expiring an hour from now.
func testToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// expiredToken returns a signed JWT that expired an hour ago.
func expiredToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-user",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// fakeClient is a scripted in-memory Client.
type fakeClient struct {
	mu       sync.Mutex
	handlers ClientHandlers
	closed   bool

	connectCalls   int
	startCalls     int
	startLSNs      [][]byte
	startResumed   [][]string
	startErrs      []error // consumed per call; nil entries succeed
	enqueued       []Transaction
	subscribeCalls []SubscribeReqCall
	subscribeErr   error
	subscribed     chan string

	acked       []byte
	sent        []byte
	replicating bool
}

type SubscribeReqCall struct {
	SubscriptionID string
	Shapes         []ShapeRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{closed: true, subscribed: make(chan string, 16)}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	c.closed = false
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.replicating = false
	return nil
}

func (c *fakeClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) Authenticate(ctx context.Context, auth AuthState) error {
	return nil
}

func (c *fakeClient) StartReplication(ctx context.Context, lsn []byte, schemaVersion string, subscriptionIDs []string) error {
	c.mu.Lock()
	call := c.startCalls
	c.startCalls++
	c.startLSNs = append(c.startLSNs, append([]byte(nil), lsn...))
	c.startResumed = append(c.startResumed, append([]string(nil), subscriptionIDs...))
	var err error
	if call < len(c.startErrs) {
		err = c.startErrs[call]
	}
	if err == nil {
		c.replicating = true
	}
	h := c.handlers
	c.mu.Unlock()
	if err == nil && h.OnOutboundStart != nil {
		h.OnOutboundStart()
	}
	return err
}

func (c *fakeClient) StopReplication(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicating = false
	return nil
}

func (c *fakeClient) SetHandlers(h ClientHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *fakeClient) ResetOutboundLogPositions(acked, sent []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append([]byte(nil), acked...)
	c.sent = append([]byte(nil), sent...)
}

func (c *fakeClient) GetOutboundLogPositions() OutboundPositions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return OutboundPositions{Enqueued: c.sent, Acked: c.acked}
}

func (c *fakeClient) EnqueueTransaction(tx Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.replicating {
		return newSatelliteError(CodeReplicationNotStarted, "enqueue before start", nil)
	}
	c.enqueued = append(c.enqueued, tx)
	c.sent = append([]byte(nil), tx.LSN...)
	return nil
}

func (c *fakeClient) Subscribe(ctx context.Context, subscriptionID string, shapes []ShapeRequest) (SubscribeResult, error) {
	c.mu.Lock()
	c.subscribeCalls = append(c.subscribeCalls, SubscribeReqCall{SubscriptionID: subscriptionID, Shapes: shapes})
	err := c.subscribeErr
	c.mu.Unlock()
	select {
	case c.subscribed <- subscriptionID:
	default:
	}
	if err != nil {
		return SubscribeResult{}, err
	}
	return SubscribeResult{SubscriptionID: subscriptionID}, nil
}

func (c *fakeClient) Unsubscribe(ctx context.Context, subscriptionIDs []string) error {
	return newSatelliteError(CodeInternal, "unsubscribe is not supported", nil)
}

func (c *fakeClient) deliver(t *testing.T, tx Transaction) {
	t.Helper()
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnTransaction == nil {
		t.Fatal("no transaction handler installed")
	}
	h.OnTransaction(tx)
}

func (c *fakeClient) deliverSubscriptionData(t *testing.T, msg SubscriptionDataMsg) {
	t.Helper()
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnSubscriptionData == nil {
		t.Fatal("no subscription data handler installed")
	}
	h.OnSubscriptionData(msg)
}

// testSatellite is a started Satellite over an in-memory database with the
// parent/child fixture tables.
type testSatellite struct {
	sat     *Satellite
	adapter *SQLiteAdapter
	client  *fakeClient
	ctx     context.Context
}

func newTestSatellite(t *testing.T) *testSatellite {
	t.Helper()
	ctx := context.Background()

	adapter, err := NewSQLiteAdapter(SQLiteAdapterConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	for _, ddl := range []string{
		`CREATE TABLE parent (
			id INTEGER PRIMARY KEY,
			value TEXT,
			other INTEGER
		)`,
		`CREATE TABLE child (
			id INTEGER PRIMARY KEY,
			parent_id INTEGER REFERENCES parent (id)
		)`,
	} {
		if _, err := adapter.Run(ctx, Stmt(ddl)); err != nil {
			t.Fatalf("create fixture table: %v", err)
		}
	}

	client := newFakeClient()
	cfg := DefaultConfig()
	cfg.PollingInterval = time.Hour // tests drive snapshots explicitly
	sat := NewSatellite(adapter, client, NewNotifier(), cfg)

	handle, err := sat.Start(ctx, AuthConfig{Token: testToken(t)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-handle.Connection:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	t.Cleanup(func() { sat.Stop() })

	return &testSatellite{sat: sat, adapter: adapter, client: client, ctx: ctx}
}

func (ts *testSatellite) clientID() string {
	ts.sat.mu.Lock()
	defer ts.sat.mu.Unlock()
	return ts.sat.authState.ClientID
}

func (ts *testSatellite) mustRun(t *testing.T, sql string, args ...any) {
	t.Helper()
	if _, err := ts.adapter.Run(ts.ctx, Stmt(sql, args...)); err != nil {
		t.Fatalf("run %q: %v", sql, err)
	}
}

func (ts *testSatellite) mustQuery(t *testing.T, sql string, args ...any) []Row {
	t.Helper()
	rows, err := ts.adapter.Query(ts.ctx, Stmt(sql, args...))
	if err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	return rows
}

func (ts *testSatellite) snapshot(t *testing.T) {
	t.Helper()
	if err := ts.sat.Snapshot(ts.ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func (ts *testSatellite) shadowTags(t *testing.T, table, pk string) Tags {
	t.Helper()
	rows := ts.mustQuery(t,
		"SELECT tags FROM _electric_shadow WHERE tablename = ? AND primaryKey = ?", table, pk)
	if len(rows) == 0 {
		return nil
	}
	tags, err := DecodeTags(asString(rows[0]["tags"]))
	if err != nil {
		t.Fatalf("decode shadow tags: %v", err)
	}
	return tags
}

func (ts *testSatellite) oplogEntries(t *testing.T) []OplogEntry {
	t.Helper()
	rows := ts.mustQuery(t,
		`SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
		 FROM _electric_oplog ORDER BY rowid ASC`)
	entries := make([]OplogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := scanOplogEntry(r)
		if err != nil {
			t.Fatalf("scan oplog: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

// remoteTx builds an inbound transaction with one data change per record.
func remoteTx(origin string, commit time.Time, lsn uint64, changes ...DataChange) Transaction {
	tx := Transaction{
		Origin:          origin,
		CommitTimestamp: commit.UTC().Truncate(time.Millisecond),
		LSN:             lsnFromRowID(lsn),
	}
	for _, c := range changes {
		tx.Changes = append(tx.Changes, c)
	}
	return tx
}

func pkJSON(t *testing.T, row Row, cols ...string) string {
	t.Helper()
	pk, err := primaryKeyJSON(row, cols)
	if err != nil {
		t.Fatalf("primary key: %v", err)
	}
	return pk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
