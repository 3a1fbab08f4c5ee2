package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Satellite orchestrates the replication core: it owns the oplog/shadow
// substrate, the snapshotter, the merger, the subscription manager, and the
// connection lifecycle around a replication Client.
type Satellite struct {
	adapter  Adapter
	client   Client
	notifier *Notifier
	config   Config
	log      *slog.Logger

	meta     *metaStore
	migrator *Migrator
	subs     *subscriptionManager

	mu               sync.Mutex
	authState        AuthState
	relations        relationCache
	lastAckdRowID    uint64
	lastSentRowID    uint64
	lsn              []byte
	maxSQLParameters int
	lastSnapshotAt   time.Time
	schemaVersion    string
	started          bool

	snapshotMu   sync.Mutex
	snapshotWake chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
	notifSubs    []*NotifierSubscription

	stats satelliteStats
}

type satelliteStats struct {
	snapshotsTaken      atomic.Int64
	transactionsApplied atomic.Int64
	transactionsSent    atomic.Int64
	acksReceived        atomic.Int64
}

// Stats is a point-in-time snapshot of replication counters.
type Stats struct {
	SnapshotsTaken      int64  `json:"snapshots_taken"`
	TransactionsApplied int64  `json:"transactions_applied"`
	TransactionsSent    int64  `json:"transactions_sent"`
	AcksReceived        int64  `json:"acks_received"`
	LastAckdRowID       uint64 `json:"last_ackd_row_id"`
	LastSentRowID       uint64 `json:"last_sent_row_id"`
}

// StartHandle is returned by Start. Connection yields exactly one value:
// the outcome of the initial connect-and-start-replication attempt.
type StartHandle struct {
	ClientID   string
	Connection <-chan error
}

// NewSatellite wires the core around the given collaborators.
func NewSatellite(adapter Adapter, client Client, notifier *Notifier, config Config) *Satellite {
	config.normalize()
	s := &Satellite{
		adapter:      adapter,
		client:       client,
		notifier:     notifier,
		config:       config,
		log:          config.Logger,
		subs:         newSubscriptionManager(),
		snapshotWake: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	s.meta = newMetaStore(adapter, config.MetaTable)
	s.migrator = NewMigrator(adapter, &s.config)
	return s
}

// Start brings the replication core up: schema, identity, triggers, state,
// and an asynchronous connection attempt whose outcome the returned handle
// reports.
func (s *Satellite) Start(ctx context.Context, auth AuthConfig) (_ *StartHandle, retErr error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, newSatelliteError(CodeInternal, "satellite already started", nil)
	}
	s.started = true
	s.mu.Unlock()
	defer func() {
		if retErr != nil {
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
		}
	}()

	if _, err := s.adapter.Run(ctx, Stmt("PRAGMA foreign_keys = ON")); err != nil {
		return nil, err
	}
	if err := s.migrator.Up(ctx); err != nil {
		return nil, err
	}
	if err := verifyInternalTables(ctx, s.adapter, &s.config); err != nil {
		return nil, err
	}
	if err := validateToken(auth.Token); err != nil {
		return nil, err
	}
	clientID, err := s.resolveClientID(ctx, auth.ClientID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.authState = AuthState{ClientID: clientID, Token: auth.Token}
	s.mu.Unlock()

	if err := s.loadState(ctx); err != nil {
		return nil, err
	}
	if err := s.installTriggers(ctx); err != nil {
		return nil, err
	}
	s.installNotifierSubscriptions()

	s.wg.Add(2)
	go s.snapshotLoop()
	go s.pollingLoop()

	s.mu.Lock()
	lastAckd, lastSent := s.lastAckdRowID, s.lastSentRowID
	s.mu.Unlock()
	s.client.ResetOutboundLogPositions(lsnFromRowID(lastAckd), lsnFromRowID(lastSent))

	conn := make(chan error, 1)
	go func() {
		err := s.connectAndStartReplication(context.Background())
		if err != nil {
			s.log.Warn("initial replication start failed", "error", err)
		}
		conn <- err
	}()
	s.log.Info("satellite started", "clientId", clientID)
	return &StartHandle{ClientID: clientID, Connection: conn}, nil
}

// Stop cancels the timers and notifier subscriptions and closes the client.
// In-flight snapshots and applies run to completion.
func (s *Satellite) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	for _, sub := range s.notifSubs {
		sub.Unsubscribe()
	}
	s.notifSubs = nil
	s.wg.Wait()
	err := s.client.Close()
	s.log.Info("satellite stopped")
	return err
}

// Snapshot forces an immediate snapshot, bypassing the pacing window.
func (s *Satellite) Snapshot(ctx context.Context) error {
	return s.mutexSnapshot(ctx)
}

// Stats returns current replication counters.
func (s *Satellite) Stats() Stats {
	s.mu.Lock()
	lastAckd, lastSent := s.lastAckdRowID, s.lastSentRowID
	s.mu.Unlock()
	return Stats{
		SnapshotsTaken:      s.stats.snapshotsTaken.Load(),
		TransactionsApplied: s.stats.transactionsApplied.Load(),
		TransactionsSent:    s.stats.transactionsSent.Load(),
		AcksReceived:        s.stats.acksReceived.Load(),
		LastAckdRowID:       lastAckd,
		LastSentRowID:       lastSent,
	}
}

// resolveClientID returns, in order of preference: the configured id, the
// persisted id, or a freshly generated v4 UUID, persisting the outcome.
func (s *Satellite) resolveClientID(ctx context.Context, configured string) (string, error) {
	persisted, err := s.meta.get(ctx, metaClientID)
	if err != nil {
		return "", err
	}
	id := configured
	if id == "" {
		id = persisted
	}
	if id == "" {
		id = uuid.NewString()
	}
	if id != persisted {
		if err := s.meta.set(ctx, metaClientID, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// loadState restores counters, LSN, subscriptions, the relation cache, and
// the host's parameter limit.
func (s *Satellite) loadState(ctx context.Context) error {
	lastAckd, err := s.meta.getUint64(ctx, metaLastAckdRowID)
	if err != nil {
		return err
	}
	lastSent, err := s.meta.getUint64(ctx, metaLastSentRowID)
	if err != nil {
		return err
	}
	if lastAckd > lastSent {
		return newSatelliteError(CodeInternal,
			fmt.Sprintf("lastAckdRowId %d exceeds lastSentRowId %d", lastAckd, lastSent), nil)
	}
	lsn, err := s.meta.getBytes(ctx, metaLSN)
	if err != nil {
		return err
	}
	serialized, err := s.meta.get(ctx, metaSubscriptions)
	if err != nil {
		return err
	}
	if err := s.subs.restore(serialized); err != nil {
		return err
	}
	relations, err := loadRelations(ctx, s.adapter, &s.config)
	if err != nil {
		return err
	}
	maxParams, err := probeMaxSQLParameters(ctx, s.adapter)
	if err != nil {
		return err
	}
	version, err := s.latestMigrationVersion(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastAckdRowID = lastAckd
	s.lastSentRowID = lastSent
	s.lsn = lsn
	s.relations = relations
	s.maxSQLParameters = maxParams
	s.schemaVersion = version
	s.mu.Unlock()
	return nil
}

// installTriggers (re)generates the oplog and compensation triggers for
// every replicated table.
func (s *Satellite) installTriggers(ctx context.Context) error {
	s.mu.Lock()
	relations := s.relations
	s.mu.Unlock()
	return s.adapter.Transaction(ctx, func(tx Tx) error {
		for _, rel := range relations {
			for _, stmt := range generateTableTriggers(&s.config, rel) {
				if _, err := tx.Run(stmt); err != nil {
					return err
				}
			}
			fks, err := loadForeignKeys(tx, rel.Table)
			if err != nil {
				return err
			}
			if len(fks) == 0 {
				continue
			}
			stmts, err := generateCompensationTriggers(&s.config, rel, fks, relations)
			if err != nil {
				return err
			}
			for _, stmt := range stmts {
				if _, err := tx.Run(stmt); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Satellite) installNotifierSubscriptions() {
	sub := s.notifier.Subscribe(func(ev Event) {
		switch e := ev.(type) {
		case PotentialDataChanged:
			s.requestSnapshot()
		case ConnectivityStateChanged:
			s.handleConnectivityChange(e.State)
		case AuthStateChanged:
			s.handleAuthChange(e.State)
		}
	})
	s.notifSubs = append(s.notifSubs, sub)
}

func (s *Satellite) pollingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.requestSnapshot()
		}
	}
}

// handleConnectivityChange drives the connectivity state machine.
func (s *Satellite) handleConnectivityChange(state ConnectivityState) {
	switch state {
	case ConnectivityAvailable:
		go func() {
			if err := s.connectAndStartReplication(context.Background()); err != nil {
				s.log.Warn("replication start failed; awaiting next connectivity transition", "error", err)
			}
		}()
	case ConnectivityConnected:
		// Already handled by the connection attempt.
	case ConnectivityDisconnected, ConnectivityError:
		s.client.Close()
	default:
		s.log.Error("fatal: unknown connectivity state", "state", string(state))
	}
}

// handleAuthChange swaps credentials for the next connection attempt.
func (s *Satellite) handleAuthChange(state AuthState) {
	if err := validateToken(state.Token); err != nil {
		s.log.Warn("ignoring invalid auth update", "error", err)
		return
	}
	s.mu.Lock()
	if state.ClientID != "" && state.ClientID != s.authState.ClientID {
		s.mu.Unlock()
		s.log.Error("fatal: auth update attempted to change the client identity")
		return
	}
	s.authState.Token = state.Token
	s.mu.Unlock()
}

// connectAndStartReplication dials, authenticates, and resumes the stream.
// connectionFailed, invalidPosition and behindWindow are propagated; every
// other error is logged and swallowed so the controller can retry on the
// next connectivity-available transition.
func (s *Satellite) connectAndStartReplication(ctx context.Context) error {
	s.installClientHandlers()

	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	auth := s.authState
	lsn := append([]byte(nil), s.lsn...)
	schemaVersion := s.schemaVersion
	s.mu.Unlock()

	if err := s.client.Authenticate(ctx, auth); err != nil {
		if isFatalStartError(err) {
			return err
		}
		s.log.Warn("authentication failed", "error", err)
		return nil
	}

	err := s.client.StartReplication(ctx, lsn, schemaVersion, s.subs.deliveredIDs())
	if err == nil {
		s.notifier.Publish(ConnectivityStateChanged{State: ConnectivityConnected})
		return nil
	}
	if errIsCode(err, CodeBehindWindow) && s.config.clearOnBehindWindow() {
		s.log.Warn("behind the server's retention window; resetting and re-subscribing")
		return s.recoverFromBehindWindow(ctx, schemaVersion)
	}
	if isFatalStartError(err) {
		return err
	}
	s.log.Warn("start replication failed; awaiting next connectivity transition", "error", err)
	return nil
}

// recoverFromBehindWindow resets replication state, restarts the stream from
// scratch, and re-subscribes the previously fulfilled shapes.
func (s *Satellite) recoverFromBehindWindow(ctx context.Context, schemaVersion string) error {
	shapes := s.subs.deliveredShapes()
	if err := s.resetClientState(ctx); err != nil {
		return err
	}
	if err := s.client.StartReplication(ctx, nil, schemaVersion, nil); err != nil {
		return err
	}
	s.notifier.Publish(ConnectivityStateChanged{State: ConnectivityConnected})
	for _, defs := range shapes {
		defs := defs
		go func() {
			if _, err := s.Subscribe(context.Background(), defs...); err != nil {
				s.log.Warn("re-subscribe after behind-window reset failed", "error", err)
			}
		}()
	}
	return nil
}

// resetClientState clears the LSN and every subscription, in memory and in
// meta, so the next startReplication begins fresh.
func (s *Satellite) resetClientState(ctx context.Context) error {
	s.mu.Lock()
	s.lsn = nil
	s.mu.Unlock()
	handles := s.subs.reset()
	for _, h := range handles {
		h.complete(newSatelliteError(CodeSubscription, "client state was reset", nil))
	}
	_, err := s.adapter.RunInTransaction(ctx,
		s.meta.setStmt(metaLSN, ""),
		s.meta.setStmt(metaSubscriptions, s.subs.serialize()),
	)
	return err
}

func (s *Satellite) installClientHandlers() {
	s.client.SetHandlers(ClientHandlers{
		OnRelation: func(rel Relation) {
			s.mu.Lock()
			r := rel
			s.relations[rel.Table] = &r
			s.mu.Unlock()
		},
		OnTransaction: func(tx Transaction) {
			if err := s.applyTransaction(context.Background(), &tx); err != nil {
				s.log.Error("applying inbound transaction failed", "lsn", fmt.Sprintf("%x", tx.LSN), "error", err)
			}
		},
		OnAck: func(lsn []byte, kind AckKind) {
			s.handleAck(lsn, kind)
		},
		OnOutboundStart: func() {
			s.requestSnapshot()
		},
		OnSubscriptionData: func(data SubscriptionDataMsg) {
			s.handleSubscriptionData(data)
		},
		OnSubscriptionError: func(subscriptionID string, err error) {
			s.log.Warn("subscription failed", "subscription", subscriptionID, "error", err)
			s.handleSubscriptionError(subscriptionID, err)
		},
	})
}

// handleAck advances the outbound counters from server acknowledgements.
func (s *Satellite) handleAck(lsn []byte, kind AckKind) {
	rowID, err := rowIDFromLSN(lsn)
	if err != nil {
		s.log.Error("malformed ack", "error", err)
		return
	}
	ctx := context.Background()
	s.stats.acksReceived.Add(1)
	switch kind {
	case AckLocalSend:
		if err := s.setLastSentRowID(ctx, rowID); err != nil {
			s.log.Error("persisting lastSentRowId failed", "error", err)
		}
	case AckRemoteCommit:
		s.mu.Lock()
		lastSent := s.lastSentRowID
		s.mu.Unlock()
		if rowID > lastSent {
			s.log.Error("fatal: ack beyond the last sent row", "acked", rowID, "sent", lastSent)
			return
		}
		if err := s.setLastAckdRowID(ctx, rowID); err != nil {
			s.log.Error("persisting lastAckdRowId failed", "error", err)
		}
	}
}

func (s *Satellite) setLastSentRowID(ctx context.Context, v uint64) error {
	s.mu.Lock()
	if v <= s.lastSentRowID {
		s.mu.Unlock()
		return nil
	}
	s.lastSentRowID = v
	s.mu.Unlock()
	return s.meta.setUint64(ctx, metaLastSentRowID, v)
}

func (s *Satellite) setLastAckdRowID(ctx context.Context, v uint64) error {
	s.mu.Lock()
	if v <= s.lastAckdRowID {
		s.mu.Unlock()
		return nil
	}
	s.lastAckdRowID = v
	s.mu.Unlock()
	return s.meta.setUint64(ctx, metaLastAckdRowID, v)
}

// latestMigrationVersion reports the newest applied migration, the schema
// version announced to the server.
func (s *Satellite) latestMigrationVersion(ctx context.Context) (string, error) {
	rows, err := s.adapter.Query(ctx, Stmt(fmt.Sprintf(
		"SELECT version FROM %s ORDER BY version DESC LIMIT 1", s.config.MigrationsTable)))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return asString(rows[0]["version"]), nil
}

// probeMaxSQLParameters resolves the host's positional-parameter limit:
// 999 before SQLite 3.32, 32766 after.
func probeMaxSQLParameters(ctx context.Context, adapter Adapter) (int, error) {
	rows, err := adapter.Query(ctx, Stmt("SELECT sqlite_version() AS version"))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 999, nil
	}
	version := asString(rows[0]["version"])
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return 999, nil
	}
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	if major > 3 || (major == 3 && minor >= 32) {
		return 32766, nil
	}
	return 999, nil
}
