package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketClientConfig configures the websocket replication client.
type WebSocketClientConfig struct {
	// URL is the replication endpoint, e.g. "ws://localhost:5133/ws".
	URL string

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds every frame write. Default: 10s.
	WriteTimeout time.Duration

	// PingInterval is how often the connection is pinged. Default: 30s.
	PingInterval time.Duration

	// ResponseTimeout bounds the wait for a handshake or subscription
	// response. Default: 15s.
	ResponseTimeout time.Duration

	// Compression enables snappy compression of large frames in both
	// directions. Negotiated in StartReplication.
	Compression bool

	// DialRetries is the number of dial attempts before Connect gives up.
	// Default: 3.
	DialRetries int

	// DialBackoff is the initial backoff between dial attempts, doubled
	// each retry. Default: 250ms.
	DialBackoff time.Duration

	// Logger receives structured logs. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultWebSocketClientConfig returns default configuration.
func DefaultWebSocketClientConfig() WebSocketClientConfig {
	return WebSocketClientConfig{
		URL:              "ws://localhost:5133/ws",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		ResponseTimeout:  15 * time.Second,
		DialRetries:      3,
		DialBackoff:      250 * time.Millisecond,
	}
}

// WebSocketClient implements Client over a websocket carrying protocol
// frames as binary messages.
type WebSocketClient struct {
	config WebSocketClientConfig
	log    *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	replicating bool
	handlers    ClientHandlers

	// handshake responses are matched by arrival order; the protocol
	// permits one outstanding request of each kind.
	authCh  chan *AuthResp
	startCh chan *StartReplicationResp
	subCh   map[string]chan *SubscribeRespMsg

	enqueuedLSN []byte
	ackedLSN    []byte

	writeMu sync.Mutex
	done    chan struct{}
}

// NewWebSocketClient creates a client; Connect establishes the socket.
func NewWebSocketClient(config WebSocketClientConfig) *WebSocketClient {
	def := DefaultWebSocketClientConfig()
	if config.URL == "" {
		config.URL = def.URL
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = def.ResponseTimeout
	}
	if config.DialRetries <= 0 {
		config.DialRetries = def.DialRetries
	}
	if config.DialBackoff <= 0 {
		config.DialBackoff = def.DialBackoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WebSocketClient{
		config: config,
		log:    config.Logger,
		subCh:  make(map[string]chan *SubscribeRespMsg),
	}
}

// SetHandlers installs the inbound callbacks.
func (c *WebSocketClient) SetHandlers(h ClientHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect dials the endpoint with bounded exponential backoff.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	backoff := c.config.DialBackoff
	var lastErr error
	for attempt := 0; attempt < c.config.DialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return newSatelliteError(CodeConnectionFailed, "dial canceled", ctx.Err())
			}
			backoff *= 2
		}
		conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.authCh = make(chan *AuthResp, 1)
			c.startCh = make(chan *StartReplicationResp, 1)
			c.done = make(chan struct{})
			c.mu.Unlock()
			go c.readLoop(conn)
			go c.pingLoop(conn)
			return nil
		}
		lastErr = err
		c.log.Warn("dial failed", "url", c.config.URL, "attempt", attempt+1, "error", err)
	}
	return newSatelliteError(CodeConnectionFailed,
		fmt.Sprintf("dial %s", c.config.URL), lastErr)
}

// Close tears down the connection. Safe to call repeatedly.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *WebSocketClient) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.replicating = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsClosed reports whether the connection is down.
func (c *WebSocketClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.conn == nil
}

// Authenticate performs the handshake.
func (c *WebSocketClient) Authenticate(ctx context.Context, auth AuthState) error {
	if err := c.send(&AuthReq{ClientID: auth.ClientID, Token: auth.Token}); err != nil {
		return newSatelliteError(CodeConnectionFailed, "send auth", err)
	}
	c.mu.Lock()
	ch := c.authCh
	c.mu.Unlock()
	select {
	case resp, ok := <-ch:
		if !ok {
			return newSatelliteError(CodeConnectionFailed, "connection closed during auth", nil)
		}
		if resp.Error != nil {
			return resp.Error.Err()
		}
		return nil
	case <-time.After(c.config.ResponseTimeout):
		return newSatelliteError(CodeConnectionFailed, "auth response timeout", nil)
	case <-ctx.Done():
		return newSatelliteError(CodeConnectionFailed, "auth canceled", ctx.Err())
	}
}

// StartReplication resumes the inbound stream.
func (c *WebSocketClient) StartReplication(ctx context.Context, lsn []byte, schemaVersion string, subscriptionIDs []string) error {
	req := &StartReplicationReq{
		LSN:             lsn,
		SchemaVersion:   schemaVersion,
		SubscriptionIDs: subscriptionIDs,
		Compression:     c.config.Compression,
	}
	if err := c.send(req); err != nil {
		return newSatelliteError(CodeConnectionFailed, "send start replication", err)
	}
	c.mu.Lock()
	ch := c.startCh
	c.mu.Unlock()
	select {
	case resp, ok := <-ch:
		if !ok {
			return newSatelliteError(CodeConnectionFailed, "connection closed during start", nil)
		}
		if resp.Error != nil {
			return resp.Error.Err()
		}
	case <-time.After(c.config.ResponseTimeout):
		return newSatelliteError(CodeConnectionFailed, "start replication response timeout", nil)
	case <-ctx.Done():
		return newSatelliteError(CodeConnectionFailed, "start replication canceled", ctx.Err())
	}

	c.mu.Lock()
	c.replicating = true
	h := c.handlers
	c.mu.Unlock()
	if h.OnOutboundStart != nil {
		h.OnOutboundStart()
	}
	return nil
}

// StopReplication halts the inbound stream.
func (c *WebSocketClient) StopReplication(ctx context.Context) error {
	c.mu.Lock()
	c.replicating = false
	c.mu.Unlock()
	return c.send(&StopReplication{})
}

// ResetOutboundLogPositions seeds the outbound counters.
func (c *WebSocketClient) ResetOutboundLogPositions(acked, sent []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackedLSN = append([]byte(nil), acked...)
	c.enqueuedLSN = append([]byte(nil), sent...)
}

// GetOutboundLogPositions returns the current outbound progress.
func (c *WebSocketClient) GetOutboundLogPositions() OutboundPositions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return OutboundPositions{
		Enqueued: append([]byte(nil), c.enqueuedLSN...),
		Acked:    append([]byte(nil), c.ackedLSN...),
	}
}

// EnqueueTransaction ships one outbound transaction.
func (c *WebSocketClient) EnqueueTransaction(tx Transaction) error {
	c.mu.Lock()
	if !c.replicating {
		c.mu.Unlock()
		return newSatelliteError(CodeReplicationNotStarted, "enqueue before start", nil)
	}
	c.mu.Unlock()
	if err := c.send(&OpLogMsg{Transactions: []Transaction{tx}}); err != nil {
		return err
	}
	c.mu.Lock()
	c.enqueuedLSN = append([]byte(nil), tx.LSN...)
	h := c.handlers
	c.mu.Unlock()
	if h.OnAck != nil {
		h.OnAck(tx.LSN, AckLocalSend)
	}
	return nil
}

// Subscribe requests initial shape data.
func (c *WebSocketClient) Subscribe(ctx context.Context, subscriptionID string, shapes []ShapeRequest) (SubscribeResult, error) {
	ch := make(chan *SubscribeRespMsg, 1)
	c.mu.Lock()
	c.subCh[subscriptionID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subCh, subscriptionID)
		c.mu.Unlock()
	}()

	if err := c.send(&SubscribeReqMsg{SubscriptionID: subscriptionID, Shapes: shapes}); err != nil {
		return SubscribeResult{}, newSatelliteError(CodeConnectionFailed, "send subscribe", err)
	}
	select {
	case resp := <-ch:
		return SubscribeResult{SubscriptionID: resp.SubscriptionID, Error: resp.Error.Err()}, nil
	case <-time.After(c.config.ResponseTimeout):
		return SubscribeResult{}, newSatelliteError(CodeConnectionFailed, "subscribe response timeout", nil)
	case <-ctx.Done():
		return SubscribeResult{}, newSatelliteError(CodeConnectionFailed, "subscribe canceled", ctx.Err())
	}
}

// Unsubscribe is not supported by the core protocol.
func (c *WebSocketClient) Unsubscribe(ctx context.Context, subscriptionIDs []string) error {
	return newSatelliteError(CodeInternal, "unsubscribe is not supported", nil)
}

func (c *WebSocketClient) send(msg wireMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return newSatelliteError(CodeConnectionFailed, "not connected", nil)
	}
	frame, err := encodeFrame(msg, c.config.Compression)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.authCh != nil {
			close(c.authCh)
			c.authCh = nil
		}
		if c.startCh != nil {
			close(c.startCh)
			c.startCh = nil
		}
		c.closeLocked()
		c.mu.Unlock()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !c.IsClosed() {
				c.log.Warn("read failed", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := decodeFrame(data)
		if err != nil {
			c.log.Warn("malformed frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *WebSocketClient) dispatch(msg wireMessage) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch m := msg.(type) {
	case *AuthResp:
		c.mu.Lock()
		if c.authCh != nil {
			select {
			case c.authCh <- m:
			default:
			}
		}
		c.mu.Unlock()
	case *StartReplicationResp:
		c.mu.Lock()
		if c.startCh != nil {
			select {
			case c.startCh <- m:
			default:
			}
		}
		c.mu.Unlock()
	case *RelationMsg:
		if h.OnRelation != nil {
			h.OnRelation(m.Relation)
		}
	case *OpLogMsg:
		if h.OnTransaction != nil {
			for _, tx := range m.Transactions {
				h.OnTransaction(tx)
			}
		}
	case *AckMsg:
		if m.Kind == AckRemoteCommit {
			c.mu.Lock()
			c.ackedLSN = append([]byte(nil), m.LSN...)
			c.mu.Unlock()
		}
		if h.OnAck != nil {
			h.OnAck(m.LSN, m.Kind)
		}
	case *SubscribeRespMsg:
		c.mu.Lock()
		ch := c.subCh[m.SubscriptionID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}
	case *SubscriptionDataMsg:
		if h.OnSubscriptionData != nil {
			h.OnSubscriptionData(*m)
		}
	case *SubscriptionErrorMsg:
		if h.OnSubscriptionError != nil {
			h.OnSubscriptionError(m.SubscriptionID, m.Error.Err())
		}
	default:
		c.log.Warn("unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (c *WebSocketClient) pingLoop(conn *websocket.Conn) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn("ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}
