package satellite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer is a scripted protocol peer behind httptest.
type wsTestServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []wireMessage
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{t: t}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			msg, err := decodeFrame(data)
			if err != nil {
				t.Errorf("server decode: %v", err)
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
			s.respond(msg)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *wsTestServer) respond(msg wireMessage) {
	switch m := msg.(type) {
	case *AuthReq:
		s.send(&AuthResp{})
	case *StartReplicationReq:
		s.send(&StartReplicationResp{})
	case *SubscribeReqMsg:
		s.send(&SubscribeRespMsg{SubscriptionID: m.SubscriptionID})
	}
}

func (s *wsTestServer) send(msg wireMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.t.Error("send before connection")
		return
	}
	frame, err := encodeFrame(msg, false)
	if err != nil {
		s.t.Errorf("server encode: %v", err)
		return
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.t.Errorf("server write: %v", err)
	}
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func newTestWSClient(t *testing.T, server *wsTestServer) *WebSocketClient {
	t.Helper()
	cfg := DefaultWebSocketClientConfig()
	cfg.URL = server.url()
	cfg.ResponseTimeout = 2 * time.Second
	client := NewWebSocketClient(cfg)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWebSocketClient_HandshakeAndStart(t *testing.T) {
	server := newWSTestServer(t)
	client := newTestWSClient(t, server)
	ctx := context.Background()

	if !client.IsClosed() {
		t.Error("client reports open before connect")
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if client.IsClosed() {
		t.Error("client reports closed after connect")
	}

	started := make(chan struct{}, 1)
	client.SetHandlers(ClientHandlers{OnOutboundStart: func() { started <- struct{}{} }})

	if err := client.Authenticate(ctx, AuthState{ClientID: "c1", Token: "tok"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := client.StartReplication(ctx, lsnFromRowID(3), "0002", []string{"s1"}); err != nil {
		t.Fatalf("start replication: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("outbound start callback never fired")
	}

	server.mu.Lock()
	var startReq *StartReplicationReq
	for _, m := range server.received {
		if r, ok := m.(*StartReplicationReq); ok {
			startReq = r
		}
	}
	server.mu.Unlock()
	if startReq == nil {
		t.Fatal("server never saw the start request")
	}
	if rowID, _ := rowIDFromLSN(startReq.LSN); rowID != 3 {
		t.Errorf("start lsn = %d, want 3", rowID)
	}
	if len(startReq.SubscriptionIDs) != 1 || startReq.SubscriptionIDs[0] != "s1" {
		t.Errorf("resumed subscriptions = %v", startReq.SubscriptionIDs)
	}
}

func TestWebSocketClient_EnqueueAndInbound(t *testing.T) {
	server := newWSTestServer(t)
	client := newTestWSClient(t, server)
	ctx := context.Background()

	inbound := make(chan Transaction, 1)
	acks := make(chan AckKind, 4)
	client.SetHandlers(ClientHandlers{
		OnTransaction: func(tx Transaction) { inbound <- tx },
		OnAck:         func(lsn []byte, kind AckKind) { acks <- kind },
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Authenticate(ctx, AuthState{ClientID: "c1", Token: "tok"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// Enqueue before start is rejected.
	commit := time.Now().UTC().Truncate(time.Millisecond)
	tx := Transaction{Origin: "c1", CommitTimestamp: commit, LSN: lsnFromRowID(1)}
	if err := client.EnqueueTransaction(tx); !errIsCode(err, CodeReplicationNotStarted) {
		t.Fatalf("enqueue before start = %v, want replicationNotStarted", err)
	}

	if err := client.StartReplication(ctx, nil, "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.EnqueueTransaction(tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case kind := <-acks:
		if kind != AckLocalSend {
			t.Errorf("first ack = %v, want local send", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no local-send ack")
	}

	pos := client.GetOutboundLogPositions()
	if rowID, _ := rowIDFromLSN(pos.Enqueued); rowID != 1 {
		t.Errorf("enqueued position = %d, want 1", rowID)
	}

	// The server commits and the ack position advances.
	server.send(&AckMsg{LSN: lsnFromRowID(1), Kind: AckRemoteCommit})
	select {
	case kind := <-acks:
		if kind != AckRemoteCommit {
			t.Errorf("second ack = %v, want remote commit", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no remote-commit ack")
	}
	pos = client.GetOutboundLogPositions()
	if rowID, _ := rowIDFromLSN(pos.Acked); rowID != 1 {
		t.Errorf("acked position = %d, want 1", rowID)
	}

	// Inbound transactions are demuxed to the handler.
	server.send(&OpLogMsg{Transactions: []Transaction{{
		Origin:          "R",
		CommitTimestamp: commit,
		LSN:             lsnFromRowID(9),
	}}})
	select {
	case got := <-inbound:
		if got.Origin != "R" {
			t.Errorf("inbound origin = %q", got.Origin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound transaction never delivered")
	}
}

func TestWebSocketClient_Subscribe(t *testing.T) {
	server := newWSTestServer(t)
	client := newTestWSClient(t, server)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := client.Subscribe(ctx, "sub-1", []ShapeRequest{
		{RequestID: "r1", Definition: ShapeDefinition{Tablename: "parent"}},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if res.SubscriptionID != "sub-1" || res.Error != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestWebSocketClient_DialFailure(t *testing.T) {
	cfg := DefaultWebSocketClientConfig()
	cfg.URL = "ws://127.0.0.1:1/ws"
	cfg.DialRetries = 2
	cfg.DialBackoff = 10 * time.Millisecond
	client := NewWebSocketClient(cfg)

	err := client.Connect(context.Background())
	if !errIsCode(err, CodeConnectionFailed) {
		t.Fatalf("dial error = %v, want connectionFailed", err)
	}
}
