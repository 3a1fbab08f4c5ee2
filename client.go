package satellite

import "context"

// OutboundPositions reports outbound progress as opaque LSN bytes.
type OutboundPositions struct {
	Enqueued []byte
	Acked    []byte
}

// SubscribeResult is the immediate outcome of a subscription request.
type SubscribeResult struct {
	SubscriptionID string
	Error          error
}

// ClientHandlers are the callbacks Satellite installs on its Client. The
// client calls them from its own delivery goroutine, in stream order.
// Installing handlers rather than importing Satellite breaks the
// Satellite/Client cycle.
type ClientHandlers struct {
	OnRelation          func(rel Relation)
	OnTransaction       func(tx Transaction)
	OnAck               func(lsn []byte, kind AckKind)
	OnOutboundStart     func()
	OnSubscriptionData  func(data SubscriptionDataMsg)
	OnSubscriptionError func(subscriptionID string, err error)
}

// Client is the wire-protocol peer the core drives. Implementations own the
// socket; the core owns all replication state.
type Client interface {
	// Connect dials the endpoint.
	Connect(ctx context.Context) error

	// Close tears down the connection. Safe to call repeatedly.
	Close() error

	// IsClosed reports whether the connection is down.
	IsClosed() bool

	// Authenticate performs the handshake with the given credentials.
	Authenticate(ctx context.Context, auth AuthState) error

	// StartReplication resumes the inbound stream from lsn (nil for the
	// beginning), optionally resuming the given subscriptions. Fatal
	// errors carry codes connectionFailed, invalidPosition or
	// behindWindow.
	StartReplication(ctx context.Context, lsn []byte, schemaVersion string, subscriptionIDs []string) error

	// StopReplication halts the inbound stream.
	StopReplication(ctx context.Context) error

	// SetHandlers installs the inbound callbacks. Must be called before
	// StartReplication.
	SetHandlers(h ClientHandlers)

	// ResetOutboundLogPositions seeds the outbound progress counters from
	// persisted state.
	ResetOutboundLogPositions(acked, sent []byte)

	// GetOutboundLogPositions returns the current outbound progress.
	GetOutboundLogPositions() OutboundPositions

	// EnqueueTransaction ships one outbound transaction. Transactions are
	// delivered in enqueue order.
	EnqueueTransaction(tx Transaction) error

	// Subscribe requests the initial data for a set of shapes. The bulk
	// data arrives later through OnSubscriptionData.
	Subscribe(ctx context.Context, subscriptionID string, shapes []ShapeRequest) (SubscribeResult, error)

	// Unsubscribe is declared for protocol completeness; the core never
	// calls it and implementations may reject it.
	Unsubscribe(ctx context.Context, subscriptionIDs []string) error
}
