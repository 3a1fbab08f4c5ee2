package satellite

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"
)

// The replication stream is a sequence of length-prefixed protobuf frames:
//
//	uvarint(length) | type byte | body
//
// The type byte's high bit marks a snappy-compressed body; compression is
// negotiated in StartReplicationReq and only large bodies are compressed.
// Message bodies are hand-marshaled with protowire; row payloads travel as
// JSON blobs inside bytes fields.

type msgType byte

const (
	msgAuthReq msgType = iota + 1
	msgAuthResp
	msgStartReplicationReq
	msgStartReplicationResp
	msgStopReplication
	msgRelation
	msgOpLog
	msgAck
	msgSubscribeReq
	msgSubscribeResp
	msgSubscriptionData
	msgSubscriptionError
)

const compressedFlag = 0x80

// compressThreshold is the smallest body worth a snappy pass.
const compressThreshold = 512

// wireMessage is implemented by every protocol message.
type wireMessage interface {
	msgType() msgType
	marshal() ([]byte, error)
	unmarshal(data []byte) error
}

// ReplError is the wire form of a replication error.
type ReplError struct {
	Code    ErrorCode
	Message string
}

// Err converts the wire error to a SatelliteError, or nil.
func (e *ReplError) Err() error {
	if e == nil {
		return nil
	}
	return newSatelliteError(e.Code, e.Message, nil)
}

// AuthReq opens the handshake.
type AuthReq struct {
	ClientID string
	Token    string
}

// AuthResp acknowledges or rejects the handshake.
type AuthResp struct {
	Error *ReplError
}

// StartReplicationReq asks the server to resume the stream.
type StartReplicationReq struct {
	LSN             []byte
	SchemaVersion   string
	SubscriptionIDs []string
	Compression     bool
}

// StartReplicationResp carries the server's verdict.
type StartReplicationResp struct {
	Error *ReplError
}

// StopReplication halts the stream.
type StopReplication struct{}

// RelationMsg announces a table's shape ahead of its changes.
type RelationMsg struct {
	Relation Relation
}

// OpLogMsg carries one or more inbound or outbound transactions.
type OpLogMsg struct {
	Transactions []Transaction
}

// AckKind distinguishes the two acknowledgement positions.
type AckKind int

const (
	// AckLocalSend acknowledges that an outbound transaction was sent;
	// WebSocketClient reports it itself once the frame is written.
	AckLocalSend AckKind = iota
	// AckRemoteCommit acknowledges durable commit upstream.
	AckRemoteCommit
)

// AckMsg acknowledges outbound progress.
type AckMsg struct {
	LSN  []byte
	Kind AckKind
}

// ShapeDefinition selects the data of one shape. Only whole-table
// subscriptions are supported.
type ShapeDefinition struct {
	Tablename string `json:"tablename"`
}

// ShapeRequest pairs a request id with its definition.
type ShapeRequest struct {
	RequestID  string          `json:"request_id"`
	Definition ShapeDefinition `json:"definition"`
}

// SubscribeReqMsg requests the initial data for a set of shapes.
type SubscribeReqMsg struct {
	SubscriptionID string
	Shapes         []ShapeRequest
}

// SubscribeRespMsg acknowledges or rejects a subscription request.
type SubscribeRespMsg struct {
	SubscriptionID string
	Error          *ReplError
}

// ShapeRecord is one row of initial shape data with its shadow tags.
type ShapeRecord struct {
	Row  Row
	Tags Tags
}

// ShapeData is the initial data of one requested shape.
type ShapeData struct {
	RequestID string
	Relation  *Relation
	Records   []ShapeRecord
}

// SubscriptionDataMsg delivers the initial data of a subscription.
type SubscriptionDataMsg struct {
	SubscriptionID string
	LSN            []byte
	Shapes         []ShapeData
}

// SubscriptionErrorMsg reports a failed subscription. SubscriptionID may be
// empty when the server cannot attribute the failure.
type SubscriptionErrorMsg struct {
	SubscriptionID string
	Error          *ReplError
}

// writeFrame marshals msg and writes one frame.
func writeFrame(w io.Writer, msg wireMessage, compress bool) error {
	body, err := msg.marshal()
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	code := byte(msg.msgType())
	if compress && len(body) >= compressThreshold {
		body = snappy.Encode(nil, body)
		code |= compressedFlag
	}
	frame := protowire.AppendVarint(nil, uint64(1+len(body)))
	frame = append(frame, code)
	frame = append(frame, body...)
	_, err = w.Write(frame)
	return err
}

// readFrame reads one frame and returns the decoded message.
func readFrame(r io.ByteReader, body io.Reader) (wireMessage, error) {
	length, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, err
	}
	return decodeFrame(buf)
}

// decodeFrame decodes a complete frame payload (type byte + body), as read
// from a framed transport such as a websocket binary message.
func decodeFrame(buf []byte) (wireMessage, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	code, payload := buf[0], buf[1:]
	if code&compressedFlag != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		code &^= compressedFlag
		payload = decoded
	}
	msg, err := newMessage(msgType(code))
	if err != nil {
		return nil, err
	}
	if err := msg.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

// encodeFrame marshals msg into a complete frame payload without the length
// prefix, for framed transports.
func encodeFrame(msg wireMessage, compress bool) ([]byte, error) {
	body, err := msg.marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	code := byte(msg.msgType())
	if compress && len(body) >= compressThreshold {
		body = snappy.Encode(nil, body)
		code |= compressedFlag
	}
	return append([]byte{code}, body...), nil
}

func newMessage(t msgType) (wireMessage, error) {
	switch t {
	case msgAuthReq:
		return &AuthReq{}, nil
	case msgAuthResp:
		return &AuthResp{}, nil
	case msgStartReplicationReq:
		return &StartReplicationReq{}, nil
	case msgStartReplicationResp:
		return &StartReplicationResp{}, nil
	case msgStopReplication:
		return &StopReplication{}, nil
	case msgRelation:
		return &RelationMsg{}, nil
	case msgOpLog:
		return &OpLogMsg{}, nil
	case msgAck:
		return &AckMsg{}, nil
	case msgSubscribeReq:
		return &SubscribeReqMsg{}, nil
	case msgSubscribeResp:
		return &SubscribeRespMsg{}, nil
	case msgSubscriptionData:
		return &SubscriptionDataMsg{}, nil
	case msgSubscriptionError:
		return &SubscriptionErrorMsg{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", t)
	}
}

func readUvarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("malformed frame length")
		}
	}
}

// --- protowire field helpers ---

type fieldScanner struct {
	data []byte
}

// next returns the next field number and its raw value. Bytes fields come
// back verbatim; varint fields come back as the value.
func (s *fieldScanner) next() (num protowire.Number, typ protowire.Type, val []byte, uval uint64, err error) {
	if len(s.data) == 0 {
		return 0, 0, nil, 0, io.EOF
	}
	num, typ, n := protowire.ConsumeTag(s.data)
	if n < 0 {
		return 0, 0, nil, 0, protowire.ParseError(n)
	}
	s.data = s.data[n:]
	switch typ {
	case protowire.VarintType:
		uval, n = protowire.ConsumeVarint(s.data)
	case protowire.BytesType:
		val, n = protowire.ConsumeBytes(s.data)
	default:
		n = protowire.ConsumeFieldValue(num, typ, s.data)
	}
	if n < 0 {
		return 0, 0, nil, 0, protowire.ParseError(n)
	}
	s.data = s.data[n:]
	return num, typ, val, uval, nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessageField(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendRowField(b []byte, num protowire.Number, row Row) ([]byte, error) {
	if row == nil {
		return b, nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return appendMessageField(b, num, data), nil
}

func decodeRow(data []byte) (Row, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// --- per-message codecs ---

func (*AuthReq) msgType() msgType { return msgAuthReq }

func (m *AuthReq) marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.ClientID)
	b = appendStringField(b, 2, m.Token)
	return b, nil
}

func (m *AuthReq) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.ClientID = string(val)
		case 2:
			m.Token = string(val)
		}
	}
}

func (*AuthResp) msgType() msgType { return msgAuthResp }

func (m *AuthResp) marshal() ([]byte, error) {
	return appendErrorField(nil, 1, m.Error), nil
}

func (m *AuthResp) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if num == 1 {
			e, err := decodeError(val)
			if err != nil {
				return err
			}
			m.Error = e
		}
	}
}

func appendErrorField(b []byte, num protowire.Number, e *ReplError) []byte {
	if e == nil {
		return b
	}
	body := appendVarintField(nil, 1, uint64(e.Code))
	body = appendStringField(body, 2, e.Message)
	return appendMessageField(b, num, body)
}

func decodeError(data []byte) (*ReplError, error) {
	e := &ReplError{}
	s := fieldScanner{data}
	for {
		num, _, val, uval, err := s.next()
		if err == io.EOF {
			return e, nil
		}
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			e.Code = ErrorCode(uval)
		case 2:
			e.Message = string(val)
		}
	}
}

func (*StartReplicationReq) msgType() msgType { return msgStartReplicationReq }

func (m *StartReplicationReq) marshal() ([]byte, error) {
	b := appendBytesField(nil, 1, m.LSN)
	b = appendStringField(b, 2, m.SchemaVersion)
	for _, id := range m.SubscriptionIDs {
		b = appendStringField(b, 3, id)
	}
	if m.Compression {
		b = appendVarintField(b, 4, 1)
	}
	return b, nil
}

func (m *StartReplicationReq) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, uval, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.LSN = append([]byte(nil), val...)
		case 2:
			m.SchemaVersion = string(val)
		case 3:
			m.SubscriptionIDs = append(m.SubscriptionIDs, string(val))
		case 4:
			m.Compression = uval != 0
		}
	}
}

func (*StartReplicationResp) msgType() msgType { return msgStartReplicationResp }

func (m *StartReplicationResp) marshal() ([]byte, error) {
	return appendErrorField(nil, 1, m.Error), nil
}

func (m *StartReplicationResp) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if num == 1 {
			e, err := decodeError(val)
			if err != nil {
				return err
			}
			m.Error = e
		}
	}
}

func (*StopReplication) msgType() msgType { return msgStopReplication }

func (m *StopReplication) marshal() ([]byte, error) { return nil, nil }

func (m *StopReplication) unmarshal(data []byte) error { return nil }

func (*RelationMsg) msgType() msgType { return msgRelation }

func (m *RelationMsg) marshal() ([]byte, error) {
	return marshalRelation(&m.Relation), nil
}

func (m *RelationMsg) unmarshal(data []byte) error {
	rel, err := unmarshalRelation(data)
	if err != nil {
		return err
	}
	m.Relation = *rel
	return nil
}

func marshalRelation(rel *Relation) []byte {
	b := appendVarintField(nil, 1, uint64(uint32(rel.ID)))
	b = appendStringField(b, 2, rel.Schema)
	b = appendStringField(b, 3, rel.Table)
	b = appendStringField(b, 4, rel.TableType)
	for _, c := range rel.Columns {
		col := appendStringField(nil, 1, c.Name)
		col = appendStringField(col, 2, c.Type)
		if c.IsNullable {
			col = appendVarintField(col, 3, 1)
		}
		col = appendVarintField(col, 4, uint64(c.PrimaryKey))
		b = appendMessageField(b, 5, col)
	}
	return b
}

func unmarshalRelation(data []byte) (*Relation, error) {
	rel := &Relation{}
	s := fieldScanner{data}
	for {
		num, _, val, uval, err := s.next()
		if err == io.EOF {
			return rel, nil
		}
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			rel.ID = int32(uval)
		case 2:
			rel.Schema = string(val)
		case 3:
			rel.Table = string(val)
		case 4:
			rel.TableType = string(val)
		case 5:
			col := RelationColumn{}
			cs := fieldScanner{val}
			for {
				cnum, _, cval, cuval, cerr := cs.next()
				if cerr == io.EOF {
					break
				}
				if cerr != nil {
					return nil, cerr
				}
				switch cnum {
				case 1:
					col.Name = string(cval)
				case 2:
					col.Type = string(cval)
				case 3:
					col.IsNullable = cuval != 0
				case 4:
					col.PrimaryKey = int(cuval)
				}
			}
			rel.Columns = append(rel.Columns, col)
		}
	}
}

func (*OpLogMsg) msgType() msgType { return msgOpLog }

func (m *OpLogMsg) marshal() ([]byte, error) {
	var b []byte
	for i := range m.Transactions {
		body, err := marshalTransaction(&m.Transactions[i])
		if err != nil {
			return nil, err
		}
		b = appendMessageField(b, 1, body)
	}
	return b, nil
}

func (m *OpLogMsg) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if num == 1 {
			tx, err := unmarshalTransaction(val)
			if err != nil {
				return err
			}
			m.Transactions = append(m.Transactions, *tx)
		}
	}
}

func marshalTransaction(tx *Transaction) ([]byte, error) {
	b := appendStringField(nil, 1, tx.Origin)
	b = appendVarintField(b, 2, uint64(tx.CommitTimestamp.UnixMilli()))
	b = appendBytesField(b, 3, tx.LSN)
	for _, c := range tx.Changes {
		body, err := marshalChange(c)
		if err != nil {
			return nil, err
		}
		b = appendMessageField(b, 4, body)
	}
	return b, nil
}

func unmarshalTransaction(data []byte) (*Transaction, error) {
	tx := &Transaction{}
	s := fieldScanner{data}
	for {
		num, _, val, uval, err := s.next()
		if err == io.EOF {
			return tx, nil
		}
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			tx.Origin = string(val)
		case 2:
			tx.CommitTimestamp = time.UnixMilli(int64(uval)).UTC()
		case 3:
			tx.LSN = append([]byte(nil), val...)
		case 4:
			c, err := unmarshalChange(val)
			if err != nil {
				return nil, err
			}
			tx.Changes = append(tx.Changes, c)
		}
	}
}

func marshalChange(c Change) ([]byte, error) {
	switch ch := c.(type) {
	case DataChange:
		body := appendStringField(nil, 1, string(ch.Type))
		if ch.Relation != nil {
			body = appendMessageField(body, 2, marshalRelation(ch.Relation))
		}
		var err error
		body, err = appendRowField(body, 3, ch.Record)
		if err != nil {
			return nil, err
		}
		body, err = appendRowField(body, 4, ch.OldRecord)
		if err != nil {
			return nil, err
		}
		for _, t := range ch.Tags {
			body = appendStringField(body, 5, t.String())
		}
		return appendMessageField(nil, 1, body), nil
	case SchemaChange:
		body := appendStringField(nil, 1, ch.SQL)
		body = appendStringField(body, 2, ch.Table)
		body = appendStringField(body, 3, ch.MigrationType)
		body = appendStringField(body, 4, ch.Version)
		return appendMessageField(nil, 2, body), nil
	default:
		return nil, fmt.Errorf("unknown change type %T", c)
	}
}

func unmarshalChange(data []byte) (Change, error) {
	s := fieldScanner{data}
	num, _, val, _, err := s.next()
	if err != nil {
		return nil, fmt.Errorf("empty change: %w", err)
	}
	switch num {
	case 1:
		dc := DataChange{}
		cs := fieldScanner{val}
		for {
			cnum, _, cval, _, cerr := cs.next()
			if cerr == io.EOF {
				return dc, nil
			}
			if cerr != nil {
				return nil, cerr
			}
			switch cnum {
			case 1:
				dc.Type = ChangeType(cval)
			case 2:
				rel, err := unmarshalRelation(cval)
				if err != nil {
					return nil, err
				}
				dc.Relation = rel
			case 3:
				row, err := decodeRow(cval)
				if err != nil {
					return nil, err
				}
				dc.Record = row
			case 4:
				row, err := decodeRow(cval)
				if err != nil {
					return nil, err
				}
				dc.OldRecord = row
			case 5:
				tag, err := ParseTag(string(cval))
				if err != nil {
					return nil, err
				}
				dc.Tags = append(dc.Tags, tag)
			}
		}
	case 2:
		sc := SchemaChange{}
		cs := fieldScanner{val}
		for {
			cnum, _, cval, _, cerr := cs.next()
			if cerr == io.EOF {
				return sc, nil
			}
			if cerr != nil {
				return nil, cerr
			}
			switch cnum {
			case 1:
				sc.SQL = string(cval)
			case 2:
				sc.Table = string(cval)
			case 3:
				sc.MigrationType = string(cval)
			case 4:
				sc.Version = string(cval)
			}
		}
	default:
		return nil, fmt.Errorf("unknown change field %d", num)
	}
}

func (*AckMsg) msgType() msgType { return msgAck }

func (m *AckMsg) marshal() ([]byte, error) {
	b := appendBytesField(nil, 1, m.LSN)
	b = appendVarintField(b, 2, uint64(m.Kind))
	return b, nil
}

func (m *AckMsg) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, uval, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.LSN = append([]byte(nil), val...)
		case 2:
			m.Kind = AckKind(uval)
		}
	}
}

func (*SubscribeReqMsg) msgType() msgType { return msgSubscribeReq }

func (m *SubscribeReqMsg) marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.SubscriptionID)
	for _, sh := range m.Shapes {
		body := appendStringField(nil, 1, sh.RequestID)
		body = appendStringField(body, 2, sh.Definition.Tablename)
		b = appendMessageField(b, 2, body)
	}
	return b, nil
}

func (m *SubscribeReqMsg) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.SubscriptionID = string(val)
		case 2:
			sh := ShapeRequest{}
			cs := fieldScanner{val}
			for {
				cnum, _, cval, _, cerr := cs.next()
				if cerr == io.EOF {
					break
				}
				if cerr != nil {
					return cerr
				}
				switch cnum {
				case 1:
					sh.RequestID = string(cval)
				case 2:
					sh.Definition.Tablename = string(cval)
				}
			}
			m.Shapes = append(m.Shapes, sh)
		}
	}
}

func (*SubscribeRespMsg) msgType() msgType { return msgSubscribeResp }

func (m *SubscribeRespMsg) marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.SubscriptionID)
	b = appendErrorField(b, 2, m.Error)
	return b, nil
}

func (m *SubscribeRespMsg) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.SubscriptionID = string(val)
		case 2:
			e, err := decodeError(val)
			if err != nil {
				return err
			}
			m.Error = e
		}
	}
}

func (*SubscriptionDataMsg) msgType() msgType { return msgSubscriptionData }

func (m *SubscriptionDataMsg) marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.SubscriptionID)
	b = appendBytesField(b, 2, m.LSN)
	for _, sh := range m.Shapes {
		body := appendStringField(nil, 1, sh.RequestID)
		if sh.Relation != nil {
			body = appendMessageField(body, 2, marshalRelation(sh.Relation))
		}
		for _, rec := range sh.Records {
			recBody, err := appendRowField(nil, 1, rec.Row)
			if err != nil {
				return nil, err
			}
			for _, t := range rec.Tags {
				recBody = appendStringField(recBody, 2, t.String())
			}
			body = appendMessageField(body, 3, recBody)
		}
		b = appendMessageField(b, 3, body)
	}
	return b, nil
}

func (m *SubscriptionDataMsg) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.SubscriptionID = string(val)
		case 2:
			m.LSN = append([]byte(nil), val...)
		case 3:
			sh := ShapeData{}
			cs := fieldScanner{val}
			for {
				cnum, _, cval, _, cerr := cs.next()
				if cerr == io.EOF {
					break
				}
				if cerr != nil {
					return cerr
				}
				switch cnum {
				case 1:
					sh.RequestID = string(cval)
				case 2:
					rel, err := unmarshalRelation(cval)
					if err != nil {
						return err
					}
					sh.Relation = rel
				case 3:
					rec := ShapeRecord{}
					rs := fieldScanner{cval}
					for {
						rnum, _, rval, _, rerr := rs.next()
						if rerr == io.EOF {
							break
						}
						if rerr != nil {
							return rerr
						}
						switch rnum {
						case 1:
							row, err := decodeRow(rval)
							if err != nil {
								return err
							}
							rec.Row = row
						case 2:
							tag, err := ParseTag(string(rval))
							if err != nil {
								return err
							}
							rec.Tags = append(rec.Tags, tag)
						}
					}
					sh.Records = append(sh.Records, rec)
				}
			}
			m.Shapes = append(m.Shapes, sh)
		}
	}
}

func (*SubscriptionErrorMsg) msgType() msgType { return msgSubscriptionError }

func (m *SubscriptionErrorMsg) marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.SubscriptionID)
	b = appendErrorField(b, 2, m.Error)
	return b, nil
}

func (m *SubscriptionErrorMsg) unmarshal(data []byte) error {
	s := fieldScanner{data}
	for {
		num, _, val, _, err := s.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.SubscriptionID = string(val)
		case 2:
			e, err := decodeError(val)
			if err != nil {
				return err
			}
			m.Error = e
		}
	}
}
