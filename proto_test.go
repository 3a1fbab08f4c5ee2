package satellite

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func roundTrip(t *testing.T, msg wireMessage, compress bool) wireMessage {
	t.Helper()
	var buf bytes.Buffer
	if err := writeFrame(&buf, msg, compress); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := readFrame(&buf, &buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return got
}

func TestFrameRoundTrip_Handshake(t *testing.T) {
	got := roundTrip(t, &AuthReq{ClientID: "c1", Token: "tok"}, false)
	if diff := deep.Equal(got, &AuthReq{ClientID: "c1", Token: "tok"}); diff != nil {
		t.Errorf("auth req: %v", diff)
	}

	got = roundTrip(t, &AuthResp{Error: &ReplError{Code: CodeAuth, Message: "bad token"}}, false)
	if diff := deep.Equal(got, &AuthResp{Error: &ReplError{Code: CodeAuth, Message: "bad token"}}); diff != nil {
		t.Errorf("auth resp: %v", diff)
	}

	req := &StartReplicationReq{
		LSN:             []byte{1, 2, 3},
		SchemaVersion:   "0002",
		SubscriptionIDs: []string{"s1", "s2"},
		Compression:     true,
	}
	if diff := deep.Equal(roundTrip(t, req, false), req); diff != nil {
		t.Errorf("start req: %v", diff)
	}

	resp := &StartReplicationResp{Error: &ReplError{Code: CodeBehindWindow, Message: "resume window elapsed"}}
	got = roundTrip(t, resp, false)
	if diff := deep.Equal(got, resp); diff != nil {
		t.Errorf("start resp: %v", diff)
	}
	if !errIsCode(got.(*StartReplicationResp).Error.Err(), CodeBehindWindow) {
		t.Error("decoded error lost its code")
	}
}

func TestFrameRoundTrip_OpLog(t *testing.T) {
	rel := mergeTestRelations["parent"]
	commit := time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)
	msg := &OpLogMsg{Transactions: []Transaction{{
		Origin:          "c1",
		CommitTimestamp: commit,
		LSN:             []byte{9, 9},
		Changes: []Change{
			DataChange{
				Relation: rel,
				Type:     ChangeInsert,
				Record:   Row{"id": float64(1), "value": "x", "other": nil},
				Tags:     Tags{NewTag("c1", commit)},
			},
			DataChange{
				Relation:  rel,
				Type:      ChangeDelete,
				OldRecord: Row{"id": float64(2), "value": "y", "other": nil},
			},
			SchemaChange{SQL: "CREATE TABLE t (id INTEGER PRIMARY KEY)", Table: "t", MigrationType: "CREATE_TABLE", Version: "0003"},
		},
	}}}

	got := roundTrip(t, msg, false).(*OpLogMsg)
	if len(got.Transactions) != 1 {
		t.Fatalf("got %d transactions", len(got.Transactions))
	}
	tx := got.Transactions[0]
	if tx.Origin != "c1" || !tx.CommitTimestamp.Equal(commit) {
		t.Errorf("tx header = %q %v", tx.Origin, tx.CommitTimestamp)
	}
	if diff := deep.Equal(tx.Changes, msg.Transactions[0].Changes); diff != nil {
		t.Errorf("changes: %v", diff)
	}
}

func TestFrameRoundTrip_Relation(t *testing.T) {
	msg := &RelationMsg{Relation: *mergeTestRelations["parent"]}
	got := roundTrip(t, msg, false)
	if diff := deep.Equal(got, msg); diff != nil {
		t.Errorf("relation: %v", diff)
	}
}

func TestFrameRoundTrip_Subscriptions(t *testing.T) {
	sub := &SubscribeReqMsg{
		SubscriptionID: "sub-1",
		Shapes: []ShapeRequest{
			{RequestID: "r1", Definition: ShapeDefinition{Tablename: "parent"}},
			{RequestID: "r2", Definition: ShapeDefinition{Tablename: "child"}},
		},
	}
	if diff := deep.Equal(roundTrip(t, sub, false), sub); diff != nil {
		t.Errorf("subscribe req: %v", diff)
	}

	commit := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data := &SubscriptionDataMsg{
		SubscriptionID: "sub-1",
		LSN:            []byte{7},
		Shapes: []ShapeData{{
			RequestID: "r1",
			Relation:  mergeTestRelations["parent"],
			Records: []ShapeRecord{
				{Row: Row{"id": float64(1), "value": "a", "other": nil}, Tags: Tags{NewTag("s", commit)}},
				{Row: Row{"id": float64(2), "value": "b", "other": float64(3)}, Tags: Tags{NewTag("s", commit)}},
			},
		}},
	}
	if diff := deep.Equal(roundTrip(t, data, false), data); diff != nil {
		t.Errorf("subscription data: %v", diff)
	}

	subErr := &SubscriptionErrorMsg{Error: &ReplError{Code: CodeSubscription, Message: "shape rejected"}}
	if diff := deep.Equal(roundTrip(t, subErr, false), subErr); diff != nil {
		t.Errorf("subscription error: %v", diff)
	}
}

func TestFrameRoundTrip_Ack(t *testing.T) {
	msg := &AckMsg{LSN: lsnFromRowID(42), Kind: AckRemoteCommit}
	got := roundTrip(t, msg, false)
	if diff := deep.Equal(got, msg); diff != nil {
		t.Errorf("ack: %v", diff)
	}
}

// Large bodies survive the snappy pass and small ones skip it.
func TestFrameCompression(t *testing.T) {
	big := &AuthReq{ClientID: "c1", Token: strings.Repeat("payload-", 1024)}

	var plain, compressed bytes.Buffer
	if err := writeFrame(&plain, big, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writeFrame(&compressed, big, true); err != nil {
		t.Fatalf("write compressed: %v", err)
	}
	if compressed.Len() >= plain.Len() {
		t.Errorf("compressed frame is %d bytes, plain %d", compressed.Len(), plain.Len())
	}

	got, err := readFrame(&compressed, &compressed)
	if err != nil {
		t.Fatalf("read compressed: %v", err)
	}
	if diff := deep.Equal(got, big); diff != nil {
		t.Errorf("compressed round trip: %v", diff)
	}

	small := &AuthReq{ClientID: "c1", Token: "short"}
	var buf bytes.Buffer
	if err := writeFrame(&buf, small, true); err != nil {
		t.Fatalf("write small: %v", err)
	}
	frame := buf.Bytes()
	// uvarint length is one byte here; the type byte follows uncompressed.
	if frame[1]&compressedFlag != 0 {
		t.Error("small frame was compressed")
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	if _, err := decodeFrame(nil); err == nil {
		t.Error("empty frame must error")
	}
	if _, err := decodeFrame([]byte{0xEF}); err == nil {
		t.Error("unknown type must error")
	}
	if _, err := decodeFrame([]byte{byte(msgAuthReq) | compressedFlag, 0xFF, 0xFF}); err == nil {
		t.Error("bad snappy body must error")
	}
}
