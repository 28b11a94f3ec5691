package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
)

var cmpOpts = []cmp.Option{
	cmp.AllowUnexported(CompressableQueryUpdate{}),
	cmpopts.EquateEmpty(),
}

func TestClientMessageRoundTrip(t *testing.T) {
	cases := []ClientMessage{
		{CallReducer: &CallReducer{Reducer: "send_message", Args: []byte{1, 2, 3}, RequestID: 7, Flags: FlagFullUpdate}},
		{CallReducer: &CallReducer{Reducer: "silent_op", Args: nil, RequestID: 99, Flags: FlagNoSuccessNotify}},
		{SubscribeMulti: &SubscribeMulti{QueryStrings: []string{"SELECT * FROM user"}, QueryID: 1, RequestID: 2}},
		{SubscribeMulti: &SubscribeMulti{QueryStrings: []string{"SELECT * FROM a", "SELECT * FROM b"}, QueryID: 42, RequestID: 43}},
		{UnsubscribeMulti: &UnsubscribeMulti{QueryID: 5, RequestID: 6}},
	}

	for i, want := range cases {
		encoded, err := want.Encode()
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		got, err := DecodeClientMessage(encoded)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
			t.Errorf("case %d: round trip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	qid := QueryID(9)
	upd := NewUncompressedDatabaseUpdate(map[string]QueryUpdate{
		"user": {Inserts: BsatnRowList{RowCount: 1, RowsData: []byte{1, 2, 3}}},
	})

	cases := []ServerMessage{
		{InitialSubscription: &InitialSubscription{DatabaseUpdate: upd}},
		{TransactionUpdateLight: &TransactionUpdateLight{Update: upd}},
		{IdentityToken: &IdentityToken{Identity: Identity{1, 2}, Token: "tok", ConnectionID: ConnectionID{3, 4}}},
		{SubscribeMultiApplied: &SubscribeMultiApplied{QueryID: qid, Update: upd}},
		{UnsubscribeMultiApplied: &UnsubscribeMultiApplied{QueryID: qid, Update: upd}},
		{SubscriptionError: &SubscriptionError{QueryID: &qid, Error: "boom"}},
		{SubscriptionError: &SubscriptionError{QueryID: nil, Error: "connection-scoped"}},
	}

	for i, want := range cases {
		encoded, err := want.Encode()
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		got, err := DecodeServerMessage(encoded)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
			t.Errorf("case %d: round trip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestTransactionUpdateRoundTrip(t *testing.T) {
	failed := "insufficient funds"
	want := ServerMessage{TransactionUpdate: &TransactionUpdate{
		CallerIdentity:     Identity{9, 9, 9},
		CallerConnectionID: ConnectionID{1},
		ReducerCall:        ReducerCallInfo{ReducerName: "withdraw", Args: []byte{5, 6}},
		EnergyQuantaUsed:   1000,
		Status:             UpdateStatus{Failed: &failed},
		Timestamp:          Timestamp(1700000000000000),
	}}
	encoded, err := want.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeServerMessage(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectionIDZeroIsNone(t *testing.T) {
	var c ConnectionID
	if !c.IsNone() {
		t.Fatal("zero-value ConnectionID should be the none sentinel")
	}
	c[0] = 1
	if c.IsNone() {
		t.Fatal("non-zero ConnectionID should not be the none sentinel")
	}
}

func TestGzipQueryUpdateRoundTrip(t *testing.T) {
	q := QueryUpdate{
		Deletes: BsatnRowList{RowCount: 1, RowsData: []byte{9}},
		Inserts: BsatnRowList{RowCount: 2, RowsData: []byte{1, 2, 3, 4}},
	}
	c, err := EncodeGzipQueryUpdate(q)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(q, got); diff != "" {
		t.Errorf("gzip round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBrotliQueryUpdateRejected(t *testing.T) {
	q := QueryUpdate{Inserts: BsatnRowList{RowCount: 1, RowsData: []byte{1}}}
	c := EncodeBrotliQueryUpdate(q)
	if _, err := c.Decode(); err != ErrUnsupportedCompression {
		t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
	}
}

func TestOneOffQueryResponseRejected(t *testing.T) {
	w := bsatn.NewWriter()
	w.WriteByte(serverTagOneOffQueryResponse)
	if _, err := DecodeServerMessage(w.Bytes()); err != ErrOneOffQueryResponse {
		t.Fatalf("expected ErrOneOffQueryResponse, got %v", err)
	}
}

func TestFingerprintPrimaryKeyRoundTrip(t *testing.T) {
	table := &TableRuntimeInfo{Name: "user", HasPrimary: true}
	a := DeriveFingerprint(table, int64(1), nil)
	b := DeriveFingerprint(table, int64(1), nil)
	c := DeriveFingerprint(table, int64(2), nil)
	if a != b {
		t.Fatal("same primary key must produce equal fingerprints")
	}
	if a == c {
		t.Fatal("different primary keys must produce different fingerprints")
	}
}

func TestFingerprintNoPrimaryKeyByBytes(t *testing.T) {
	table := &TableRuntimeInfo{Name: "log", HasPrimary: false}
	a := DeriveFingerprint(table, nil, []byte("hi"))
	b := DeriveFingerprint(table, nil, []byte("hi"))
	c := DeriveFingerprint(table, nil, []byte("bye"))
	if a != b {
		t.Fatal("identical row bytes must produce equal fingerprints")
	}
	if a == c {
		t.Fatal("different row bytes must produce different fingerprints")
	}
}
