package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
)

// compressionTag values for a CompressableQueryUpdate payload
// (spec.md §4.1 — distinct from the per-frame tag in internal/transport).
const (
	compressionNone   byte = 0
	compressionBrotli byte = 1
	compressionGzip   byte = 2
)

// BsatnRowList is the concatenated, back-to-back BSATN encoding of a
// table's inserted or deleted rows for one QueryUpdate.
type BsatnRowList struct {
	RowCount uint32
	RowsData []byte
}

func (l BsatnRowList) encode(w *bsatn.Writer) {
	w.WriteU32(l.RowCount)
	w.WriteBytes(l.RowsData)
}

func decodeBsatnRowList(r *bsatn.Reader) (BsatnRowList, error) {
	var l BsatnRowList
	n, err := r.ReadU32()
	if err != nil {
		return l, err
	}
	data, err := r.ReadBytes()
	if err != nil {
		return l, err
	}
	l.RowCount = n
	l.RowsData = data
	return l, nil
}

// QueryUpdate is one batch of row changes for a table within a
// DatabaseUpdate, before per-row decoding into Operations.
type QueryUpdate struct {
	Deletes BsatnRowList
	Inserts BsatnRowList
}

func (q QueryUpdate) encode() []byte {
	w := bsatn.NewWriter()
	q.Deletes.encode(w)
	q.Inserts.encode(w)
	return w.Bytes()
}

func decodeQueryUpdate(buf []byte) (QueryUpdate, error) {
	r := bsatn.NewReader(buf)
	var q QueryUpdate
	var err error
	if q.Deletes, err = decodeBsatnRowList(r); err != nil {
		return q, err
	}
	if q.Inserts, err = decodeBsatnRowList(r); err != nil {
		return q, err
	}
	return q, nil
}

// RawTableUpdate is one table's update payload, still compressed/tagged
// exactly as the server framed it.
type RawTableUpdate struct {
	TableName string
	Updates   []CompressableQueryUpdate
}

// CompressableQueryUpdate is a QueryUpdate that may be gzip-compressed.
// Brotli-tagged payloads are rejected: this core negotiates gzip or none.
type CompressableQueryUpdate struct {
	tag     byte
	payload []byte
}

// Decode inflates (if necessary) and decodes this entry into a QueryUpdate.
func (c CompressableQueryUpdate) Decode() (QueryUpdate, error) {
	switch c.tag {
	case compressionNone:
		return decodeQueryUpdate(c.payload)
	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(c.payload))
		if err != nil {
			return QueryUpdate{}, fmt.Errorf("wire: gzip init: %w", err)
		}
		defer zr.Close()
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return QueryUpdate{}, fmt.Errorf("wire: gzip inflate: %w", err)
		}
		return decodeQueryUpdate(inflated)
	case compressionBrotli:
		return QueryUpdate{}, ErrUnsupportedCompression
	default:
		return QueryUpdate{}, fmt.Errorf("%w: query update compression tag %d", ErrUnknownTag, c.tag)
	}
}

func encodeQueryUpdateUncompressed(q QueryUpdate) CompressableQueryUpdate {
	return CompressableQueryUpdate{tag: compressionNone, payload: q.encode()}
}

func (c CompressableQueryUpdate) encode(w *bsatn.Writer) {
	w.WriteByte(c.tag)
	w.WriteBytes(c.payload)
}

func decodeCompressableQueryUpdate(r *bsatn.Reader) (CompressableQueryUpdate, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return CompressableQueryUpdate{}, err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return CompressableQueryUpdate{}, err
	}
	return CompressableQueryUpdate{tag: tag, payload: payload}, nil
}

func (t RawTableUpdate) encode(w *bsatn.Writer) {
	w.WriteString(t.TableName)
	w.WriteU32(uint32(len(t.Updates)))
	for _, u := range t.Updates {
		u.encode(w)
	}
}

func decodeRawTableUpdate(r *bsatn.Reader) (RawTableUpdate, error) {
	var t RawTableUpdate
	name, err := r.ReadString()
	if err != nil {
		return t, err
	}
	n, err := r.ReadU32()
	if err != nil {
		return t, err
	}
	updates := make([]CompressableQueryUpdate, 0, n)
	for i := uint32(0); i < n; i++ {
		u, err := decodeCompressableQueryUpdate(r)
		if err != nil {
			return t, err
		}
		updates = append(updates, u)
	}
	t.TableName = name
	t.Updates = updates
	return t, nil
}

// RawDatabaseUpdate is a sequence of per-table update batches, still
// wire-shaped (rows not yet decoded).
type RawDatabaseUpdate struct {
	Tables []RawTableUpdate
}

func (d RawDatabaseUpdate) encode(w *bsatn.Writer) {
	w.WriteU32(uint32(len(d.Tables)))
	for _, t := range d.Tables {
		t.encode(w)
	}
}

func decodeRawDatabaseUpdate(r *bsatn.Reader) (RawDatabaseUpdate, error) {
	var d RawDatabaseUpdate
	n, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	tables := make([]RawTableUpdate, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := decodeRawTableUpdate(r)
		if err != nil {
			return d, err
		}
		tables = append(tables, t)
	}
	d.Tables = tables
	return d, nil
}

// NewUncompressedDatabaseUpdate wraps one QueryUpdate per table, with no
// compression — used when encoding client-originated test fixtures.
func NewUncompressedDatabaseUpdate(tables map[string]QueryUpdate) RawDatabaseUpdate {
	var d RawDatabaseUpdate
	for name, q := range tables {
		d.Tables = append(d.Tables, RawTableUpdate{
			TableName: name,
			Updates:   []CompressableQueryUpdate{encodeQueryUpdateUncompressed(q)},
		})
	}
	return d
}

// --- Status / reducer call info ---

const (
	statusCommitted   byte = 0
	statusFailed      byte = 1
	statusOutOfEnergy byte = 2
)

// UpdateStatus is the outcome of a reducer invocation.
type UpdateStatus struct {
	Committed *RawDatabaseUpdate
	Failed    *string
	OutOfEnergy bool
}

func (s UpdateStatus) encode(w *bsatn.Writer) {
	switch {
	case s.Committed != nil:
		w.WriteByte(statusCommitted)
		s.Committed.encode(w)
	case s.Failed != nil:
		w.WriteByte(statusFailed)
		w.WriteString(*s.Failed)
	default:
		w.WriteByte(statusOutOfEnergy)
	}
}

func decodeUpdateStatus(r *bsatn.Reader) (UpdateStatus, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return UpdateStatus{}, err
	}
	switch tag {
	case statusCommitted:
		d, err := decodeRawDatabaseUpdate(r)
		if err != nil {
			return UpdateStatus{}, err
		}
		return UpdateStatus{Committed: &d}, nil
	case statusFailed:
		s, err := r.ReadString()
		if err != nil {
			return UpdateStatus{}, err
		}
		return UpdateStatus{Failed: &s}, nil
	case statusOutOfEnergy:
		return UpdateStatus{OutOfEnergy: true}, nil
	default:
		return UpdateStatus{}, fmt.Errorf("%w: update status tag %d", ErrUnknownTag, tag)
	}
}

// ReducerCallInfo names the reducer invoked and its encoded arguments.
type ReducerCallInfo struct {
	ReducerName string
	Args        []byte
}

func (c ReducerCallInfo) encode(w *bsatn.Writer) {
	w.WriteString(c.ReducerName)
	w.WriteBytes(c.Args)
}

func decodeReducerCallInfo(r *bsatn.Reader) (ReducerCallInfo, error) {
	var c ReducerCallInfo
	name, err := r.ReadString()
	if err != nil {
		return c, err
	}
	args, err := r.ReadBytes()
	if err != nil {
		return c, err
	}
	c.ReducerName = name
	c.Args = args
	return c, nil
}

// --- ClientMessage ---

const (
	clientTagCallReducer      byte = 0
	clientTagSubscribeMulti   byte = 1
	clientTagUnsubscribeMulti byte = 2
)

// CallReducer asks the server to invoke a reducer by name.
type CallReducer struct {
	Reducer   string
	Args      []byte
	RequestID uint32
	Flags     CallReducerFlags
}

// SubscribeMulti registers one or more SQL queries under a single query id.
type SubscribeMulti struct {
	QueryStrings []string
	QueryID      QueryID
	RequestID    uint32
}

// UnsubscribeMulti retires a previously registered query id.
type UnsubscribeMulti struct {
	QueryID   QueryID
	RequestID uint32
}

// ClientMessage is the closed set of client-to-server messages. Exactly
// one field is non-nil.
type ClientMessage struct {
	CallReducer      *CallReducer
	SubscribeMulti   *SubscribeMulti
	UnsubscribeMulti *UnsubscribeMulti
}

// Encode serializes m into a client-to-server wire payload.
func (m ClientMessage) Encode() ([]byte, error) {
	w := bsatn.NewWriter()
	switch {
	case m.CallReducer != nil:
		w.WriteByte(clientTagCallReducer)
		w.WriteString(m.CallReducer.Reducer)
		w.WriteBytes(m.CallReducer.Args)
		w.WriteU32(m.CallReducer.RequestID)
		w.WriteByte(callReducerFlagsToWire(m.CallReducer.Flags))
	case m.SubscribeMulti != nil:
		w.WriteByte(clientTagSubscribeMulti)
		w.WriteU32(uint32(len(m.SubscribeMulti.QueryStrings)))
		for _, q := range m.SubscribeMulti.QueryStrings {
			w.WriteString(q)
		}
		w.WriteU32(uint32(m.SubscribeMulti.QueryID))
		w.WriteU32(m.SubscribeMulti.RequestID)
	case m.UnsubscribeMulti != nil:
		w.WriteByte(clientTagUnsubscribeMulti)
		w.WriteU32(uint32(m.UnsubscribeMulti.QueryID))
		w.WriteU32(m.UnsubscribeMulti.RequestID)
	default:
		return nil, fmt.Errorf("wire: empty ClientMessage")
	}
	return w.Bytes(), nil
}

// DecodeClientMessage parses a client-to-server wire payload. It exists
// primarily for round-trip tests: production code only ever encodes
// ClientMessage.
func DecodeClientMessage(buf []byte) (ClientMessage, error) {
	r := bsatn.NewReader(buf)
	tag, err := r.ReadByte()
	if err != nil {
		return ClientMessage{}, err
	}
	switch tag {
	case clientTagCallReducer:
		name, err := r.ReadString()
		if err != nil {
			return ClientMessage{}, err
		}
		args, err := r.ReadBytes()
		if err != nil {
			return ClientMessage{}, err
		}
		reqID, err := r.ReadU32()
		if err != nil {
			return ClientMessage{}, err
		}
		flagByte, err := r.ReadByte()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{CallReducer: &CallReducer{
			Reducer: name, Args: args, RequestID: reqID,
			Flags: callReducerFlagsFromWire(flagByte),
		}}, nil
	case clientTagSubscribeMulti:
		n, err := r.ReadU32()
		if err != nil {
			return ClientMessage{}, err
		}
		qs := make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			s, err := r.ReadString()
			if err != nil {
				return ClientMessage{}, err
			}
			qs = append(qs, s)
		}
		qid, err := r.ReadU32()
		if err != nil {
			return ClientMessage{}, err
		}
		reqID, err := r.ReadU32()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{SubscribeMulti: &SubscribeMulti{
			QueryStrings: qs, QueryID: QueryID(qid), RequestID: reqID,
		}}, nil
	case clientTagUnsubscribeMulti:
		qid, err := r.ReadU32()
		if err != nil {
			return ClientMessage{}, err
		}
		reqID, err := r.ReadU32()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{UnsubscribeMulti: &UnsubscribeMulti{
			QueryID: QueryID(qid), RequestID: reqID,
		}}, nil
	default:
		return ClientMessage{}, fmt.Errorf("%w: client message tag %d", ErrUnknownTag, tag)
	}
}

// --- ServerMessage ---

const (
	serverTagInitialSubscription     byte = 0
	serverTagTransactionUpdateLight  byte = 1
	serverTagTransactionUpdate       byte = 2
	serverTagIdentityToken           byte = 3
	serverTagSubscribeMultiApplied   byte = 4
	serverTagUnsubscribeMultiApplied byte = 5
	serverTagSubscriptionError       byte = 6
	serverTagOneOffQueryResponse     byte = 7
)

// InitialSubscription carries the first snapshot of a legacy
// whole-database subscription. It carries no query id; this core treats
// it as module-scoped (spec.md §4.5).
type InitialSubscription struct {
	DatabaseUpdate RawDatabaseUpdate
}

// TransactionUpdateLight is a lightweight update with no reducer context.
type TransactionUpdateLight struct {
	Update RawDatabaseUpdate
}

// TransactionUpdate reports the outcome of one reducer invocation along
// with any resulting row changes.
type TransactionUpdate struct {
	CallerIdentity     Identity
	CallerConnectionID ConnectionID
	ReducerCall        ReducerCallInfo
	EnergyQuantaUsed   uint64
	Status             UpdateStatus
	Timestamp          Timestamp
}

// IdentityToken is sent once after a connection is established.
type IdentityToken struct {
	Identity     Identity
	Token        string
	ConnectionID ConnectionID
}

// SubscribeMultiApplied confirms a SubscribeMulti and carries its initial rows.
type SubscribeMultiApplied struct {
	QueryID QueryID
	Update  RawDatabaseUpdate
}

// UnsubscribeMultiApplied confirms an UnsubscribeMulti and carries the
// final row removals for that query's result set.
type UnsubscribeMultiApplied struct {
	QueryID QueryID
	Update  RawDatabaseUpdate
}

// SubscriptionError reports a subscription-scoped or connection-scoped
// (QueryID == nil) failure.
type SubscriptionError struct {
	QueryID *QueryID
	Error   string
}

// ServerMessage is the closed set of server-to-client messages. Exactly
// one field is non-nil, except OneOffQueryResponse which the core never
// expects to receive and always rejects.
type ServerMessage struct {
	InitialSubscription     *InitialSubscription
	TransactionUpdateLight  *TransactionUpdateLight
	TransactionUpdate       *TransactionUpdate
	IdentityToken           *IdentityToken
	SubscribeMultiApplied   *SubscribeMultiApplied
	UnsubscribeMultiApplied *UnsubscribeMultiApplied
	SubscriptionError       *SubscriptionError
}

// Encode serializes m into a server-to-client wire payload. Production
// code never calls this (the server encodes ServerMessage); it exists so
// round-trip tests can construct fixtures without a live server.
func (m ServerMessage) Encode() ([]byte, error) {
	w := bsatn.NewWriter()
	switch {
	case m.InitialSubscription != nil:
		w.WriteByte(serverTagInitialSubscription)
		m.InitialSubscription.DatabaseUpdate.encode(w)
	case m.TransactionUpdateLight != nil:
		w.WriteByte(serverTagTransactionUpdateLight)
		m.TransactionUpdateLight.Update.encode(w)
	case m.TransactionUpdate != nil:
		w.WriteByte(serverTagTransactionUpdate)
		t := m.TransactionUpdate
		writeIdentity(w, t.CallerIdentity)
		writeConnectionID(w, t.CallerConnectionID)
		t.ReducerCall.encode(w)
		w.WriteU64(t.EnergyQuantaUsed)
		t.Status.encode(w)
		w.WriteI64(int64(t.Timestamp))
	case m.IdentityToken != nil:
		w.WriteByte(serverTagIdentityToken)
		writeIdentity(w, m.IdentityToken.Identity)
		w.WriteString(m.IdentityToken.Token)
		writeConnectionID(w, m.IdentityToken.ConnectionID)
	case m.SubscribeMultiApplied != nil:
		w.WriteByte(serverTagSubscribeMultiApplied)
		w.WriteU32(uint32(m.SubscribeMultiApplied.QueryID))
		m.SubscribeMultiApplied.Update.encode(w)
	case m.UnsubscribeMultiApplied != nil:
		w.WriteByte(serverTagUnsubscribeMultiApplied)
		w.WriteU32(uint32(m.UnsubscribeMultiApplied.QueryID))
		m.UnsubscribeMultiApplied.Update.encode(w)
	case m.SubscriptionError != nil:
		w.WriteByte(serverTagSubscriptionError)
		if m.SubscriptionError.QueryID != nil {
			w.WriteBool(true)
			w.WriteU32(uint32(*m.SubscriptionError.QueryID))
		} else {
			w.WriteBool(false)
		}
		w.WriteString(m.SubscriptionError.Error)
	default:
		return nil, fmt.Errorf("wire: empty ServerMessage")
	}
	return w.Bytes(), nil
}

// DecodeServerMessage parses a server-to-client wire payload.
func DecodeServerMessage(buf []byte) (ServerMessage, error) {
	r := bsatn.NewReader(buf)
	tag, err := r.ReadByte()
	if err != nil {
		return ServerMessage{}, err
	}
	switch tag {
	case serverTagInitialSubscription:
		d, err := decodeRawDatabaseUpdate(r)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{InitialSubscription: &InitialSubscription{DatabaseUpdate: d}}, nil
	case serverTagTransactionUpdateLight:
		d, err := decodeRawDatabaseUpdate(r)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{TransactionUpdateLight: &TransactionUpdateLight{Update: d}}, nil
	case serverTagTransactionUpdate:
		identity, err := readIdentity(r)
		if err != nil {
			return ServerMessage{}, err
		}
		connID, err := readConnectionID(r)
		if err != nil {
			return ServerMessage{}, err
		}
		call, err := decodeReducerCallInfo(r)
		if err != nil {
			return ServerMessage{}, err
		}
		energy, err := r.ReadU64()
		if err != nil {
			return ServerMessage{}, err
		}
		status, err := decodeUpdateStatus(r)
		if err != nil {
			return ServerMessage{}, err
		}
		ts, err := r.ReadI64()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{TransactionUpdate: &TransactionUpdate{
			CallerIdentity:     identity,
			CallerConnectionID: connID,
			ReducerCall:        call,
			EnergyQuantaUsed:   energy,
			Status:             status,
			Timestamp:          Timestamp(ts),
		}}, nil
	case serverTagIdentityToken:
		identity, err := readIdentity(r)
		if err != nil {
			return ServerMessage{}, err
		}
		token, err := r.ReadString()
		if err != nil {
			return ServerMessage{}, err
		}
		connID, err := readConnectionID(r)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{IdentityToken: &IdentityToken{
			Identity: identity, Token: token, ConnectionID: connID,
		}}, nil
	case serverTagSubscribeMultiApplied:
		qid, err := r.ReadU32()
		if err != nil {
			return ServerMessage{}, err
		}
		d, err := decodeRawDatabaseUpdate(r)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{SubscribeMultiApplied: &SubscribeMultiApplied{
			QueryID: QueryID(qid), Update: d,
		}}, nil
	case serverTagUnsubscribeMultiApplied:
		qid, err := r.ReadU32()
		if err != nil {
			return ServerMessage{}, err
		}
		d, err := decodeRawDatabaseUpdate(r)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{UnsubscribeMultiApplied: &UnsubscribeMultiApplied{
			QueryID: QueryID(qid), Update: d,
		}}, nil
	case serverTagSubscriptionError:
		hasQID, err := r.ReadBool()
		if err != nil {
			return ServerMessage{}, err
		}
		var qidPtr *QueryID
		if hasQID {
			qid, err := r.ReadU32()
			if err != nil {
				return ServerMessage{}, err
			}
			q := QueryID(qid)
			qidPtr = &q
		}
		msg, err := r.ReadString()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{SubscriptionError: &SubscriptionError{QueryID: qidPtr, Error: msg}}, nil
	case serverTagOneOffQueryResponse:
		return ServerMessage{}, ErrOneOffQueryResponse
	default:
		return ServerMessage{}, fmt.Errorf("%w: server message tag %d", ErrUnknownTag, tag)
	}
}

// EncodeGzipQueryUpdate compresses q with gzip and wraps it as a
// CompressableQueryUpdate — used by tests exercising the decompression path.
func EncodeGzipQueryUpdate(q QueryUpdate) (CompressableQueryUpdate, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(q.encode()); err != nil {
		return CompressableQueryUpdate{}, err
	}
	if err := zw.Close(); err != nil {
		return CompressableQueryUpdate{}, err
	}
	return CompressableQueryUpdate{tag: compressionGzip, payload: buf.Bytes()}, nil
}

// EncodeBrotliQueryUpdate tags payload as Brotli without compressing it —
// used by tests exercising rejection of the unsupported tag.
func EncodeBrotliQueryUpdate(q QueryUpdate) CompressableQueryUpdate {
	return CompressableQueryUpdate{tag: compressionBrotli, payload: q.encode()}
}

// NewUncompressedTableUpdate is a test/fixture helper building one
// RawTableUpdate from a single uncompressed QueryUpdate.
func NewUncompressedTableUpdate(tableName string, q QueryUpdate) RawTableUpdate {
	return RawTableUpdate{TableName: tableName, Updates: []CompressableQueryUpdate{encodeQueryUpdateUncompressed(q)}}
}
