package wire

import "github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"

// RowCodec decodes one encoded row for a specific table. It is provided
// by the generated schema layer (spec.md §6 "inputs to the codec at the
// schema boundary") and is otherwise opaque to the core.
//
// DecodeRow reads exactly one row from r, advancing r's position past it.
// row is the decoded row value, handed back to the application verbatim.
// If the table has a primary key, pk is that column's decoded value,
// already lifted into the comparable fingerprint domain (int64, uint64,
// bool, string, Identity, ConnectionID, or an enum tag). If the table has
// no primary key, pk must be nil; the core derives the fingerprint from
// the raw bytes DecodeRow consumed instead.
type RowCodec interface {
	DecodeRow(r *bsatn.Reader) (row any, pk any, err error)
}

// TableRuntimeInfo describes one table for the duration of a connection:
// its name and how to decode its rows and primary key (spec.md §3).
type TableRuntimeInfo struct {
	Name       string
	HasPrimary bool
	Codec      RowCodec
}

// ReducerArgsDecoder decodes a reducer's argument product type into a
// slice of positional values, handed to the registered reducer callback.
type ReducerArgsDecoder func(r *bsatn.Reader) ([]any, error)

// ReducerRuntimeInfo describes one reducer: its name and argument schema.
type ReducerRuntimeInfo struct {
	Name       string
	DecodeArgs ReducerArgsDecoder
}

// Schema is the read-only table/reducer registry the Dispatcher consults
// to decode inbound row and reducer-argument bytes. It is built once by
// the generated schema layer and handed to the core at connection time.
type Schema struct {
	Tables   map[string]*TableRuntimeInfo
	Reducers map[string]*ReducerRuntimeInfo
}

// NewSchema returns an empty, ready-to-populate Schema.
func NewSchema() *Schema {
	return &Schema{
		Tables:   make(map[string]*TableRuntimeInfo),
		Reducers: make(map[string]*ReducerRuntimeInfo),
	}
}

// Table looks up table runtime info by name, creating no entry if absent.
func (s *Schema) Table(name string) (*TableRuntimeInfo, bool) {
	t, ok := s.Tables[name]
	return t, ok
}

// Reducer looks up reducer runtime info by name.
func (s *Schema) Reducer(name string) (*ReducerRuntimeInfo, bool) {
	r, ok := s.Reducers[name]
	return r, ok
}
