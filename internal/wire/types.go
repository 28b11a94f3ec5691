// Package wire implements the closed set of SpacetimeDB client/server
// message variants, their binary encode/decode, and row-fingerprint
// derivation. It sits directly on top of internal/bsatn.
package wire

import (
	"encoding/hex"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
)

// Identity is an opaque 256-bit value identifying a principal.
type Identity [32]byte

func (id Identity) String() string { return hex.EncodeToString(id[:]) }

func readIdentity(r *bsatn.Reader) (Identity, error) {
	var id Identity
	b, err := r.ReadFixed(32)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func writeIdentity(w *bsatn.Writer, id Identity) { w.WriteFixed(id[:]) }

// ConnectionID is an opaque 128-bit value identifying one client<->server
// session. The all-zero value is the sentinel "none".
type ConnectionID [16]byte

// IsNone reports whether this is the sentinel "no connection id" value.
func (c ConnectionID) IsNone() bool { return c == ConnectionID{} }

func (c ConnectionID) String() string { return hex.EncodeToString(c[:]) }

func readConnectionID(r *bsatn.Reader) (ConnectionID, error) {
	var c ConnectionID
	b, err := r.ReadFixed(16)
	if err != nil {
		return c, err
	}
	copy(c[:], b)
	return c, nil
}

func writeConnectionID(w *bsatn.Writer, c ConnectionID) { w.WriteFixed(c[:]) }

// Timestamp is microseconds since the Unix epoch.
type Timestamp int64

// TimeDuration is a signed microsecond delta.
type TimeDuration int64

// QueryID is a per-connection, monotonically increasing, never-reused
// subscription identifier.
type QueryID uint32

// CallReducerFlags controls the server's notification behavior for a
// reducer call.
type CallReducerFlags uint8

const (
	// FlagFullUpdate requests the normal TransactionUpdate notification.
	FlagFullUpdate CallReducerFlags = 0
	// FlagNoSuccessNotify suppresses the notification on success.
	FlagNoSuccessNotify CallReducerFlags = 1
)

func callReducerFlagsToWire(f CallReducerFlags) byte {
	switch f {
	case FlagNoSuccessNotify:
		return 1
	default:
		return 0
	}
}

func callReducerFlagsFromWire(b byte) CallReducerFlags {
	if b == 1 {
		return FlagNoSuccessNotify
	}
	return FlagFullUpdate
}
