package wire

import "encoding/base64"

// Fingerprint is the stable, hashable, comparable identity of a row
// within one table's cache (spec.md §3 "RowFingerprint"). It wraps
// exactly one of: int64, uint64, bool, string, Identity, ConnectionID,
// or an enum tag (uint8) — all directly comparable with ==, which is
// what makes Fingerprint itself usable as a map key.
type Fingerprint struct {
	key any
}

// FingerprintFromPrimaryKey lifts an already-decoded primary-key column
// value into a Fingerprint. pk must be one of the comparable kinds above.
func FingerprintFromPrimaryKey(pk any) Fingerprint {
	return Fingerprint{key: pk}
}

// FingerprintFromBytes derives a Fingerprint for a table with no primary
// key from the exact byte range consumed while decoding the row, via a
// canonical base64 string (spec.md §3, §4.1).
func FingerprintFromBytes(rowBytes []byte) Fingerprint {
	return Fingerprint{key: base64.StdEncoding.EncodeToString(rowBytes)}
}

// DeriveFingerprint computes the Fingerprint for one decoded row given
// its table's schema: the decoded primary key if the table has one,
// otherwise the canonical encoding of rowBytes (the exact bytes the
// table's RowCodec consumed decoding this row).
func DeriveFingerprint(table *TableRuntimeInfo, pk any, rowBytes []byte) Fingerprint {
	if table.HasPrimary {
		return FingerprintFromPrimaryKey(pk)
	}
	return FingerprintFromBytes(rowBytes)
}
