package dispatch

import (
	"fmt"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/rowcache"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// decodeRowList decodes every row in list using table's codec, tagging
// each as insert or delete and deriving its fingerprint per spec.md
// §4.1/§4.3: the primary key if the table has one, otherwise the exact
// bytes the codec consumed for that row.
func decodeRowList(table *wire.TableRuntimeInfo, list wire.BsatnRowList, insert bool) ([]rowcache.Operation, error) {
	r := bsatn.NewReader(list.RowsData)
	ops := make([]rowcache.Operation, 0, list.RowCount)
	for i := uint32(0); i < list.RowCount; i++ {
		start := r.Pos()
		row, pk, err := table.Codec.DecodeRow(r)
		if err != nil {
			return nil, fmt.Errorf("dispatch: decoding row %d of table %q: %w", i, table.Name, err)
		}
		consumed := r.Since(start)
		fp := wire.DeriveFingerprint(table, pk, consumed)
		ops = append(ops, rowcache.Operation{Fingerprint: fp, Row: row, Insert: insert})
	}
	return ops, nil
}

// decodeQueryUpdate decodes one table's compressed query update into
// insert/delete operations ready for rowcache.Cache.ApplyOperations.
func decodeQueryUpdate(table *wire.TableRuntimeInfo, cu wire.CompressableQueryUpdate) ([]rowcache.Operation, error) {
	qu, err := cu.Decode()
	if err != nil {
		return nil, fmt.Errorf("dispatch: decoding query update for table %q: %w", table.Name, err)
	}
	deletes, err := decodeRowList(table, qu.Deletes, false)
	if err != nil {
		return nil, err
	}
	inserts, err := decodeRowList(table, qu.Inserts, true)
	if err != nil {
		return nil, err
	}
	return append(deletes, inserts...), nil
}
