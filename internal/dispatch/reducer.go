package dispatch

import (
	"fmt"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// decodeReducerArgs decodes a reducer call's raw argument bytes into
// positional values using the schema-supplied decoder.
func decodeReducerArgs(reducer *wire.ReducerRuntimeInfo, raw []byte) ([]any, error) {
	r := bsatn.NewReader(raw)
	args, err := reducer.DecodeArgs(r)
	if err != nil {
		return nil, fmt.Errorf("dispatch: decoding args for reducer %q: %w", reducer.Name, err)
	}
	return args, nil
}
