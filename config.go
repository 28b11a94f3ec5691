package stdb

import (
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/transport"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// Compression selects the per-frame compression a connection requests
// from the server when establishing the subscribe handshake (spec.md
// §4.2, §6). Brotli is a wire-level possibility but this core never
// requests it and rejects it if a server ever sends it regardless.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

func (c Compression) frameTag() transport.FrameCompression {
	if c == CompressionGzip {
		return transport.FrameGzip
	}
	return transport.FrameNone
}

// CallReducerFlags controls whether a successful reducer call also
// notifies the caller with a full TransactionUpdate (spec.md §3, §4.1).
type CallReducerFlags = wire.CallReducerFlags

const (
	FullUpdate      = wire.FlagFullUpdate
	NoSuccessNotify = wire.FlagNoSuccessNotify
)
