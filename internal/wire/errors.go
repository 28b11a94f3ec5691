package wire

import "errors"

// ErrUnsupportedCompression is returned when a QueryUpdate is tagged
// Brotli: the core negotiates gzip or none only (spec.md §4.1). A
// Brotli-tagged WebSocket frame is rejected by internal/transport with
// its own error.
var ErrUnsupportedCompression = errors.New("wire: brotli compression is not supported")

// ErrOneOffQueryResponse is returned when the server sends an
// OneOffQueryResponse: the core never issues one-off queries, so receiving
// one is a protocol error (spec.md §4.1).
var ErrOneOffQueryResponse = errors.New("wire: unexpected OneOffQueryResponse from server")

// ErrUnknownTag is returned for an unrecognized message or compression tag byte.
var ErrUnknownTag = errors.New("wire: unknown tag byte")
