// Package transport owns the single WebSocket connection to a
// SpacetimeDB instance: the identity-token exchange, the subscribe
// handshake URL, the v1.bsatn.spacetimedb subprotocol dial, and the
// per-frame compression tag (spec.md §4.2). It knows nothing about
// message contents — internal/wire owns decoding the bytes a frame
// carries.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/monitoring"
)

// Subprotocol is the single WebSocket subprotocol this client speaks.
const Subprotocol = "v1.bsatn.spacetimedb"

// FrameCompression tags how a single outbound/inbound WebSocket frame is
// compressed, independent of any per-QueryUpdate compression the wire
// protocol layers on top (spec.md §4.2).
type FrameCompression byte

const (
	FrameNone   FrameCompression = 0
	FrameBrotli FrameCompression = 1
	FrameGzip   FrameCompression = 2
)

// Callbacks lets the owner of a Transport react to connection lifecycle
// events without the Transport importing the dispatch layer.
type Callbacks struct {
	OnOpen    func()
	OnClose   func(err error)
	OnMessage func(frame []byte)
}

// Transport owns the lifetime of one WebSocket connection. Writes queue
// behind an in-flight Dial so callers may enqueue sends before the
// handshake completes.
type Transport struct {
	logger zerolog.Logger

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	closed  bool
	pending [][]byte

	cb Callbacks
}

// New creates an unconnected Transport. Call Dial to establish the
// WebSocket connection.
func New(logger zerolog.Logger, cb Callbacks) *Transport {
	return &Transport{logger: logger, cb: cb}
}

// TokenExchange performs the short-lived-token HTTP exchange described
// in spec.md §4.2: POST {httpBaseURL}/v1/identity/websocket-token with
// an optional bearer token, returning the short-lived token to embed in
// the subscribe URL's query string.
func TokenExchange(ctx context.Context, httpBaseURL, bearerToken string) (string, error) {
	u := strings.TrimSuffix(httpBaseURL, "/") + "/v1/identity/websocket-token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", fmt.Errorf("transport: building token request: %w", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: token exchange returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transport: reading token response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// SubscribeURL builds the subscribe-endpoint URL described in spec.md
// §4.2: {httpBaseURL}/v1/database/{nameOrAddress}/subscribe with
// compression, light-mode, confirmed-read, token and connection-id query
// parameters, with http(s) rewritten to ws(s).
func SubscribeURL(httpBaseURL, nameOrAddress string, compression FrameCompression, light, confirmed bool, token, connectionID string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(httpBaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: parsing base URL: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base = base.JoinPath("v1", "database", url.PathEscape(nameOrAddress), "subscribe")

	q := base.Query()
	q.Set("compression", compressionName(compression))
	q.Set("light", boolString(light))
	q.Set("confirmed", boolString(confirmed))
	if token != "" {
		q.Set("token", token)
	}
	if connectionID != "" {
		q.Set("connection_id", connectionID)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func compressionName(c FrameCompression) string {
	switch c {
	case FrameGzip:
		return "Gzip"
	case FrameBrotli:
		return "Brotli"
	default:
		return "None"
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Dial opens the WebSocket connection and starts the read loop. It
// blocks until the handshake completes or fails.
func (t *Transport) Dial(ctx context.Context, wsURL string, header http.Header) error {
	dialer := ws.Dialer{
		Header:    ws.HandshakeHeaderHTTP(header),
		Protocols: []string{Subprotocol},
		Timeout:   15 * time.Second,
	}
	conn, _, _, err := dialer.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	go t.readLoop(conn)

	for _, frame := range pending {
		if err := t.writeFrame(conn, frame); err != nil {
			t.logger.Warn().Err(err).Msg("transport: failed flushing queued send after dial")
		}
	}

	if t.cb.OnOpen != nil {
		t.cb.OnOpen()
	}
	return nil
}

func (t *Transport) readLoop(conn io.ReadWriteCloser) {
	defer monitoring.RecoverPanic(t.logger, "transport.readLoop", nil)
	var closeErr error
	defer func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		if t.cb.OnClose != nil {
			t.cb.OnClose(closeErr)
		}
	}()

	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			closeErr = err
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpBinary {
			continue
		}
		frame, err := decodeFrame(msg)
		if err != nil {
			// A frame with a rejected or unknown compression tag, or one
			// that fails to inflate, is transport-fatal: close the socket
			// and report the error through OnClose.
			t.logger.Error().Err(err).Msg("transport: closing connection on undecodable frame")
			closeErr = err
			conn.Close()
			return
		}
		if t.cb.OnMessage != nil {
			t.cb.OnMessage(frame)
		}
	}
}

// decodeFrame strips the leading frame-compression tag byte and inflates
// the remainder per spec.md §4.2: 0=none, 1=brotli (rejected — the
// server is not expected to send it over this subprotocol), 2=gzip.
func decodeFrame(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("transport: empty frame")
	}
	tag, payload := FrameCompression(msg[0]), msg[1:]
	switch tag {
	case FrameNone:
		return payload, nil
	case FrameGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("transport: opening gzip frame: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("transport: inflating gzip frame: %w", err)
		}
		return out, nil
	case FrameBrotli:
		return nil, fmt.Errorf("transport: brotli frame compression is not supported")
	default:
		return nil, fmt.Errorf("transport: unknown frame compression tag %d", tag)
	}
}

// Send queues a message for delivery. If the connection has not yet
// completed its handshake, the message is buffered and flushed in order
// once Dial finishes.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil && !t.closed {
		t.pending = append(t.pending, payload)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport: connection closed")
	}
	return t.writeFrame(conn, payload)
}

func (t *Transport) writeFrame(conn io.ReadWriteCloser, payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(FrameNone))
	frame = append(frame, payload...)
	return wsutil.WriteClientMessage(conn, ws.OpBinary, frame)
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.closed = true
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
