package stdb

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/dispatch"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/monitoring"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/rowcache"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/subscription"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/transport"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// Builder configures and opens one DbConnection (spec.md §6
// "DbConnection.builder()"). The zero value is not usable; create one
// with NewBuilder.
type Builder struct {
	schema *wire.Schema

	uri           string
	nameOrAddress string
	token         string
	compression   Compression
	light         bool
	confirmed     bool
	logger        zerolog.Logger
	metrics       *Metrics

	onConnect             []func(*DbConnection)
	onDisconnect          []func(error)
	onConnectError        []func(error)
	onInitialSubscription []func()
}

// NewBuilder returns a Builder over the generated schema's table and
// reducer registry (spec.md §6 "inputs to the codec at the schema
// boundary").
func NewBuilder(schema *wire.Schema) *Builder {
	return &Builder{schema: schema, logger: zerolog.Nop()}
}

func (b *Builder) WithURI(uri string) *Builder                { b.uri = uri; return b }
func (b *Builder) WithNameOrAddress(name string) *Builder     { b.nameOrAddress = name; return b }
func (b *Builder) WithToken(token string) *Builder             { b.token = token; return b }
func (b *Builder) WithCompression(c Compression) *Builder     { b.compression = c; return b }
func (b *Builder) WithLightMode(light bool) *Builder           { b.light = light; return b }
func (b *Builder) WithConfirmedReads(confirmed bool) *Builder { b.confirmed = confirmed; return b }
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder   { b.logger = logger; return b }
func (b *Builder) WithMetrics(m *Metrics) *Builder             { b.metrics = m; return b }

func (b *Builder) OnConnect(fn func(*DbConnection)) *Builder {
	b.onConnect = append(b.onConnect, fn)
	return b
}

func (b *Builder) OnDisconnect(fn func(error)) *Builder {
	b.onDisconnect = append(b.onDisconnect, fn)
	return b
}

func (b *Builder) OnConnectError(fn func(error)) *Builder {
	b.onConnectError = append(b.onConnectError, fn)
	return b
}

// OnInitialSubscription registers a module-level callback fired once
// per InitialSubscription message, strictly before that message's
// staged row callbacks (spec.md §4.5).
func (b *Builder) OnInitialSubscription(fn func()) *Builder {
	b.onInitialSubscription = append(b.onInitialSubscription, fn)
	return b
}

// connState is the Connection state machine described in spec.md §4.5.
type connState int

const (
	stateInactive connState = iota
	stateActive
	stateTerminated
)

// DbConnection is the Connection facade (spec.md §4, §6): it owns the
// Transport, the Dispatcher (and through it every table's RowCache),
// and the SubscriptionManager for one physical WebSocket.
type DbConnection struct {
	schema *wire.Schema
	logger zerolog.Logger

	transport  *transport.Transport
	dispatcher *dispatch.Dispatcher
	subs       *subscription.Manager
	reducers   *reducerRegistry
	metrics    *Metrics

	mu            sync.RWMutex
	state         connState
	identity      *wire.Identity
	token         string
	connectionID  wire.ConnectionID
	connectErr    error
	meteredTables map[string]bool

	onConnect      []func(*DbConnection)
	onDisconnect   []func(error)
	onConnectError []func(error)

	cancel context.CancelFunc
}

// Build opens the connection: if a token was supplied, it exchanges it
// for a short-lived one before dialing, then starts the dispatch loop.
// It blocks until the transport handshake completes or fails.
func (b *Builder) Build(ctx context.Context) (*DbConnection, error) {
	if b.uri == "" {
		return nil, fmt.Errorf("stdb: Builder.WithURI is required")
	}
	if b.nameOrAddress == "" {
		return nil, fmt.Errorf("stdb: Builder.WithNameOrAddress is required")
	}

	var connID wire.ConnectionID
	if _, err := rand.Read(connID[:]); err != nil {
		return nil, fmt.Errorf("stdb: generating connection id: %w", err)
	}

	// If the caller supplied a long-lived token, exchange it for a
	// short-lived one and carry only that in the subscribe URL; the
	// original token is never sent as a URL parameter (spec.md §4.2).
	// With no token at all, connect anonymously and skip the exchange.
	token := b.token
	if token != "" {
		exchanged, err := transport.TokenExchange(ctx, b.uri, b.token)
		if err != nil {
			err = &TransportError{Op: "token exchange", Err: err}
			for _, fn := range b.onConnectError {
				fn(err)
			}
			return nil, err
		}
		token = exchanged
	}

	subs := subscription.New(b.logger)
	conn := &DbConnection{
		schema:         b.schema,
		logger:         b.logger,
		subs:           subs,
		reducers:       newReducerRegistry(),
		token:          token,
		connectionID:   connID,
		onConnect:      b.onConnect,
		onDisconnect:   b.onDisconnect,
		onConnectError: b.onConnectError,
		metrics:        b.metrics,
		meteredTables:  make(map[string]bool),
	}

	conn.dispatcher = dispatch.New(b.schema, subs, b.logger, dispatch.Callbacks{
		OnIdentity: conn.handleIdentity,
		OnReducer:  conn.handleReducer,
		OnFatal:    conn.handleFatal,
		OnInitialSubscription: func() {
			for _, fn := range b.onInitialSubscription {
				fn()
			}
		},
	})

	conn.transport = transport.New(b.logger, transport.Callbacks{
		OnOpen:    conn.handleOpen,
		OnClose:   conn.handleClose,
		OnMessage: conn.handleMessage,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	go conn.dispatcher.Run(runCtx)

	wsURL, err := transport.SubscribeURL(b.uri, b.nameOrAddress, b.compression.frameTag(), b.light, b.confirmed, token, hex.EncodeToString(connID[:]))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdb: building subscribe URL: %w", err)
	}

	if err := conn.transport.Dial(ctx, wsURL, nil); err != nil {
		cancel()
		err = &TransportError{Op: "dial", Err: err}
		conn.mu.Lock()
		conn.connectErr = err
		conn.mu.Unlock()
		for _, fn := range b.onConnectError {
			fn(err)
		}
		return nil, err
	}

	return conn, nil
}

func (c *DbConnection) handleOpen() {
	c.mu.Lock()
	c.state = stateActive
	c.mu.Unlock()
	for _, fn := range c.onConnect {
		fn(c)
	}
}

func (c *DbConnection) handleMessage(frame []byte) {
	if c.metrics != nil {
		c.metrics.FramesReceived.Inc()
		c.metrics.BytesReceived.Add(float64(len(frame)))
	}
	c.dispatcher.Submit(frame)
}

// recordSend updates the frames/bytes-sent counters, if metrics are
// configured, for a client message of n bytes.
func (c *DbConnection) recordSend(n int) {
	if c.metrics == nil {
		return
	}
	c.metrics.FramesSent.Inc()
	c.metrics.BytesSent.Add(float64(n))
}

func (c *DbConnection) handleClose(err error) {
	c.mu.Lock()
	wasActive := c.state == stateActive
	c.state = stateTerminated
	c.mu.Unlock()

	if err == nil {
		for _, fn := range c.onDisconnect {
			fn(nil)
		}
		return
	}

	wrapped := &TransportError{Op: "read", Err: err}
	if wasActive {
		for _, fn := range c.onDisconnect {
			fn(wrapped)
		}
	} else {
		c.mu.Lock()
		c.connectErr = wrapped
		c.mu.Unlock()
		for _, fn := range c.onConnectError {
			fn(wrapped)
		}
	}
}

func (c *DbConnection) handleFatal(err error) {
	monitoring.LogError(c.logger, err, "stdb: fatal protocol error", nil)
	if c.metrics != nil {
		c.metrics.ProtocolErrors.Inc()
	}
	wrapped := &ProtocolError{Err: err}
	c.mu.Lock()
	active := c.state == stateActive
	if !active {
		c.connectErr = wrapped
	}
	c.mu.Unlock()
	if active {
		for _, fn := range c.onDisconnect {
			fn(wrapped)
		}
	} else {
		for _, fn := range c.onConnectError {
			fn(wrapped)
		}
	}
}

func (c *DbConnection) handleIdentity(identity wire.Identity, token string, connectionID wire.ConnectionID) {
	c.mu.Lock()
	c.identity = &identity
	if token != "" {
		c.token = token
	}
	c.connectionID = connectionID
	c.mu.Unlock()
}

func (c *DbConnection) handleReducer(update wire.TransactionUpdate, args []any, callErr error) {
	c.reducers.fire(update.ReducerCall.ReducerName, update, args, callErr)
}

// IsActive reports whether the underlying transport is currently open.
func (c *DbConnection) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateActive
}

// Identity returns the server-assigned identity, if the IdentityToken
// message has already arrived.
func (c *DbConnection) Identity() (wire.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return wire.Identity{}, false
	}
	return *c.identity, true
}

// Token returns the current session token.
func (c *DbConnection) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ConnectionID returns this connection's 128-bit identifier.
func (c *DbConnection) ConnectionID() wire.ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// ConnectError returns the most recent connection-terminal error, if
// the transport closed or failed to dial before becoming active.
func (c *DbConnection) ConnectError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectErr
}

// Cache returns the row cache for a table, creating it on first
// reference.
func (c *DbConnection) Cache(tableName string) *rowcache.Cache {
	cache := c.dispatcher.Cache(tableName)
	c.wireCacheMetrics(tableName, cache)
	return cache
}

// wireCacheMetrics registers the gauge update for tableName's cache the
// first time it is referenced. It is idempotent per table name.
func (c *DbConnection) wireCacheMetrics(tableName string, cache *rowcache.Cache) {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	if c.meteredTables[tableName] {
		c.mu.Unlock()
		return
	}
	c.meteredTables[tableName] = true
	c.mu.Unlock()

	report := func() {
		c.metrics.RowsCached.WithLabelValues(tableName).Set(float64(cache.Count()))
	}
	cache.OnInsert(func(any) { report() })
	cache.OnDelete(func(any) { report() })
	cache.OnUpdate(func(any, any) { report() })
}

// CallReducer sends a CallReducer client message (spec.md §6). Calling
// it reentrantly from within a dispatch callback is permitted: sends
// are queued behind the transport's write side.
func (c *DbConnection) CallReducer(name string, argsBytes []byte, flags CallReducerFlags) error {
	msg := wire.ClientMessage{CallReducer: &wire.CallReducer{
		Reducer: name,
		Args:    argsBytes,
		Flags:   flags,
	}}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("stdb: encoding CallReducer: %w", err)
	}
	if c.metrics != nil {
		c.metrics.ReducerCalls.WithLabelValues(name).Inc()
	}
	c.recordSend(len(encoded))
	return c.transport.Send(encoded)
}

// OnReducer registers a callback fired when a TransactionUpdate names
// this reducer (spec.md §6).
func (c *DbConnection) OnReducer(name string, cb ReducerCallback) {
	c.reducers.on(name, cb)
}

// OffReducer removes a previously registered reducer callback by
// identity (spec.md §9 "removal is by identity of the callback value").
func (c *DbConnection) OffReducer(name string, cb ReducerCallback) {
	c.reducers.off(name, cb)
}

// OnConnect, OnDisconnect and OnConnectError add lifecycle callbacks to an
// already-built connection, alongside those registered on the Builder.
func (c *DbConnection) OnConnect(fn func(*DbConnection)) { c.onConnect = append(c.onConnect, fn) }
func (c *DbConnection) OnDisconnect(fn func(error))      { c.onDisconnect = append(c.onDisconnect, fn) }
func (c *DbConnection) OnConnectError(fn func(error)) {
	c.onConnectError = append(c.onConnectError, fn)
}

// SubscriptionBuilder returns a builder for registering a new
// subscription on this connection (spec.md §6).
func (c *DbConnection) SubscriptionBuilder() *SubscriptionBuilder {
	return &SubscriptionBuilder{conn: c}
}

// Disconnect closes the transport and stops the dispatch loop. Per
// spec.md §4.5, in-flight message-processing tasks run to completion
// but no further frames are delivered.
func (c *DbConnection) Disconnect() error {
	c.mu.Lock()
	c.state = stateTerminated
	c.mu.Unlock()
	c.cancel()
	return c.transport.Close()
}
