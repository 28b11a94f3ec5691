// Package dispatch implements the serial, order-preserving task queue
// described in spec.md §4.5: every inbound server message is decoded
// off the main goroutine, but applied to the row cache and fired to
// application callbacks in the exact order the server sent the
// messages, never interleaved or reordered. Per-table query updates,
// including gzip-compressed ones, are inflated when the message is
// applied on the Run goroutine, not during that off-goroutine decode.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/monitoring"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/rowcache"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/subscription"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// Callbacks is the application-facing surface a Dispatcher drives.
type Callbacks struct {
	OnIdentity func(identity wire.Identity, token string, connectionID wire.ConnectionID)
	OnReducer  func(update wire.TransactionUpdate, args []any, err error)
	// OnInitialSubscription fires once per InitialSubscription message,
	// strictly before that message's staged row callbacks (spec.md §4.5
	// "fire a module-level onApplied if registered").
	OnInitialSubscription func()
	// OnFatal is invoked for protocol violations that leave the
	// connection's state undefined — e.g. an OneOffQueryResponse, which
	// this subprotocol never expects (spec.md §7.2).
	OnFatal func(err error)
}

type decodedFrame struct {
	msg wire.ServerMessage
	err error
}

// Dispatcher owns the per-table row caches and the subscription
// manager for one connection, and is the single place server messages
// are applied.
type Dispatcher struct {
	schema   *wire.Schema
	subs     *subscription.Manager
	logger   zerolog.Logger
	callback Callbacks

	mu     sync.Mutex
	caches map[string]*rowcache.Cache

	queue *orderedQueue[decodedFrame]
}

// New builds a Dispatcher over schema, using mgr for subscription
// bookkeeping. Call Run to start processing frames submitted via Submit.
func New(schema *wire.Schema, mgr *subscription.Manager, logger zerolog.Logger, cb Callbacks) *Dispatcher {
	return &Dispatcher{
		schema:   schema,
		subs:     mgr,
		logger:   logger,
		callback: cb,
		caches:   make(map[string]*rowcache.Cache),
		queue:    newOrderedQueue[decodedFrame](256),
	}
}

// Cache returns the row cache for a table, creating it on first
// reference (spec.md §3 "Lifecycle").
func (d *Dispatcher) Cache(tableName string) *rowcache.Cache {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.caches[tableName]
	if !ok {
		info, known := d.schema.Table(tableName)
		hasPrimary := known && info.HasPrimary
		c = rowcache.New(tableName, hasPrimary, d.logger)
		d.caches[tableName] = c
	}
	return c
}

// Run starts the order-preserving processing loop. It returns once ctx
// is cancelled or the submission queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(d.logger, "dispatch.Run", nil)
	d.queue.run(ctx, func(frame decodedFrame) {
		if frame.err != nil {
			if d.callback.OnFatal != nil {
				d.callback.OnFatal(frame.err)
			}
			return
		}
		d.handle(frame.msg)
	})
}

// Submit decodes raw's message envelope off the calling goroutine (so a
// slow decode of one message does not block decoding the next) but
// reserves this frame's place in line immediately, guaranteeing Run processes frames
// in the exact order Submit was called (spec.md §4.5, §8 scenario on
// out-of-order decompression).
func (d *Dispatcher) Submit(raw []byte) {
	d.queue.submit(func() (frame decodedFrame) {
		defer monitoring.RecoverPanic(d.logger, "dispatch.decode", nil)
		msg, err := wire.DecodeServerMessage(raw)
		return decodedFrame{msg: msg, err: err}
	})
}

// Close releases the submission queue. Call after the transport's read
// loop has stopped.
func (d *Dispatcher) Close() {
	d.queue.close()
}

func (d *Dispatcher) handle(msg wire.ServerMessage) {
	switch {
	case msg.IdentityToken != nil:
		d.handleIdentityToken(msg.IdentityToken)
	case msg.InitialSubscription != nil:
		pending := d.handleDatabaseUpdate(msg.InitialSubscription.DatabaseUpdate)
		if d.callback.OnInitialSubscription != nil {
			d.callback.OnInitialSubscription()
		}
		fireAll(pending)
	case msg.TransactionUpdateLight != nil:
		fireAll(d.handleDatabaseUpdate(msg.TransactionUpdateLight.Update))
	case msg.TransactionUpdate != nil:
		d.handleTransactionUpdate(msg.TransactionUpdate)
	case msg.SubscribeMultiApplied != nil:
		d.handleSubscribeMultiApplied(msg.SubscribeMultiApplied)
	case msg.UnsubscribeMultiApplied != nil:
		d.handleUnsubscribeMultiApplied(msg.UnsubscribeMultiApplied)
	case msg.SubscriptionError != nil:
		d.handleSubscriptionError(msg.SubscriptionError)
	default:
		d.logger.Warn().Msg("dispatch: server message with no recognized variant set")
	}
}

func (d *Dispatcher) handleIdentityToken(m *wire.IdentityToken) {
	if d.callback.OnIdentity != nil {
		d.callback.OnIdentity(m.Identity, m.Token, m.ConnectionID)
	}
}

// fireAll runs every staged row-callback batch in the order it was
// collected. Callers must invoke it only after any higher-priority
// event for the same server message (subscription applied/end/error,
// the reducer callback) has already fired (spec.md §3 invariant 6).
func fireAll(pending []func()) {
	for _, fire := range pending {
		fire()
	}
}

// handleDatabaseUpdate applies every table's operations to its cache
// and returns one fire closure per table that had staged callbacks. It
// does not fire them itself: the caller decides what must fire first
// (spec.md §3 invariant 6, §4.4, §4.5).
func (d *Dispatcher) handleDatabaseUpdate(update wire.RawDatabaseUpdate) []func() {
	var pending []func()
	for _, tableUpdate := range update.Tables {
		table, ok := d.schema.Table(tableUpdate.TableName)
		if !ok {
			d.logger.Warn().Str("table", tableUpdate.TableName).Msg("dispatch: update for unknown table")
			continue
		}
		cache := d.Cache(tableUpdate.TableName)
		var ops []rowcache.Operation
		for _, cu := range tableUpdate.Updates {
			batch, err := decodeQueryUpdate(table, cu)
			if err != nil {
				d.logger.Error().Err(err).Str("table", tableUpdate.TableName).Msg("dispatch: dropping malformed query update")
				continue
			}
			ops = append(ops, batch...)
		}
		callbacks := cache.ApplyOperations(ops)
		if len(callbacks) == 0 {
			continue
		}
		pending = append(pending, func() { cache.Fire(callbacks) })
	}
	return pending
}

// unknownReducerSentinel is the reducer name the server uses for a
// transaction update it cannot attribute to any reducer call. Per
// spec.md §4.5, such a message is logged and dropped entirely — no
// cache mutation, no reducer event.
const unknownReducerSentinel = "<none>"

func (d *Dispatcher) handleTransactionUpdate(m *wire.TransactionUpdate) {
	if m.ReducerCall.ReducerName == unknownReducerSentinel {
		d.logger.Error().Msg("dispatch: transaction update with no attributable reducer, dropping")
		return
	}

	reducer, known := d.schema.Reducer(m.ReducerCall.ReducerName)

	var args []any
	var decodeErr error
	if m.ReducerCall.ReducerName != "" && known && reducer.DecodeArgs != nil {
		args, decodeErr = decodeReducerArgs(reducer, m.ReducerCall.Args)
		if decodeErr != nil {
			d.logger.Error().Err(decodeErr).Str("reducer", m.ReducerCall.ReducerName).Msg("dispatch: failed to decode reducer args")
		}
	}

	var pending []func()
	var callErr error
	switch {
	case m.Status.Committed != nil:
		pending = d.handleDatabaseUpdate(*m.Status.Committed)
	case m.Status.Failed != nil:
		callErr = fmt.Errorf("reducer failed: %s", *m.Status.Failed)
	case m.Status.OutOfEnergy:
		callErr = fmt.Errorf("reducer call ran out of energy")
	}

	// An empty/unknown reducer name or a failed arg decode is an
	// UnknownTransaction (spec.md §4.5): cache updates above still apply,
	// but no reducer-keyed event fires.
	if m.ReducerCall.ReducerName == "" || !known || decodeErr != nil {
		fireAll(pending)
		return
	}

	// The reducer-keyed callback fires strictly before the row callbacks
	// staged by this same message (spec.md §4.5, §3 invariant 6).
	if d.callback.OnReducer != nil {
		d.callback.OnReducer(*m, args, callErr)
	}
	fireAll(pending)
}

func (d *Dispatcher) handleSubscribeMultiApplied(m *wire.SubscribeMultiApplied) {
	pending := d.handleDatabaseUpdate(m.Update)
	h, err := d.subs.ApplySubscribed(m.QueryID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dispatch: SubscribeMultiApplied")
		fireAll(pending)
		return
	}
	// applied fires before the row callbacks staged by this same message
	// (spec.md §4.4, §3 invariant 6).
	subscription.Fire(h)
	fireAll(pending)
}

func (d *Dispatcher) handleUnsubscribeMultiApplied(m *wire.UnsubscribeMultiApplied) {
	pending := d.handleDatabaseUpdate(m.Update)
	h, err := d.subs.ApplyUnsubscribed(m.QueryID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dispatch: UnsubscribeMultiApplied")
		fireAll(pending)
		return
	}
	// end fires before the row callbacks staged by this same message
	// (spec.md §4.4, §3 invariant 6).
	subscription.Fire(h)
	fireAll(pending)
}

func (d *Dispatcher) handleSubscriptionError(m *wire.SubscriptionError) {
	affected := d.subs.ApplyError(m.QueryID, m.Error)
	for _, h := range affected {
		subscription.Fire(h)
	}
}
