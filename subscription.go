package stdb

import (
	"sync/atomic"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/subscription"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// SubscriptionBuilder configures a subscription before sending it
// (spec.md §6 "SubscriptionBuilder").
type SubscriptionBuilder struct {
	conn      *DbConnection
	onApplied []func()
	onError   []func(error)
}

// OnApplied registers a callback fired once the subscription is
// confirmed active.
func (b *SubscriptionBuilder) OnApplied(fn func()) *SubscriptionBuilder {
	b.onApplied = append(b.onApplied, fn)
	return b
}

// OnError registers a callback fired if the server rejects the
// subscription.
func (b *SubscriptionBuilder) OnError(fn func(error)) *SubscriptionBuilder {
	b.onError = append(b.onError, fn)
	return b
}

// Subscribe sends a SubscribeMulti for the given SQL query strings. An
// empty list fails before any network I/O (spec.md §8).
func (b *SubscriptionBuilder) Subscribe(queries ...string) (*SubscriptionHandle, error) {
	if len(queries) == 0 {
		return nil, ErrEmptySubscription
	}

	handle, msg := b.conn.subs.Register(queries)
	for _, fn := range b.onApplied {
		handle.OnApplied(fn)
	}
	for _, fn := range b.onError {
		handle.OnError(func(err error) { fn(err) })
	}
	if m := b.conn.metrics; m != nil {
		handle.OnApplied(func() { m.SubscriptionsActive.Inc() })
		handle.OnEnded(func() { m.SubscriptionsActive.Dec() })
	}

	h := &SubscriptionHandle{conn: b.conn, inner: handle}

	encoded, err := wire.ClientMessage{SubscribeMulti: &msg}.Encode()
	if err != nil {
		return nil, err
	}
	b.conn.recordSend(len(encoded))
	if err := b.conn.transport.Send(encoded); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	return h, nil
}

// SubscribeToAllTables sends a single `SELECT * FROM *` subscription
// (spec.md §6).
func (b *SubscriptionBuilder) SubscribeToAllTables() (*SubscriptionHandle, error) {
	return b.Subscribe("SELECT * FROM *")
}

// SubscriptionHandle is the caller's view of one registered
// subscription (spec.md §6 "SubscriptionHandle").
type SubscriptionHandle struct {
	conn  *DbConnection
	inner *subscription.Handle

	unsubscribed atomic.Bool
}

// IsActive reports whether the server has confirmed this subscription.
func (h *SubscriptionHandle) IsActive() bool {
	return h.inner.State == subscription.Active
}

// IsEnded reports whether the server has confirmed this subscription's
// removal.
func (h *SubscriptionHandle) IsEnded() bool {
	return h.inner.State == subscription.Ended
}

// Unsubscribe sends an UnsubscribeMulti and returns once it is sent; the
// subscription ends only when UnsubscribeMultiApplied arrives — register
// via OnEnded to observe that. Calling it twice on the same handle fails deterministically
// (spec.md §8).
func (h *SubscriptionHandle) Unsubscribe() error {
	if !h.unsubscribed.CompareAndSwap(false, true) {
		return ErrAlreadyUnsubscribed
	}
	msg, ok := h.conn.subs.Unregister(h.inner.QueryID)
	if !ok {
		return ErrAlreadyUnsubscribed
	}
	encoded, err := wire.ClientMessage{UnsubscribeMulti: &msg}.Encode()
	if err != nil {
		return err
	}
	h.conn.recordSend(len(encoded))
	return h.conn.transport.Send(encoded)
}

// UnsubscribeThen sends an UnsubscribeMulti and registers onEnd to fire
// once the server confirms removal (spec.md §6 "unsubscribeThen").
func (h *SubscriptionHandle) UnsubscribeThen(onEnd func()) error {
	h.inner.OnEnded(onEnd)
	return h.Unsubscribe()
}

// OnEnded registers a callback fired once the server confirms removal.
func (h *SubscriptionHandle) OnEnded(fn func()) {
	h.inner.OnEnded(fn)
}
