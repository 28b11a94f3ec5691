// Package subscription implements the SubscriptionManager described in
// spec.md §4.4: it allocates query ids, tracks in-flight subscribe and
// unsubscribe requests, and resolves them against the server's
// SubscribeMultiApplied / UnsubscribeMultiApplied / SubscriptionError
// messages — including the connection-scoped broadcast error that
// carries no query id.
package subscription

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// State is a subscription's lifecycle stage (spec.md §3 "Subscription").
type State int

const (
	Pending State = iota
	Active
	Ended
	Errored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Ended:
		return "ended"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Handle is one registered subscription's bookkeeping record.
type Handle struct {
	QueryID wire.QueryID
	Queries []string
	State   State
	Err     error

	onApplied     []func()
	onEnded       []func()
	onError       []func(error)
	unsubID       uint32
	unsubInFlight bool
}

// OnApplied registers a callback fired once the server confirms the
// subscription (SubscribeMultiApplied).
func (h *Handle) OnApplied(fn func()) { h.onApplied = append(h.onApplied, fn) }

// OnEnded registers a callback fired once the server confirms an
// unsubscribe (UnsubscribeMultiApplied).
func (h *Handle) OnEnded(fn func()) { h.onEnded = append(h.onEnded, fn) }

// OnError registers a callback fired if the server rejects the
// subscription or unsubscription (SubscriptionError).
func (h *Handle) OnError(fn func(error)) { h.onError = append(h.onError, fn) }

// Manager multiplexes every live subscription for one connection. It is
// driven exclusively from the single dispatch task, so no locking is
// required for the query-id map itself, but a mutex guards it to allow
// safe inspection (e.g. metrics) from other goroutines.
type Manager struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	nextID     uint32
	subs       map[wire.QueryID]*Handle
	requestIDs uint32
}

// New returns an empty Manager.
func New(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger,
		subs:   make(map[wire.QueryID]*Handle),
	}
}

// Register allocates a fresh query id and returns the pending Handle for
// it, along with the SubscribeMulti client message to send.
func (m *Manager) Register(queries []string) (*Handle, wire.SubscribeMulti) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	qid := wire.QueryID(m.nextID)
	m.requestIDs++
	reqID := m.requestIDs

	h := &Handle{QueryID: qid, Queries: queries, State: Pending}
	m.subs[qid] = h

	return h, wire.SubscribeMulti{QueryStrings: queries, QueryID: qid, RequestID: reqID}
}

// Unregister marks a subscription as pending removal and returns the
// UnsubscribeMulti client message to send. It returns false if qid is
// unknown.
func (m *Manager) Unregister(qid wire.QueryID) (wire.UnsubscribeMulti, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.subs[qid]
	if !ok {
		return wire.UnsubscribeMulti{}, false
	}
	m.requestIDs++
	h.unsubInFlight = true
	h.unsubID = m.requestIDs
	return wire.UnsubscribeMulti{QueryID: qid, RequestID: h.unsubID}, true
}

// Lookup returns the Handle registered for qid, if any.
func (m *Manager) Lookup(qid wire.QueryID) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.subs[qid]
	return h, ok
}

// ApplySubscribed transitions a subscription to Active and returns its
// Handle, ready to be passed to Fire.
func (m *Manager) ApplySubscribed(qid wire.QueryID) (*Handle, error) {
	m.mu.Lock()
	h, ok := m.subs[qid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("subscription: SubscribeMultiApplied for unknown query id %d", qid)
	}
	h.State = Active
	return h, nil
}

// ApplyUnsubscribed transitions a subscription to Ended and removes it
// from the manager.
func (m *Manager) ApplyUnsubscribed(qid wire.QueryID) (*Handle, error) {
	m.mu.Lock()
	h, ok := m.subs[qid]
	if ok {
		delete(m.subs, qid)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("subscription: UnsubscribeMultiApplied for unknown query id %d", qid)
	}
	h.State = Ended
	return h, nil
}

// ApplyError resolves a SubscriptionError. If qid is nil, the error is
// connection-scoped per spec.md §4.4 / §7 item 4: every currently
// tracked subscription — pending or active — is errored out, since the
// server cannot attribute the failure to one query.
func (m *Manager) ApplyError(qid *wire.QueryID, message string) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := fmt.Errorf("subscription: %s", message)

	if qid == nil {
		var affected []*Handle
		for id, h := range m.subs {
			h.State = Errored
			h.Err = err
			affected = append(affected, h)
			delete(m.subs, id)
		}
		return affected
	}

	h, ok := m.subs[*qid]
	if !ok {
		m.logger.Warn().Uint32("query_id", uint32(*qid)).Msg("subscription error for unknown query id")
		return nil
	}
	h.State = Errored
	h.Err = err
	delete(m.subs, *qid)
	return []*Handle{h}
}

// Fire invokes the appropriate listeners for h's current terminal state.
func Fire(h *Handle) {
	switch h.State {
	case Active:
		for _, fn := range h.onApplied {
			fn()
		}
	case Ended:
		for _, fn := range h.onEnded {
			fn()
		}
	case Errored:
		for _, fn := range h.onError {
			fn(h.Err)
		}
	}
}

// Count returns the number of subscriptions currently tracked (pending or active).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
