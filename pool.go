package stdb

import (
	"sync"
	"time"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// PoolKey identifies one physical connection shared across multiple
// logical builders (spec.md §4.6).
type PoolKey struct {
	URI           string
	NameOrAddress string
}

// Snapshot is the connection-pool facade's point-in-time view of one
// pooled connection (spec.md §4.6 "getSnapshot").
type Snapshot struct {
	IsActive        bool
	Identity        *wire.Identity
	Token           string
	ConnectionID    wire.ConnectionID
	ConnectionError error
}

type poolEntry struct {
	conn         *DbConnection
	refCount     int
	releaseTimer *time.Timer
	listeners    []func(Snapshot)
	err          error
}

// Pool is the reference-counted connection-pool facade described in
// spec.md §4.6. It composes DbConnection but contains no protocol
// logic of its own: retain/release arbitrate who owns the underlying
// socket, and subscribe/getSnapshot expose its state to independent
// consumers without each of them dialing their own connection.
type Pool struct {
	mu           sync.Mutex
	entries      map[PoolKey]*poolEntry
	releaseDelay time.Duration
}

// NewPool returns an empty Pool. releaseDelay is how long a connection
// whose refcount reaches zero waits before its socket is torn down,
// giving a rapid release-then-retain cycle a chance to reuse it.
func NewPool(releaseDelay time.Duration) *Pool {
	return &Pool{entries: make(map[PoolKey]*poolEntry), releaseDelay: releaseDelay}
}

// Retain returns the connection for key, building it via build on first
// reference. Every call increments the refcount and cancels any pending
// scheduled release.
func (p *Pool) Retain(key PoolKey, build func() (*DbConnection, error)) (*DbConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if ok {
		if entry.releaseTimer != nil {
			entry.releaseTimer.Stop()
			entry.releaseTimer = nil
		}
		entry.refCount++
		return entry.conn, entry.err
	}

	conn, err := build()
	entry = &poolEntry{conn: conn, refCount: 1, err: err}
	p.entries[key] = entry
	if conn != nil {
		conn.OnConnect(func(*DbConnection) { p.notify(key) })
		conn.OnDisconnect(func(error) { p.notify(key) })
		conn.OnConnectError(func(connErr error) {
			p.mu.Lock()
			entry.err = connErr
			p.mu.Unlock()
			p.notify(key)
		})
	}
	return conn, err
}

// Release decrements key's refcount. Once it reaches zero, the
// connection's teardown is scheduled releaseDelay in the future rather
// than run immediately (spec.md §4.6).
func (p *Pool) Release(key PoolKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		return
	}

	entry.releaseTimer = time.AfterFunc(p.releaseDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		cur, ok := p.entries[key]
		if !ok || cur.refCount > 0 {
			return
		}
		if cur.conn != nil {
			cur.conn.Disconnect()
		}
		delete(p.entries, key)
	})
}

// Subscribe registers listener to be called whenever key's snapshot
// changes (spec.md §4.6).
func (p *Pool) Subscribe(key PoolKey, listener func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return
	}
	entry.listeners = append(entry.listeners, listener)
}

// GetSnapshot returns key's current state tuple.
func (p *Pool) GetSnapshot(key PoolKey) Snapshot {
	p.mu.Lock()
	entry, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}
	}
	return p.snapshotOf(entry)
}

func (p *Pool) snapshotOf(entry *poolEntry) Snapshot {
	if entry.conn == nil {
		return Snapshot{ConnectionError: entry.err}
	}
	identity, _ := entry.conn.Identity()
	var identityPtr *wire.Identity
	if entry.conn.IsActive() {
		identityPtr = &identity
	}
	return Snapshot{
		IsActive:        entry.conn.IsActive(),
		Identity:        identityPtr,
		Token:           entry.conn.Token(),
		ConnectionID:    entry.conn.ConnectionID(),
		ConnectionError: entry.err,
	}
}

func (p *Pool) notify(key PoolKey) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	snapshot := p.snapshotOf(entry)
	listeners := append([]func(Snapshot){}, entry.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
