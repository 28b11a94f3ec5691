// Package rowcache implements the per-table, reference-counted row
// cache described in spec.md §4.3: it holds the set of rows currently
// visible through at least one active subscription, coalesces
// primary-key updates within a single server batch, and stages
// insert/delete/update callbacks for the caller to fire once the
// surrounding message's state transitions have been applied.
package rowcache

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// Operation is one decoded row change from a server batch, tagged
// insert or delete, with its fingerprint already computed.
type Operation struct {
	Fingerprint wire.Fingerprint
	Row         any
	Insert      bool // true = insert, false = delete
}

// cachedRow is (row, refCount) — spec.md §3 "CachedRow", refCount >= 1.
type cachedRow struct {
	row      any
	refCount int
}

// CallbackKind distinguishes the three row-event shapes a Cache stages.
type CallbackKind int

const (
	Inserted CallbackKind = iota
	Deleted
	Updated
)

// Callback is one staged row event, to be fired only after the
// surrounding message's cache mutations and subscription state
// transitions have all been applied (spec.md §3 invariant 6).
type Callback struct {
	Kind CallbackKind
	Old  any // Updated only
	New  any // Inserted, Updated
	Row  any // Deleted
}

type insertListener func(row any)
type deleteListener func(row any)
type updateListener func(old, new any)

// Cache holds one table's currently-visible rows for the lifetime of a
// connection. It is created lazily on first reference (spec.md §3
// "Lifecycle") and is owned exclusively by the single dispatch task —
// no internal locking is required for correctness, but a RWMutex guards
// the map so index views and Count/Iter can be called from outside the
// dispatch goroutine (e.g. a UI thread reading a snapshot).
type Cache struct {
	mu         sync.RWMutex
	tableName  string
	hasPrimary bool
	rows       map[wire.Fingerprint]*cachedRow
	logger     zerolog.Logger

	onInsert []insertListener
	onDelete []deleteListener
	onUpdate []updateListener
}

// New creates an empty cache for one table.
func New(tableName string, hasPrimary bool, logger zerolog.Logger) *Cache {
	return &Cache{
		tableName:  tableName,
		hasPrimary: hasPrimary,
		rows:       make(map[wire.Fingerprint]*cachedRow),
		logger:     logger,
	}
}

// Count returns the number of distinct rows currently cached.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Iter calls fn for every currently cached row. fn must not mutate the cache.
func (c *Cache) Iter(fn func(row any)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cr := range c.rows {
		fn(cr.row)
	}
}

// RefCount returns the reference count for fp, or 0 if absent.
func (c *Cache) RefCount(fp wire.Fingerprint) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cr, ok := c.rows[fp]; ok {
		return cr.refCount
	}
	return 0
}

// Snapshot returns the row stored for fp, if present.
func (c *Cache) Snapshot(fp wire.Fingerprint) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cr, ok := c.rows[fp]
	if !ok {
		return nil, false
	}
	return cr.row, true
}

// OnInsert registers a callback fired once per fingerprint newly made
// visible by this cache (spec.md §4.3 insert()).
func (c *Cache) OnInsert(fn func(row any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInsert = append(c.onInsert, fn)
}

// OnDelete registers a callback fired once a fingerprint is no longer
// visible through any active subscription.
func (c *Cache) OnDelete(fn func(row any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDelete = append(c.onDelete, fn)
}

// OnUpdate registers a callback fired when a primary-key row is replaced
// in place (spec.md §3 invariant 4).
func (c *Cache) OnUpdate(fn func(old, new any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, fn)
}

// ApplyOperations mutates the cache for one server-delivered batch and
// returns the callbacks to fire once the caller has finished applying
// any subscription state transitions for the same message (spec.md §4.3
// "Staging vs firing"). Mutation is synchronous; firing is the caller's
// responsibility.
func (c *Cache) ApplyOperations(ops []Operation) []Callback {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasPrimary {
		return c.applyWithPrimaryKey(ops)
	}
	return c.applyWithoutPrimaryKey(ops)
}

type aggregated struct {
	row   any
	count int
}

// applyWithPrimaryKey implements spec.md §4.3's required algorithm:
// partition the batch into per-fingerprint insert/delete aggregates,
// pair up fingerprints present in both as an update, and apply the rest
// as plain inserts or deletes.
func (c *Cache) applyWithPrimaryKey(ops []Operation) []Callback {
	inserts := make(map[wire.Fingerprint]*aggregated)
	deletes := make(map[wire.Fingerprint]*aggregated)

	for _, op := range ops {
		m := deletes
		if op.Insert {
			m = inserts
		}
		if a, ok := m[op.Fingerprint]; ok {
			a.count++
			a.row = op.Row
		} else {
			m[op.Fingerprint] = &aggregated{row: op.Row, count: 1}
		}
	}

	var out []Callback
	for fp, ins := range inserts {
		if del, ok := deletes[fp]; ok {
			delete(deletes, fp)
			if cb, ok := c.update(fp, ins.row, ins.count-del.count); ok {
				out = append(out, cb)
			}
			continue
		}
		if cb, ok := c.insert(fp, ins.row, ins.count); ok {
			out = append(out, cb)
		}
	}
	for fp, del := range deletes {
		if cb, ok := c.delete(fp, del.row, del.count); ok {
			out = append(out, cb)
		}
	}
	return out
}

// applyWithoutPrimaryKey applies each operation independently, count 1.
func (c *Cache) applyWithoutPrimaryKey(ops []Operation) []Callback {
	var out []Callback
	for _, op := range ops {
		if op.Insert {
			if cb, ok := c.insert(op.Fingerprint, op.Row, 1); ok {
				out = append(out, cb)
			}
		} else {
			if cb, ok := c.delete(op.Fingerprint, op.Row, 1); ok {
				out = append(out, cb)
			}
		}
	}
	return out
}

// insert implements spec.md §4.3 insert(fp, row, n). Caller holds c.mu.
func (c *Cache) insert(fp wire.Fingerprint, row any, n int) (Callback, bool) {
	if cr, ok := c.rows[fp]; ok {
		cr.refCount += n
		return Callback{}, false
	}
	c.rows[fp] = &cachedRow{row: row, refCount: n}
	return Callback{Kind: Inserted, New: row}, true
}

// delete implements spec.md §4.3 delete(fp, row, n). Caller holds c.mu.
func (c *Cache) delete(fp wire.Fingerprint, row any, n int) (Callback, bool) {
	cr, ok := c.rows[fp]
	if !ok {
		c.logger.Warn().
			Str("table", c.tableName).
			Msg("delete of absent fingerprint — cache invariant violation, server bug or missed message")
		return Callback{}, false
	}
	if cr.refCount <= n {
		delete(c.rows, fp)
		return Callback{Kind: Deleted, Row: cr.row}, true
	}
	cr.refCount -= n
	return Callback{}, false
}

// update implements spec.md §4.3 update(fp, newRow, refCountDelta). Caller holds c.mu.
func (c *Cache) update(fp wire.Fingerprint, newRow any, refCountDelta int) (Callback, bool) {
	cr, ok := c.rows[fp]
	if !ok {
		// Invariant violation: an update requires the fingerprint to already
		// be present. Per spec.md §4.3, treat it as an insert instead.
		c.logger.Error().
			Str("table", c.tableName).
			Msg("update of absent fingerprint — treating as insert")
		c.rows[fp] = &cachedRow{row: newRow, refCount: maxInt(1, refCountDelta)}
		return Callback{Kind: Inserted, New: newRow}, true
	}
	oldRow := cr.row
	newRefCount := cr.refCount + refCountDelta
	if newRefCount < 1 {
		newRefCount = 1
	}
	cr.row = newRow
	cr.refCount = newRefCount
	return Callback{Kind: Updated, Old: oldRow, New: newRow}, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Fire invokes the registered listeners for each staged callback, in the
// order the operations were applied (spec.md §3 invariant 6).
func (c *Cache) Fire(callbacks []Callback) {
	if len(callbacks) == 0 {
		return
	}
	c.mu.RLock()
	inserts := append([]insertListener(nil), c.onInsert...)
	deletes := append([]deleteListener(nil), c.onDelete...)
	updates := append([]updateListener(nil), c.onUpdate...)
	c.mu.RUnlock()

	for _, cb := range callbacks {
		switch cb.Kind {
		case Inserted:
			for _, fn := range inserts {
				fn(cb.New)
			}
		case Deleted:
			for _, fn := range deletes {
				fn(cb.Row)
			}
		case Updated:
			for _, fn := range updates {
				fn(cb.Old, cb.New)
			}
		}
	}
}
