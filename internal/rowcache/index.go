package rowcache

// Bound describes one end of a range scan over a non-unique index.
type Bound struct {
	Unbounded bool
	Inclusive bool
	Value     any
}

// Unbounded is the open bound for a range scan with no lower or upper limit.
var Unbounded = Bound{Unbounded: true}

// Included returns an inclusive bound at value.
func Included(value any) Bound { return Bound{Inclusive: true, Value: value} }

// Excluded returns an exclusive bound at value.
func Excluded(value any) Bound { return Bound{Inclusive: false, Value: value} }

// UniqueIndex is a read view over a Cache keyed by a column guaranteed
// unique by the table's schema (spec.md §6 supplemented feature: index
// views). Lookups are implemented as a guarded linear scan over the
// cache rather than a maintained B-tree, since the cache is expected to
// hold a client's visible subset of a table rather than its entirety.
type UniqueIndex struct {
	cache *Cache
	keyOf func(row any) any
}

// NewUniqueIndex builds a unique-column index view over cache.
func NewUniqueIndex(cache *Cache, keyOf func(row any) any) *UniqueIndex {
	return &UniqueIndex{cache: cache, keyOf: keyOf}
}

// Find returns the row whose indexed column equals key, if cached.
func (idx *UniqueIndex) Find(key any) (any, bool) {
	idx.cache.mu.RLock()
	defer idx.cache.mu.RUnlock()
	for _, cr := range idx.cache.rows {
		if idx.keyOf(cr.row) == key {
			return cr.row, true
		}
	}
	return nil, false
}

// NonUniqueIndex is a read view over a Cache keyed by a column that may
// repeat across rows, supporting equality and bounded-range scans.
type NonUniqueIndex struct {
	cache  *Cache
	keyOf  func(row any) any
	lessFn func(a, b any) bool
}

// NewNonUniqueIndex builds a non-unique-column index view over cache.
// less must impose a strict total order over the column's values; it is
// required only by Range, not by Filter.
func NewNonUniqueIndex(cache *Cache, keyOf func(row any) any, less func(a, b any) bool) *NonUniqueIndex {
	return &NonUniqueIndex{cache: cache, keyOf: keyOf, lessFn: less}
}

// Filter returns every cached row whose indexed column equals key.
func (idx *NonUniqueIndex) Filter(key any) []any {
	idx.cache.mu.RLock()
	defer idx.cache.mu.RUnlock()
	var out []any
	for _, cr := range idx.cache.rows {
		if idx.keyOf(cr.row) == key {
			out = append(out, cr.row)
		}
	}
	return out
}

// Range returns every cached row whose indexed column falls within
// [lo, hi] per idx.lessFn, honoring each bound's inclusivity.
func (idx *NonUniqueIndex) Range(lo, hi Bound) []any {
	idx.cache.mu.RLock()
	defer idx.cache.mu.RUnlock()
	var out []any
	for _, cr := range idx.cache.rows {
		k := idx.keyOf(cr.row)
		if !idx.withinLower(k, lo) || !idx.withinUpper(k, hi) {
			continue
		}
		out = append(out, cr.row)
	}
	return out
}

func (idx *NonUniqueIndex) withinLower(k any, b Bound) bool {
	if b.Unbounded {
		return true
	}
	if idx.lessFn(k, b.Value) {
		return false
	}
	if !b.Inclusive && k == b.Value {
		return false
	}
	return true
}

func (idx *NonUniqueIndex) withinUpper(k any, b Bound) bool {
	if b.Unbounded {
		return true
	}
	if idx.lessFn(b.Value, k) {
		return false
	}
	if !b.Inclusive && k == b.Value {
		return false
	}
	return true
}
