package rowcache

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

func fp(key any) wire.Fingerprint {
	return wire.FingerprintFromPrimaryKey(key)
}

func newTestCache(hasPrimary bool) *Cache {
	return New("t", hasPrimary, zerolog.Nop())
}

type row struct {
	ID   int64
	Name string
}

func TestInsertThenDeleteRemovesRow(t *testing.T) {
	c := newTestCache(true)
	cbs := c.ApplyOperations([]Operation{
		{Fingerprint: fp(int64(1)), Row: row{ID: 1, Name: "a"}, Insert: true},
	})
	if len(cbs) != 1 || cbs[0].Kind != Inserted {
		t.Fatalf("expected one Inserted callback, got %+v", cbs)
	}
	if c.Count() != 1 {
		t.Fatalf("expected 1 cached row, got %d", c.Count())
	}

	cbs = c.ApplyOperations([]Operation{
		{Fingerprint: fp(int64(1)), Row: row{ID: 1, Name: "a"}, Insert: false},
	})
	if len(cbs) != 1 || cbs[0].Kind != Deleted {
		t.Fatalf("expected one Deleted callback, got %+v", cbs)
	}
	if c.Count() != 0 {
		t.Fatalf("expected empty cache, got %d rows", c.Count())
	}
}

// TestOverlappingSubscriptionsShareRefCount models two subscriptions that
// both cover the same row: the second insert only increments the
// reference count and must not re-fire an Inserted callback, and the row
// stays visible until both references are removed.
func TestOverlappingSubscriptionsShareRefCount(t *testing.T) {
	c := newTestCache(true)
	r := row{ID: 1, Name: "a"}

	cbs := c.ApplyOperations([]Operation{{Fingerprint: fp(int64(1)), Row: r, Insert: true}})
	if len(cbs) != 1 {
		t.Fatalf("first insert: expected 1 callback, got %d", len(cbs))
	}

	cbs = c.ApplyOperations([]Operation{{Fingerprint: fp(int64(1)), Row: r, Insert: true}})
	if len(cbs) != 0 {
		t.Fatalf("second insert of same row: expected no callback, got %+v", cbs)
	}
	if c.RefCount(fp(int64(1))) != 2 {
		t.Fatalf("expected refcount 2, got %d", c.RefCount(fp(int64(1))))
	}

	cbs = c.ApplyOperations([]Operation{{Fingerprint: fp(int64(1)), Row: r, Insert: false}})
	if len(cbs) != 0 {
		t.Fatalf("first delete of two refs: expected no callback, got %+v", cbs)
	}
	if c.Count() != 1 {
		t.Fatal("row must still be visible with one remaining reference")
	}

	cbs = c.ApplyOperations([]Operation{{Fingerprint: fp(int64(1)), Row: r, Insert: false}})
	if len(cbs) != 1 || cbs[0].Kind != Deleted {
		t.Fatalf("final delete: expected one Deleted callback, got %+v", cbs)
	}
	if c.Count() != 0 {
		t.Fatal("row must be gone once both references are removed")
	}
}

// TestPrimaryKeyUpdateCoalescesToSingleCallback models a server batch
// containing a delete and an insert for the same primary key, which must
// be presented to the application as a single Updated callback, not a
// Deleted followed by an Inserted.
func TestPrimaryKeyUpdateCoalescesToSingleCallback(t *testing.T) {
	c := newTestCache(true)
	oldRow := row{ID: 1, Name: "old"}
	newRow := row{ID: 1, Name: "new"}

	c.ApplyOperations([]Operation{{Fingerprint: fp(int64(1)), Row: oldRow, Insert: true}})

	cbs := c.ApplyOperations([]Operation{
		{Fingerprint: fp(int64(1)), Row: oldRow, Insert: false},
		{Fingerprint: fp(int64(1)), Row: newRow, Insert: true},
	})
	if len(cbs) != 1 {
		t.Fatalf("expected exactly one callback for the coalesced update, got %d: %+v", len(cbs), cbs)
	}
	if cbs[0].Kind != Updated {
		t.Fatalf("expected Updated, got %v", cbs[0].Kind)
	}
	if cbs[0].Old != oldRow || cbs[0].New != newRow {
		t.Fatalf("unexpected old/new rows: %+v", cbs[0])
	}

	got, ok := c.Snapshot(fp(int64(1)))
	if !ok || got != newRow {
		t.Fatalf("cache should hold the new row, got %+v ok=%v", got, ok)
	}
}

// TestNoPrimaryKeyDuplicateInsertsIncrementRefCount covers tables with no
// primary key, where row identity comes from the encoded bytes: two
// insert operations for byte-identical rows must be deduplicated by
// fingerprint and only fire once.
func TestNoPrimaryKeyDuplicateInsertsIncrementRefCount(t *testing.T) {
	c := newTestCache(false)
	bytesFp := wire.FingerprintFromBytes([]byte("same-bytes"))
	r := row{ID: 0, Name: "log line"}

	cbs := c.ApplyOperations([]Operation{
		{Fingerprint: bytesFp, Row: r, Insert: true},
		{Fingerprint: bytesFp, Row: r, Insert: true},
	})
	if len(cbs) != 1 {
		t.Fatalf("expected single Inserted callback for duplicate rows, got %d", len(cbs))
	}
	if c.RefCount(bytesFp) != 2 {
		t.Fatalf("expected refcount 2, got %d", c.RefCount(bytesFp))
	}
}

func TestDeleteOfAbsentFingerprintIsIgnored(t *testing.T) {
	c := newTestCache(true)
	cbs := c.ApplyOperations([]Operation{
		{Fingerprint: fp(int64(404)), Row: row{ID: 404}, Insert: false},
	})
	if len(cbs) != 0 {
		t.Fatalf("expected no callback for an unknown delete, got %+v", cbs)
	}
}

func TestFireDispatchesInOrder(t *testing.T) {
	c := newTestCache(true)
	var events []string
	c.OnInsert(func(r any) { events = append(events, "insert") })
	c.OnDelete(func(r any) { events = append(events, "delete") })
	c.OnUpdate(func(old, new any) { events = append(events, "update") })

	cbs := []Callback{
		{Kind: Inserted, New: row{ID: 1}},
		{Kind: Updated, Old: row{ID: 1}, New: row{ID: 1, Name: "b"}},
		{Kind: Deleted, Row: row{ID: 1, Name: "b"}},
	}
	c.Fire(cbs)

	want := []string{"insert", "update", "delete"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}
