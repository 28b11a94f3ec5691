package subscription

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

func TestRegisterAllocatesDistinctQueryIDs(t *testing.T) {
	m := New(zerolog.Nop())
	h1, msg1 := m.Register([]string{"SELECT * FROM a"})
	h2, msg2 := m.Register([]string{"SELECT * FROM b"})

	if h1.QueryID == h2.QueryID {
		t.Fatal("expected distinct query ids")
	}
	if msg1.QueryID != h1.QueryID || msg2.QueryID != h2.QueryID {
		t.Fatal("SubscribeMulti query id must match the handle")
	}
}

func TestApplySubscribedTransitionsToActive(t *testing.T) {
	m := New(zerolog.Nop())
	h, _ := m.Register([]string{"SELECT * FROM a"})

	fired := false
	h.OnApplied(func() { fired = true })

	got, err := m.ApplySubscribed(h.QueryID)
	if err != nil {
		t.Fatal(err)
	}
	Fire(got)
	if got.State != Active {
		t.Fatalf("expected Active, got %v", got.State)
	}
	if !fired {
		t.Fatal("expected onApplied callback to fire")
	}
}

func TestApplyUnsubscribedRemovesHandle(t *testing.T) {
	m := New(zerolog.Nop())
	h, _ := m.Register([]string{"SELECT * FROM a"})
	m.ApplySubscribed(h.QueryID)

	if _, ok := m.Unregister(h.QueryID); !ok {
		t.Fatal("expected Unregister to find the handle")
	}

	ended := false
	h.OnEnded(func() { ended = true })

	got, err := m.ApplyUnsubscribed(h.QueryID)
	if err != nil {
		t.Fatal(err)
	}
	Fire(got)
	if !ended {
		t.Fatal("expected onEnded callback to fire")
	}
	if _, ok := m.Lookup(h.QueryID); ok {
		t.Fatal("expected handle to be removed after UnsubscribeMultiApplied")
	}
}

func TestApplyErrorTargeted(t *testing.T) {
	m := New(zerolog.Nop())
	h, _ := m.Register([]string{"SELECT * FROM a"})

	var gotErr error
	h.OnError(func(err error) { gotErr = err })

	qid := h.QueryID
	affected := m.ApplyError(&qid, "bad query")
	if len(affected) != 1 {
		t.Fatalf("expected 1 affected handle, got %d", len(affected))
	}
	Fire(affected[0])
	if gotErr == nil {
		t.Fatal("expected onError to fire")
	}
	if _, ok := m.Lookup(h.QueryID); ok {
		t.Fatal("expected handle removed after targeted error")
	}
}

// TestApplyErrorBroadcastsToEveryTrackedHandle covers spec.md §4.4 and
// §7 item 4's connection-scoped SubscriptionError: a nil query id means
// the server could not attribute the failure to one subscription, so
// every tracked subscription is errored out, regardless of whether it
// was still pending or already active.
func TestApplyErrorBroadcastsToEveryTrackedHandle(t *testing.T) {
	m := New(zerolog.Nop())
	h1, _ := m.Register([]string{"SELECT * FROM a"})
	h2, _ := m.Register([]string{"SELECT * FROM b"})
	m.ApplySubscribed(h2.QueryID) // h2 is already active

	var h1Errored, h2Errored bool
	h1.OnError(func(error) { h1Errored = true })
	h2.OnError(func(error) { h2Errored = true })

	affected := m.ApplyError(nil, "connection lost")
	if len(affected) != 2 {
		t.Fatalf("expected both tracked subscriptions to be affected, got %+v", affected)
	}
	for _, h := range affected {
		Fire(h)
	}
	if !h1Errored || !h2Errored {
		t.Fatalf("expected both pending and active subscriptions to fire onError, got h1=%v h2=%v", h1Errored, h2Errored)
	}
	if h2.State != Errored {
		t.Fatalf("active subscription must also transition to Errored on a broadcast error, got %v", h2.State)
	}
	if _, ok := m.Lookup(h1.QueryID); ok {
		t.Fatal("expected handles removed after broadcast error")
	}
	if _, ok := m.Lookup(h2.QueryID); ok {
		t.Fatal("expected handles removed after broadcast error")
	}
}

func TestApplySubscribedUnknownQueryID(t *testing.T) {
	m := New(zerolog.Nop())
	if _, err := m.ApplySubscribed(wire.QueryID(999)); err == nil {
		t.Fatal("expected an error for an unknown query id")
	}
}
