package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/subscription"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

type fakeRow struct {
	ID   int32
	Name string
}

type fakeCodec struct{}

func (fakeCodec) DecodeRow(r *bsatn.Reader) (any, any, error) {
	id, err := r.ReadI32()
	if err != nil {
		return nil, nil, err
	}
	name, err := r.ReadString()
	if err != nil {
		return nil, nil, err
	}
	return fakeRow{ID: id, Name: name}, int64(id), nil
}

func encodeFakeRow(id int32, name string) []byte {
	w := bsatn.NewWriter()
	w.WriteI32(id)
	w.WriteString(name)
	return w.Bytes()
}

func testSchema() *wire.Schema {
	s := wire.NewSchema()
	s.Tables["user"] = &wire.TableRuntimeInfo{Name: "user", HasPrimary: true, Codec: fakeCodec{}}
	s.Reducers["withdraw"] = &wire.ReducerRuntimeInfo{Name: "withdraw"}
	return s
}

// runAndWait runs d until expect results have been observed via the
// counter callback or the timeout elapses, then stops the dispatcher.
func runAndWait(t *testing.T, d *Dispatcher, counter *int32Counter, expect int32, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(timeout)
	for counter.get() < expect && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if counter.get() < expect {
		t.Fatalf("expected at least %d callbacks, got %d", expect, counter.get())
	}
}

type int32Counter struct {
	mu sync.Mutex
	n  int32
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestDispatcherIdentityToken(t *testing.T) {
	counter := &int32Counter{}
	var gotIdentity wire.Identity
	var gotToken string

	d := New(testSchema(), nil, zerolog.Nop(), Callbacks{
		OnIdentity: func(identity wire.Identity, token string, connID wire.ConnectionID) {
			gotIdentity = identity
			gotToken = token
			counter.inc()
		},
	})

	msg := wire.ServerMessage{IdentityToken: &wire.IdentityToken{
		Identity: wire.Identity{1, 2, 3},
		Token:    "tok",
	}}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d.Submit(encoded)

	runAndWait(t, d, counter, 1, 2*time.Second)

	if gotToken != "tok" || gotIdentity != (wire.Identity{1, 2, 3}) {
		t.Fatalf("unexpected identity callback: %v %q", gotIdentity, gotToken)
	}
}

func TestDispatcherInitialSubscriptionInsertsRows(t *testing.T) {
	d := New(testSchema(), nil, zerolog.Nop(), Callbacks{})
	cache := d.Cache("user")

	counter := &int32Counter{}
	cache.OnInsert(func(row any) { counter.inc() })

	rowBytes := encodeFakeRow(1, "alice")
	update := wire.NewUncompressedDatabaseUpdate(map[string]wire.QueryUpdate{
		"user": {Inserts: wire.BsatnRowList{RowCount: 1, RowsData: rowBytes}},
	})
	msg := wire.ServerMessage{InitialSubscription: &wire.InitialSubscription{DatabaseUpdate: update}}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d.Submit(encoded)

	runAndWait(t, d, counter, 1, 2*time.Second)

	if cache.Count() != 1 {
		t.Fatalf("expected 1 cached row, got %d", cache.Count())
	}
}

func TestDispatcherTransactionUpdateFailedReportsError(t *testing.T) {
	counter := &int32Counter{}
	var gotErr error

	d := New(testSchema(), nil, zerolog.Nop(), Callbacks{
		OnReducer: func(update wire.TransactionUpdate, args []any, err error) {
			gotErr = err
			counter.inc()
		},
	})

	failed := "insufficient funds"
	msg := wire.ServerMessage{TransactionUpdate: &wire.TransactionUpdate{
		ReducerCall: wire.ReducerCallInfo{ReducerName: "withdraw"},
		Status:      wire.UpdateStatus{Failed: &failed},
	}}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d.Submit(encoded)

	runAndWait(t, d, counter, 1, 2*time.Second)

	if gotErr == nil {
		t.Fatal("expected a non-nil error for a failed reducer call")
	}
}

func TestDispatcherReducerCallbackFiresBeforeRowCallbacks(t *testing.T) {
	var mu sync.Mutex
	var order []string

	d := New(testSchema(), nil, zerolog.Nop(), Callbacks{
		OnReducer: func(update wire.TransactionUpdate, args []any, err error) {
			mu.Lock()
			order = append(order, "reducer")
			mu.Unlock()
		},
	})
	cache := d.Cache("user")
	cache.OnInsert(func(row any) {
		mu.Lock()
		order = append(order, "row")
		mu.Unlock()
	})

	counter := &int32Counter{}
	cache.OnInsert(func(row any) { counter.inc() })

	rowBytes := encodeFakeRow(1, "alice")
	update := wire.NewUncompressedDatabaseUpdate(map[string]wire.QueryUpdate{
		"user": {Inserts: wire.BsatnRowList{RowCount: 1, RowsData: rowBytes}},
	})
	msg := wire.ServerMessage{TransactionUpdate: &wire.TransactionUpdate{
		ReducerCall: wire.ReducerCallInfo{ReducerName: "withdraw"},
		Status:      wire.UpdateStatus{Committed: &update},
	}}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d.Submit(encoded)

	runAndWait(t, d, counter, 1, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"reducer", "row"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("expected callback order %v, got %v", want, order)
	}
}

func TestDispatcherSubscribeMultiAppliedFiresBeforeRowCallbacks(t *testing.T) {
	var mu sync.Mutex
	var order []string

	mgr := subscription.New(zerolog.Nop())
	handle, _ := mgr.Register([]string{"SELECT * FROM user"})
	handle.OnApplied(func() {
		mu.Lock()
		order = append(order, "applied")
		mu.Unlock()
	})

	d := New(testSchema(), mgr, zerolog.Nop(), Callbacks{})
	cache := d.Cache("user")
	cache.OnInsert(func(row any) {
		mu.Lock()
		order = append(order, "row")
		mu.Unlock()
	})

	counter := &int32Counter{}
	cache.OnInsert(func(row any) { counter.inc() })

	rowBytes := encodeFakeRow(1, "alice")
	update := wire.NewUncompressedDatabaseUpdate(map[string]wire.QueryUpdate{
		"user": {Inserts: wire.BsatnRowList{RowCount: 1, RowsData: rowBytes}},
	})
	msg := wire.ServerMessage{SubscribeMultiApplied: &wire.SubscribeMultiApplied{
		QueryID: handle.QueryID,
		Update:  update,
	}}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d.Submit(encoded)

	runAndWait(t, d, counter, 1, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"applied", "row"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("expected callback order %v, got %v", want, order)
	}
}

func TestDispatcherPreservesFrameOrderAcrossMultipleSubmits(t *testing.T) {
	d := New(testSchema(), nil, zerolog.Nop(), Callbacks{})
	cache := d.Cache("user")

	var mu sync.Mutex
	var order []int32
	cache.OnInsert(func(row any) {
		mu.Lock()
		order = append(order, row.(fakeRow).ID)
		mu.Unlock()
	})

	counter := &int32Counter{}
	cache.OnInsert(func(row any) { counter.inc() })

	for i := int32(1); i <= 5; i++ {
		rowBytes := encodeFakeRow(i, "row")
		update := wire.NewUncompressedDatabaseUpdate(map[string]wire.QueryUpdate{
			"user": {Inserts: wire.BsatnRowList{RowCount: 1, RowsData: rowBytes}},
		})
		msg := wire.ServerMessage{TransactionUpdateLight: &wire.TransactionUpdateLight{Update: update}}
		encoded, err := msg.Encode()
		if err != nil {
			t.Fatal(err)
		}
		d.Submit(encoded)
	}

	runAndWait(t, d, counter, 5, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []int32{1, 2, 3, 4, 5}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected insert order %v, got %v", want, order)
		}
	}
}
