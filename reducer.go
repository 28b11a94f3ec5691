package stdb

import (
	"reflect"
	"sync"

	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// ReducerCallback receives a reducer-name-keyed event: the full
// TransactionUpdate, the reducer's decoded positional arguments, and a
// non-nil error if the reducer's status was Failed or OutOfEnergy
// (spec.md §4.5, §7 "Reducer sender errors... surfaced... as normal
// events").
type ReducerCallback func(update wire.TransactionUpdate, args []any, err error)

// reducerRegistry is the per-reducer-name multimap of callbacks
// described in spec.md §9 "Callback registration": any number of
// listeners per name, invocation order is insertion order, removal is
// by identity of the callback value.
type reducerRegistry struct {
	mu        sync.RWMutex
	callbacks map[string][]ReducerCallback
}

func newReducerRegistry() *reducerRegistry {
	return &reducerRegistry{callbacks: make(map[string][]ReducerCallback)}
}

func (r *reducerRegistry) on(name string, cb ReducerCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[name] = append(r.callbacks[name], cb)
}

func (r *reducerRegistry) off(name string, cb ReducerCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.callbacks[name]
	target := reflect.ValueOf(cb).Pointer()
	for i, existing := range list {
		if reflect.ValueOf(existing).Pointer() == target {
			r.callbacks[name] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (r *reducerRegistry) fire(name string, update wire.TransactionUpdate, args []any, err error) {
	r.mu.RLock()
	listeners := append([]ReducerCallback(nil), r.callbacks[name]...)
	r.mu.RUnlock()
	for _, cb := range listeners {
		cb(update, args, err)
	}
}
