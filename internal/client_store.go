package internal

import (
	"sync"

	"github.com/sessamekesh/spanreed-transport/pkg/transport"
)

type clientSlot[T any] struct {
	generation uint32
	occupied   bool
	value      T
}

// ClientStore is a generational arena of per-client state. Each id carries the
// generation of the slot it was issued for; removing a client bumps the slot's
// generation, so ids of departed clients never resolve again even after the
// slot is reused.
//
// Every method takes the lock for the duration of that call only. Callers must
// not block inside the callbacks passed to Update or Iter.
type ClientStore[T any] struct {
	mut_slots sync.RWMutex
	slots     []clientSlot[T]
	free      []uint32
	count     int
}

func CreateClientStore[T any]() *ClientStore[T] {
	return &ClientStore[T]{}
}

// Insert never fails; the store grows when no freed slot is available.
func (store *ClientStore[T]) Insert(value T) transport.ClientId {
	store.mut_slots.Lock()
	defer store.mut_slots.Unlock()

	var index uint32
	if n := len(store.free); n > 0 {
		index = store.free[n-1]
		store.free = store.free[:n-1]
	} else {
		index = uint32(len(store.slots))
		store.slots = append(store.slots, clientSlot[T]{})
	}

	slot := &store.slots[index]
	slot.occupied = true
	slot.value = value
	store.count++

	return transport.ClientId{Index: index, Generation: slot.generation}
}

func (store *ClientStore[T]) lookup(id transport.ClientId) *clientSlot[T] {
	if int(id.Index) >= len(store.slots) {
		return nil
	}
	slot := &store.slots[id.Index]
	if !slot.occupied || slot.generation != id.Generation {
		return nil
	}
	return slot
}

func (store *ClientStore[T]) Get(id transport.ClientId) (T, bool) {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	slot := store.lookup(id)
	if slot == nil {
		var zero T
		return zero, false
	}
	return slot.value, true
}

func (store *ClientStore[T]) Contains(id transport.ClientId) bool {
	_, has := store.Get(id)
	return has
}

// Update runs fn on the live value for id and stores the result. It returns
// false, without calling fn, when id is stale or unknown.
func (store *ClientStore[T]) Update(id transport.ClientId, fn func(value T) T) bool {
	store.mut_slots.Lock()
	defer store.mut_slots.Unlock()

	slot := store.lookup(id)
	if slot == nil {
		return false
	}
	slot.value = fn(slot.value)
	return true
}

// Remove frees the slot for id and returns what it held.
func (store *ClientStore[T]) Remove(id transport.ClientId) (T, bool) {
	store.mut_slots.Lock()
	defer store.mut_slots.Unlock()

	slot := store.lookup(id)
	if slot == nil {
		var zero T
		return zero, false
	}

	value := slot.value
	var zero T
	slot.value = zero
	slot.occupied = false
	slot.generation++
	store.free = append(store.free, id.Index)
	store.count--

	return value, true
}

// Stale reports whether id was issued by this store but its client has since
// been removed.
func (store *ClientStore[T]) Stale(id transport.ClientId) bool {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	if int(id.Index) >= len(store.slots) {
		return false
	}
	return id.Generation < store.slots[id.Index].generation
}

// Iter calls fn for each live client in slot order until fn returns false.
func (store *ClientStore[T]) Iter(fn func(id transport.ClientId, value T) bool) {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	for i := range store.slots {
		slot := &store.slots[i]
		if !slot.occupied {
			continue
		}
		if !fn(transport.ClientId{Index: uint32(i), Generation: slot.generation}, slot.value) {
			return
		}
	}
}

func (store *ClientStore[T]) Ids() []transport.ClientId {
	ids := []transport.ClientId{}
	store.Iter(func(id transport.ClientId, _ T) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func (store *ClientStore[T]) Len() int {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()
	return store.count
}

// Clear removes every client, bumping each occupied slot's generation, and
// returns the values that were removed keyed by their ids.
func (store *ClientStore[T]) Clear() map[transport.ClientId]T {
	store.mut_slots.Lock()
	defer store.mut_slots.Unlock()

	removed := make(map[transport.ClientId]T, store.count)
	for i := range store.slots {
		slot := &store.slots[i]
		if !slot.occupied {
			continue
		}
		removed[transport.ClientId{Index: uint32(i), Generation: slot.generation}] = slot.value
		var zero T
		slot.value = zero
		slot.occupied = false
		slot.generation++
		store.free = append(store.free, uint32(i))
	}
	store.count = 0
	return removed
}
