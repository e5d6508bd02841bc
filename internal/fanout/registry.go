package fanout

import (
	"reflect"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// registry keeps listeners unique and in registration order.
type registry[L comparable] struct {
	mu        sync.RWMutex
	listeners *orderedmap.OrderedMap[L, struct{}]
}

func newRegistry[L comparable]() *registry[L] {
	return &registry[L]{listeners: orderedmap.New[L, struct{}]()}
}

// add appends l. Nil, non-comparable and already registered listeners are rejected.
func (r *registry[L]) add(l L) bool {
	t := reflect.TypeOf(l)
	if t == nil || !t.Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, present := r.listeners.Get(l); present {
		return false
	}
	r.listeners.Set(l, struct{}{})
	return true
}

func (r *registry[L]) remove(l L) bool {
	t := reflect.TypeOf(l)
	if t == nil || !t.Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, present := r.listeners.Delete(l)
	return present
}

func (r *registry[L]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners.Len()
}

func (r *registry[L]) reset() {
	r.mu.Lock()
	r.listeners = orderedmap.New[L, struct{}]()
	r.mu.Unlock()
}

// snapshot returns the listeners registered right now, in order.
func (r *registry[L]) snapshot() []L {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]L, 0, r.listeners.Len())
	for pair := r.listeners.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (r *registry[L]) each(fn func(L)) {
	for _, l := range r.snapshot() {
		fn(l)
	}
}
