// Package listener implements the session-state listener registry
// (spec.md §4.3/§6, component C7): every connection-state transition is
// delivered, in order, to every subscribed listener.
package listener

import (
	"sync"

	"github.com/gozk-core/zk/proto"
)

// State is re-exported from proto so callers of this package never need
// to import proto directly.
type State = proto.ConnState

// Listener is the capability interface session-state subscribers
// implement (spec.md §9 "Listener: fn(KeeperState)").
type Listener func(State)

// Subscription is returned by Registry.Subscribe; releasing it removes
// the listener (spec.md §6 "a listener-subscription API returning a
// subscription handle whose release removes the listener").
type Subscription struct {
	id       uint64
	registry *Registry
}

// Close removes the associated listener. Safe to call more than once.
func (s Subscription) Close() {
	if s.registry == nil {
		return
	}
	s.registry.remove(s.id)
}

// Registry holds every subscribed Listener and fans out state
// transitions to them in subscription order.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]Listener
	order  []uint64
}

// NewRegistry builds an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[uint64]Listener)}
}

// Subscribe registers l and returns a handle to unsubscribe it.
func (r *Registry) Subscribe(l Listener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = l
	r.order = append(r.order, id)
	return Subscription{id: id, registry: r}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Notify delivers state to every subscriber, in subscription order
// (spec.md §4.3 "Every transition is offered to C7").
func (r *Registry) Notify(state State) {
	r.mu.Lock()
	ls := make([]Listener, 0, len(r.order))
	for _, id := range r.order {
		ls = append(ls, r.subs[id])
	}
	r.mu.Unlock()

	for _, l := range ls {
		l(state)
	}
}
