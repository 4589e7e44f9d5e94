// Package watch implements the watch registry (spec.md §4.5/§4.6,
// component C6): a map from (path, kind) to pending watchers, fire-once
// semantics, and replay-list construction for SetWatches on reconnect.
package watch

import (
	"sort"
	"sync"

	"github.com/gozk-core/zk/proto"
)

// Event is re-exported from proto so callers of this package never need
// to import proto directly.
type Event = proto.WatchedEvent

// Kind selects which bucket a watch lives in.
type Kind = proto.WatchKind

const (
	Exists   = proto.WatchExists
	Data     = proto.WatchData
	Children = proto.WatchChildren
)

// Watcher receives exactly one Event, per spec.md §3 fire-once invariant.
type Watcher func(Event)

type key struct {
	path string
	kind Kind
}

// firedKinds maps an incoming EventType to the watch kinds it fires, and
// the order they fire in within one frame, per spec.md §4.5's table:
// "Firing order within a single inbound frame: Exists before Data before
// Children; within a kind, registration order."
var firedKinds = map[proto.EventType][]Kind{
	proto.EventNodeCreated:         {Exists, Data},
	proto.EventNodeDeleted:         {Exists, Data, Children},
	proto.EventNodeDataChanged:     {Exists, Data},
	proto.EventNodeChildrenChanged: {Children},
}

// Registry is the process-wide (per Client) map from (path, kind) to the
// set of watchers currently pending on it.
type Registry struct {
	mu       sync.Mutex
	pending  map[key][]Watcher
	defaultW Watcher // fired for EventNone (session state wrapped as event)
}

// NewRegistry builds an empty registry. defaultWatcher, if non-nil, is
// the globally installed watcher that receives type==None events
// (spec.md §4.5).
func NewRegistry(defaultWatcher Watcher) *Registry {
	return &Registry{
		pending:  make(map[key][]Watcher),
		defaultW: defaultWatcher,
	}
}

// Register adds w to the (path, kind) bucket. Multiple watchers may
// subscribe to the same key (spec.md §3).
func (r *Registry) Register(path string, kind Kind, w Watcher) {
	if w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{path, kind}
	r.pending[k] = append(r.pending[k], w)
}

// Fire dispatches ev to every watcher whose (path, kind) matches per the
// firedKinds table, removing them from the registry (P3: fire-once). An
// ev with Type == EventNone instead goes only to the default watcher.
func (r *Registry) Fire(ev Event) {
	if ev.Type == proto.EventNone {
		if r.defaultW != nil {
			r.defaultW(ev)
		}
		return
	}
	kinds := firedKinds[ev.Type]
	if len(kinds) == 0 {
		return
	}
	r.mu.Lock()
	var toFire []Watcher
	for _, k := range kinds {
		key := key{ev.Path, k}
		toFire = append(toFire, r.pending[key]...)
		delete(r.pending, key)
	}
	r.mu.Unlock()

	for _, w := range toFire {
		w(ev)
	}
}

// Drain removes and fires every pending watcher with a terminal
// EventNone carrying state (spec.md §5 "all pending slots are completed
// with the terminal error" — the same discipline applies to watches on
// session teardown).
func (r *Registry) Drain(state proto.EventState) {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[key][]Watcher)
	r.mu.Unlock()

	for k, ws := range all {
		ev := Event{State: state, Type: proto.EventNone, Path: k.path}
		for _, w := range ws {
			w(ev)
		}
	}
}

// Pending returns the set of distinct paths with at least one pending
// watcher of each kind, for building a SetWatches replay bundle
// (spec.md §4.3/§4.5). The three slices are sorted for deterministic
// wire output (and easy testing); order carries no protocol meaning.
func (r *Registry) Pending() (exists, data, children []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[Kind]map[string]bool{
		Exists:   {},
		Data:     {},
		Children: {},
	}
	for k := range r.pending {
		seen[k.kind][k.path] = true
	}
	exists = sortedKeys(seen[Exists])
	data = sortedKeys(seen[Data])
	children = sortedKeys(seen[Children])
	return
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of (path, kind) buckets with at least one
// pending watcher, mostly useful for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
