package watch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gozk-core/zk/proto"
)

func TestFireOnceRemovesWatcher(t *testing.T) {
	r := NewRegistry(nil)
	var got []Event
	r.Register("/a", Data, func(e Event) { got = append(got, e) })
	require.Equal(t, 1, r.Len())

	r.Fire(Event{Type: proto.EventNodeDataChanged, Path: "/a"})
	require.Len(t, got, 1)
	require.Equal(t, 0, r.Len())

	// Firing again must not invoke the watcher a second time (P3).
	r.Fire(Event{Type: proto.EventNodeDataChanged, Path: "/a"})
	require.Len(t, got, 1)
}

func TestNodeCreatedFiresExistsAndData(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	r.Register("/a", Exists, func(e Event) { order = append(order, "exists") })
	r.Register("/a", Data, func(e Event) { order = append(order, "data") })
	r.Register("/a", Children, func(e Event) { order = append(order, "children") })

	r.Fire(Event{Type: proto.EventNodeCreated, Path: "/a"})
	require.Equal(t, []string{"exists", "data"}, order)
	require.Equal(t, 1, r.Len()) // children watch still pending
}

func TestNodeDeletedFiresAllThreeKinds(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	r.Register("/a", Exists, func(e Event) { order = append(order, "exists") })
	r.Register("/a", Data, func(e Event) { order = append(order, "data") })
	r.Register("/a", Children, func(e Event) { order = append(order, "children") })

	r.Fire(Event{Type: proto.EventNodeDeleted, Path: "/a"})
	require.Equal(t, []string{"exists", "data", "children"}, order)
	require.Equal(t, 0, r.Len())
}

func TestMultipleWatchersSameKeyFireInRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	var order []int
	r.Register("/a", Data, func(e Event) { order = append(order, 1) })
	r.Register("/a", Data, func(e Event) { order = append(order, 2) })
	r.Register("/a", Data, func(e Event) { order = append(order, 3) })

	r.Fire(Event{Type: proto.EventNodeDataChanged, Path: "/a"})
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestDefaultWatcherReceivesEventNoneOnly(t *testing.T) {
	var fired []Event
	r := NewRegistry(func(e Event) { fired = append(fired, e) })
	r.Register("/a", Data, func(e Event) { t.Fatal("node watcher should not fire for EventNone") })

	r.Fire(Event{Type: proto.EventNone, State: 42})
	require.Len(t, fired, 1)
	require.Equal(t, proto.EventState(42), fired[0].State)
	require.Equal(t, 1, r.Len()) // node watch untouched
}

func TestPendingReturnsSortedDistinctPaths(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("/b", Exists, func(Event) {})
	r.Register("/a", Exists, func(Event) {})
	r.Register("/a", Data, func(Event) {})
	r.Register("/c", Children, func(Event) {})

	exists, data, children := r.Pending()
	require.Equal(t, []string{"/a", "/b"}, exists)
	require.Equal(t, []string{"/a"}, data)
	require.Equal(t, []string{"/c"}, children)
}

func TestDrainFiresEveryPendingWatchWithTerminalState(t *testing.T) {
	r := NewRegistry(nil)
	var got []Event
	r.Register("/a", Data, func(e Event) { got = append(got, e) })
	r.Register("/b", Exists, func(e Event) { got = append(got, e) })

	r.Drain(proto.EventState(proto.StateExpired))
	require.Len(t, got, 2)
	for _, e := range got {
		require.Equal(t, proto.EventNone, e.Type)
		require.Equal(t, proto.EventState(proto.StateExpired), e.State)
	}
	require.Equal(t, 0, r.Len())
}
