package listener

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gozk-core/zk/proto"
)

func TestNotifyDeliversInSubscriptionOrder(t *testing.T) {
	r := NewRegistry()
	var order []int
	r.Subscribe(func(State) { order = append(order, 1) })
	r.Subscribe(func(State) { order = append(order, 2) })
	r.Subscribe(func(State) { order = append(order, 3) })

	r.Notify(proto.StateConnected)
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscriptionCloseRemovesListener(t *testing.T) {
	r := NewRegistry()
	var calls int
	sub := r.Subscribe(func(State) { calls++ })
	r.Notify(proto.StateConnected)
	require.Equal(t, 1, calls)

	sub.Close()
	r.Notify(proto.StateConnected)
	require.Equal(t, 1, calls)

	// Closing twice must not panic.
	sub.Close()
}

func TestZeroValueSubscriptionCloseIsNoop(t *testing.T) {
	var sub Subscription
	sub.Close()
}

func TestNotifyPassesState(t *testing.T) {
	r := NewRegistry()
	var got State
	r.Subscribe(func(s State) { got = s })
	r.Notify(proto.StateExpired)
	require.Equal(t, proto.StateExpired, got)
}
