package session

import (
	"os"
	"testing"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
	"github.com/stretchr/testify/require"
)

// These tests drive a live session through real TCP partitions using
// toxiproxy in front of an actual ensemble member. They are skipped
// unless both endpoints are provided, so the ordinary unit-test run
// stays hermetic.
const (
	envZookeeper = "ZK_INTEGRATION_SERVER"
	envToxiproxy = "TOXIPROXY_INTEGRATION_ADDR"
)

func integrationProxy(t *testing.T) *toxiproxy.Proxy {
	t.Helper()
	zkAddr := os.Getenv(envZookeeper)
	apiAddr := os.Getenv(envToxiproxy)
	if zkAddr == "" || apiAddr == "" {
		t.Skipf("set %s and %s to run the toxiproxy integration tests", envZookeeper, envToxiproxy)
	}
	client := toxiproxy.NewClient(apiAddr)
	proxy, err := client.CreateProxy("zk-session-"+t.Name(), "127.0.0.1:0", zkAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxy.Delete() })
	return proxy
}

func requireEvent(t *testing.T, ch <-chan ZKSessionEvent, want ZKSessionEvent) {
	t.Helper()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case e := <-ch:
			if e == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session event %v", want)
		}
	}
}

func TestBriefPartitionReconnectsSameSession(t *testing.T) {
	proxy := integrationProxy(t)

	s, err := NewZKSession(proxy.Listen, 10*time.Second, nil)
	require.NoError(t, err)
	defer s.Close()
	before := s.ClientID().SessionID

	events := make(chan ZKSessionEvent, 8)
	s.Subscribe(events)

	require.NoError(t, proxy.Disable())
	requireEvent(t, events, SessionDisconnected)
	require.NoError(t, proxy.Enable())
	requireEvent(t, events, SessionReconnected)

	require.Equal(t, before, s.ClientID().SessionID, "a reconnect inside the session timeout must resume the same session id")
}

func TestLongPartitionExpiresAndRedials(t *testing.T) {
	proxy := integrationProxy(t)

	s, err := NewZKSession(proxy.Listen, 4*time.Second, nil)
	require.NoError(t, err)
	defer s.Close()
	before := s.ClientID().SessionID

	events := make(chan ZKSessionEvent, 8)
	s.Subscribe(events)

	require.NoError(t, proxy.Disable())
	requireEvent(t, events, SessionDisconnected)
	// Outlive the negotiated session timeout so the server purges the
	// session before connectivity returns.
	time.Sleep(8 * time.Second)
	require.NoError(t, proxy.Enable())
	requireEvent(t, events, SessionExpiredReconnected)

	require.NotEqual(t, before, s.ClientID().SessionID, "an expired session must come back under a fresh session id")
}

func TestLatencyToxicDoesNotDropSession(t *testing.T) {
	proxy := integrationProxy(t)

	s, err := NewZKSession(proxy.Listen, 10*time.Second, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = proxy.AddToxic("slow", "latency", "downstream", 1.0, toxiproxy.Attributes{
		"latency": 200,
	})
	require.NoError(t, err)
	defer proxy.RemoveToxic("slow")

	// A round of reads through the delayed link must still complete well
	// inside the session timeout.
	for i := 0; i < 3; i++ {
		_, _, err := s.Children("/")
		require.NoError(t, err)
	}
}
