package engine

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gozk-core/zk/host"
	"github.com/gozk-core/zk/proto"
)

// passthroughResolver resolves every configured host to itself, so tests
// never touch real DNS; the dialer below ignores the address entirely
// and hands back one end of an in-memory net.Pipe.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, hostPort string) ([]string, error) {
	return []string{hostPort}, nil
}

func newTestHosts(sessionTimeout time.Duration) *host.Set {
	hs := host.New([]string{"fake-zk:2181"}, sessionTimeout)
	hs.SetResolver(passthroughResolver{})
	return hs
}

// fakeServer speaks the server side of the jute wire protocol over an
// in-memory pipe, letting these tests drive Engine through a full
// handshake/submit/reply cycle without a real ZooKeeper ensemble.
type fakeServer struct {
	conn net.Conn
}

func (f *fakeServer) handshake(t *testing.T, sessionID int64, timeoutMs int32, readOnly bool) proto.ConnectRequest {
	t.Helper()
	payload, err := readFrame(f.conn, proto.DefaultMaxBufferSize)
	require.NoError(t, err)
	var req proto.ConnectRequest
	_, err = proto.DecodePacket(payload, &req)
	require.NoError(t, err)

	resp := proto.ConnectResponse{
		ProtocolVersion: 0,
		TimeOut:         timeoutMs,
		SessionID:       sessionID,
		Passwd:          make([]byte, 16),
		ReadOnly:        readOnly,
	}
	buf := make([]byte, 1024)
	n, err := proto.EncodePacket(buf, &resp)
	require.NoError(t, err)
	require.NoError(t, writeFrame(f.conn, buf[:n]))
	return req
}

func (f *fakeServer) recvRequest(t *testing.T) (proto.RequestHeader, []byte) {
	t.Helper()
	payload, err := readFrame(f.conn, proto.DefaultMaxBufferSize)
	require.NoError(t, err)
	var hdr proto.RequestHeader
	n, err := proto.DecodePacket(payload, &hdr)
	require.NoError(t, err)
	return hdr, payload[n:]
}

func (f *fakeServer) sendReply(t *testing.T, xid int32, zxid int64, errCode int32, body interface{}) {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := proto.EncodePacket(buf, &proto.ReplyHeader{Xid: xid, Zxid: zxid, Err: errCode})
	require.NoError(t, err)
	if body != nil {
		m, err := proto.EncodePacket(buf[n:], body)
		require.NoError(t, err)
		n += m
	}
	require.NoError(t, writeFrame(f.conn, buf[:n]))
}

func testDialer(serverFn func(*fakeServer)) Dialer {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		clientEnd, serverEnd := net.Pipe()
		go serverFn(&fakeServer{conn: serverEnd})
		return clientEnd, nil
	}
}

func waitForState(t *testing.T, e *Engine, want proto.ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last seen %v", want, e.State())
}

func TestHandshakeEstablishesSession(t *testing.T) {
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 42, 6000, false)
		// keep the connection open so the engine's ping/read loop has
		// something to block on for the rest of the test.
		buf := make([]byte, 4)
		fs.conn.Read(buf)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitForState(t, e, proto.StateConnected, time.Second)
	require.Equal(t, int64(42), e.SessionID())
}

func TestReadOnlyHandshakeSetsReadOnlyState(t *testing.T) {
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 7, 6000, true)
		buf := make([]byte, 4)
		fs.conn.Read(buf)
	})
	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer, ReadOnly: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitForState(t, e, proto.StateConnectedReadOnly, time.Second)
}

func TestSubmitDeliversDecodedReply(t *testing.T) {
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 1, 6000, false)
		hdr, body := fs.recvRequest(t)
		var req proto.GetDataRequest
		_, err := proto.DecodePacket(body, &req)
		require.NoError(t, err)
		require.Equal(t, "/x", req.Path)
		fs.sendReply(t, hdr.Xid, 100, 0, &proto.GetDataResponse{Data: []byte("hello"), Stat: proto.Stat{Version: 3}})
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, proto.StateConnected, time.Second)

	var resp proto.GetDataResponse
	err := e.Submit(context.Background(), proto.OpGetData, &proto.GetDataRequest{Path: "/x"}, &resp)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), resp.Data)
	require.Equal(t, int32(3), resp.Stat.Version)
}

func TestSubmitSurfacesServerError(t *testing.T) {
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 1, 6000, false)
		hdr, _ := fs.recvRequest(t)
		fs.sendReply(t, hdr.Xid, 100, int32(proto.ErrCodeNoNode), nil)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, proto.StateConnected, time.Second)

	var resp proto.ExistsResponse
	err := e.Submit(context.Background(), proto.OpExists, &proto.ExistsRequest{Path: "/missing"}, &resp)
	require.ErrorIs(t, err, proto.ErrNoNode)
}

func TestFIFORepliesMatchSubmissionOrder(t *testing.T) {
	var seenXids []int32
	done := make(chan struct{})
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 1, 6000, false)
		for i := 0; i < 3; i++ {
			hdr, _ := fs.recvRequest(t)
			seenXids = append(seenXids, hdr.Xid)
			fs.sendReply(t, hdr.Xid, int64(100+i), 0, &proto.ExistsResponse{})
		}
		close(done)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, proto.StateConnected, time.Second)

	// Requests are issued strictly in order, each guaranteed fully
	// enqueued before the next starts (spec.md P2 FIFO): submission order
	// on a single client goroutine must equal wire order.
	var results [3]error
	for i := 0; i < 3; i++ {
		var resp proto.ExistsResponse
		results[i] = e.Submit(context.Background(), proto.OpExists, &proto.ExistsRequest{Path: "/a"}, &resp)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server did not observe all three requests")
	}

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Len(t, seenXids, 3)
	require.True(t, seenXids[0] < seenXids[1])
	require.True(t, seenXids[1] < seenXids[2])
}

func TestXIDAllocationSkipsReservedValues(t *testing.T) {
	e := &Engine{}
	seen := make(map[int32]bool)
	var prev int32 = -1
	for i := 0; i < 20; i++ {
		x := e.nextXid()
		require.NotEqual(t, proto.XidWatcherEvent, x)
		require.NotEqual(t, proto.XidPing, x)
		require.NotEqual(t, proto.XidAuth, x)
		require.NotEqual(t, proto.XidSetWatches, x)
		require.Greater(t, x, prev)
		require.False(t, seen[x])
		seen[x] = true
		prev = x
	}
}

func TestReconnectResumesSameSessionID(t *testing.T) {
	var attempt int32
	dialer := testDialer(func(fs *fakeServer) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			req := fs.handshake(t, 99, 6000, false)
			require.Equal(t, int64(0), req.SessionID)
			// Drop the connection right after handshake to force a
			// reconnect while the session is still within its timeout.
			fs.conn.Close()
			return
		}
		req := fs.handshake(t, 99, 6000, false)
		require.Equal(t, int64(99), req.SessionID, "second handshake must resume the prior session id")
		buf := make([]byte, 4)
		fs.conn.Read(buf)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// The first handshake already reports Connected before the fake server
	// drops it, so wait for the second dial before waiting for Connected.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempt) >= 2 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, e, proto.StateConnected, 2*time.Second)
	require.Equal(t, int64(99), e.SessionID())
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempt), int32(2))
}

func TestInFlightReadIsResentOnReconnect(t *testing.T) {
	var attempt int32
	dialer := testDialer(func(fs *fakeServer) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			fs.handshake(t, 5, 6000, false)
			// Swallow the read, then drop the connection without replying.
			fs.recvRequest(t)
			fs.conn.Close()
			return
		}
		fs.handshake(t, 5, 6000, false)
		hdr, _ := fs.recvRequest(t)
		fs.sendReply(t, hdr.Xid, 7, 0, &proto.GetDataResponse{Data: []byte("ok")})
		buf := make([]byte, 4)
		fs.conn.Read(buf)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, proto.StateConnected, time.Second)

	var resp proto.GetDataResponse
	err := e.Submit(context.Background(), proto.OpGetData, &proto.GetDataRequest{Path: "/x"}, &resp)
	require.NoError(t, err, "an idempotent read lost in flight must be replayed on the next connection")
	require.Equal(t, []byte("ok"), resp.Data)
}

func TestInFlightWriteSurfacesConnectionLossOnReconnect(t *testing.T) {
	var attempt int32
	dialer := testDialer(func(fs *fakeServer) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			fs.handshake(t, 5, 6000, false)
			// Swallow the create, then drop the connection: the write's
			// outcome is unknown and must not be silently replayed.
			fs.recvRequest(t)
			fs.conn.Close()
			return
		}
		fs.handshake(t, 5, 6000, false)
		buf := make([]byte, 4)
		fs.conn.Read(buf)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, proto.StateConnected, time.Second)

	err := e.Submit(context.Background(), proto.OpCreate, &proto.CreateRequest{Path: "/w"}, &proto.CreateResponse{})
	require.ErrorIs(t, err, proto.ErrConnectionLoss)
}

func TestZeroTimeoutHandshakeExpiresSession(t *testing.T) {
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 0, 0, false) // TimeOut == 0 means the server rejected the session (P5)
	})

	e := New(Options{Hosts: newTestHosts(time.Second), SessionTimeout: time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, proto.ErrSessionExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after an expired handshake")
	}
	require.Equal(t, proto.StateExpired, e.State())
}

func TestCloseTransitionsToClosedAndDrainsPending(t *testing.T) {
	// The opCloseSession frame races the socket teardown that Close()
	// also triggers, so the fake server only keeps the pipe alive; it
	// does not assert on ever observing that last frame.
	serverDone := make(chan struct{})
	dialer := testDialer(func(fs *fakeServer) {
		fs.handshake(t, 1, 6000, false)
		buf := make([]byte, 4)
		fs.conn.Read(buf)
		close(serverDone)
	})

	e := New(Options{Hosts: newTestHosts(6 * time.Second), SessionTimeout: 6 * time.Second, Dialer: dialer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, proto.StateConnected, time.Second)

	// Close()'s own teardown races the close-frame's journey through the
	// unsent/in-flight queues, so the close request can resolve as a
	// plain connection loss instead of a clean ack; either way the
	// session must end up Closed.
	closeErr := e.Close(context.Background())
	if closeErr != nil {
		require.True(t, closeErr == proto.ErrConnectionClosed || closeErr == proto.ErrConnectionLoss)
	}
	waitForState(t, e, proto.StateClosed, time.Second)

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("fake server never observed the socket closing")
	}

	err := e.Submit(context.Background(), proto.OpExists, &proto.ExistsRequest{Path: "/x"}, &proto.ExistsResponse{})
	require.ErrorIs(t, err, proto.ErrClosing)
}
