// Package engine is the session engine, request multiplexer, and event
// demultiplexer (spec.md §4.3-§4.5, components C3/C4/C5). These three are
// kept in one package because they share the single-writer/single-reader
// socket and the unsent/in-flight queues described in spec.md §5 — there
// is no clean seam between "drive the socket" and "match replies to
// requests" once ordering has to survive a reconnect.
//
// This is grounded on the connect/authenticate/sendLoop/recvLoop shape of
// vonwenm-go-zookeeper/conn.go, generalized to: a multi-host chooser with
// backoff and a circuit breaker (zk/host), idempotency-aware re-send on
// reconnect instead of blind re-send, an idle-read liveness deadline in
// addition to the ping ticker, and explicit SetWatches/auth replay before
// user traffic resumes.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gozk-core/zk/host"
	"github.com/gozk-core/zk/proto"
)

// Logger is a structural duplicate of the root package's Logger
// interface; declaring it locally avoids an import cycle (engine is
// lower in the dependency graph than the root zk package) while still
// letting callers pass their *zap-backed logger straight through, since
// Go interfaces are satisfied structurally.
type Logger interface {
	Printf(format string, v ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// Dialer matches net.Dialer.DialContext; tests substitute an in-memory
// pipe-backed fake.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Credential is a registered auth scheme/secret pair, replayed on every
// (re)connect (spec.md §4.3).
type Credential struct {
	Scheme string
	Auth   []byte
}

// Options configures a new Engine. Everything chroot-aware (the watch
// registry's Register calls, path prefixing) is the caller's
// responsibility: the engine only ever sees wire-space paths.
type Options struct {
	Hosts          *host.Set
	SessionTimeout time.Duration
	Dialer         Dialer
	Logger         Logger
	MaxBufferSize  int
	// ReadOnly requests that the server accept this session even while it
	// can only serve reads (partitioned from quorum), per spec.md §4.2/§4.3
	// "read-only failover".
	ReadOnly bool

	// PendingWatches returns the current SetWatches replay bundle in
	// wire-space (chroot already applied by the caller).
	PendingWatches func() (exists, data, children []string)
	// OnWatcherEvent is invoked for every decoded notification frame
	// (xid == -1), in wire-space; the caller strips chroot and fires it
	// into its own watch registry.
	OnWatcherEvent func(proto.WatcherEvent)
	// OnStateChange is invoked for every connection-state transition.
	OnStateChange func(proto.ConnState)

	// Resumed session, if reconnecting a previously-established client.
	InitialSessionID int64
	InitialPasswd    []byte
}

// request is the C4 pending-request record (spec.md §3 "Pending
// request"). A single request is in exactly one of the unsent or
// in-flight queues at any time.
type request struct {
	xid    int32
	opcode int32
	body   interface{}
	resp   interface{}
	done   chan error
	sentAt time.Time
	// onReply, if set, runs in the reader loop the moment the reply is
	// matched and decoded, before any later frame is processed. It never
	// runs for requests drained without a server reply.
	onReply func(error)
}

// idempotentOps are safe to transparently re-send on a new connection
// after an in-flight loss; spec.md §9's open question says to prefer
// surfacing ConnectionLoss for everything else rather than guessing at
// server-side XID dedup across a session transfer.
var idempotentOps = map[int32]bool{
	proto.OpGetData:      true,
	proto.OpExists:       true,
	proto.OpGetChildren:  true,
	proto.OpGetChildren2: true,
	proto.OpGetACL:       true,
	proto.OpSync:         true,
	proto.OpPing:         true,
}

// Engine owns the socket and drives the session state machine.
type Engine struct {
	opts   Options
	hosts  *host.Set
	logger Logger

	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
	wake      chan struct{}

	state int32 // atomic proto.ConnState

	mu                sync.Mutex
	closed            bool
	sessionID         int64
	passwd            []byte
	negotiatedTimeout time.Duration
	lastZxid          int64
	xid               int32
	unsent            []*request
	inFlight          []*request
	credentials       []Credential

	connMu      sync.Mutex
	conn        net.Conn
	currentAddr string
}

// CurrentServer returns the host:port of the currently connected server,
// or "" if not currently connected.
func (e *Engine) CurrentServer() string {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.currentAddr
}

func (e *Engine) setConn(c net.Conn) {
	e.connMu.Lock()
	e.conn = c
	e.connMu.Unlock()
}

// takeConn returns and clears the current connection, so serve() is the
// sole owner of it for the lifetime of one session.
func (e *Engine) takeConn() net.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	c := e.conn
	e.conn = nil
	return c
}

// New constructs an Engine. Call Run to start it.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = proto.DefaultMaxBufferSize
	}
	if opts.Dialer == nil {
		var d net.Dialer
		opts.Dialer = d.DialContext
	}
	passwd := opts.InitialPasswd
	if passwd == nil {
		passwd = make([]byte, 16)
	}
	e := &Engine{
		opts:      opts,
		hosts:     opts.Hosts,
		logger:    opts.Logger,
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		sessionID: opts.InitialSessionID,
		passwd:    passwd,
	}
	atomic.StoreInt32(&e.state, int32(proto.StateNotConnected))
	return e
}

// State returns the current connection state.
func (e *Engine) State() proto.ConnState {
	return proto.ConnState(atomic.LoadInt32(&e.state))
}

// SessionID returns the current (possibly not-yet-established) session id.
func (e *Engine) SessionID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Passwd returns a copy of the current session password, for callers
// that persist (sessionID, passwd) across process restarts to resume a
// session later via WithResumedSession (spec.md §3 "Session").
func (e *Engine) Passwd() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.passwd...)
}

func (e *Engine) setState(s proto.ConnState) {
	old := atomic.SwapInt32(&e.state, int32(s))
	if proto.ConnState(old) == s {
		return
	}
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(s)
	}
}

// signalWake nudges sendLoop to re-check the unsent queue without
// blocking if a signal is already pending.
func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// AddAuth registers a credential and, if connected, sends it immediately;
// it is always replayed on every future (re)connect.
func (e *Engine) AddAuth(scheme string, auth []byte) error {
	e.mu.Lock()
	e.credentials = append(e.credentials, Credential{Scheme: scheme, Auth: auth})
	e.mu.Unlock()
	return e.Submit(context.Background(), proto.OpAuth, &proto.AuthPacket{Type: 0, Scheme: scheme, Auth: auth}, &proto.AuthResponse{})
}

// nextXid allocates the next XID, skipping reserved values (P1).
func (e *Engine) nextXid() int32 {
	for {
		x := atomic.AddInt32(&e.xid, 1)
		switch x {
		case proto.XidWatcherEvent, proto.XidPing, proto.XidAuth, proto.XidSetWatches:
			continue
		default:
			return x
		}
	}
}

// Submit enqueues a logical request and blocks until its reply is
// delivered or ctx is cancelled (spec.md §4.4 "Submit").
func (e *Engine) Submit(ctx context.Context, opcode int32, body, resp interface{}) error {
	return e.SubmitWatch(ctx, opcode, body, resp, nil)
}

// SubmitWatch is Submit plus a hook invoked in the reader loop as soon
// as the reply is matched, before any later frame is demultiplexed. The
// client arms watches there, so a notification arriving in the very
// next frame cannot outrun the registration (spec.md §4.4: watches are
// registered on the reply path, not by the awakened caller).
func (e *Engine) SubmitWatch(ctx context.Context, opcode int32, body, resp interface{}, onReply func(error)) error {
	r := &request{
		opcode:  opcode,
		body:    body,
		resp:    resp,
		done:    make(chan error, 1),
		onReply: onReply,
	}
	// The XID is allocated inside the same critical section as the queue
	// append, so the unsent queue stays strictly ordered by XID even under
	// concurrent submitters (spec.md §3 invariants).
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return proto.ErrClosing
	}
	r.xid = e.nextXid()
	e.unsent = append(e.unsent, r)
	e.mu.Unlock()
	e.signalWake()

	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		// spec.md §4.4 Cancellation: the in-flight entry is NOT removed;
		// the server will still reply and the engine must read and drop
		// it. We simply stop waiting.
		return ctx.Err()
	}
}

// Close enqueues an opCloseSession request, signals shutdown, and waits
// for Run to return. It does not wait for the server's reply to that
// request: closing closeCh makes serve close the socket at once, so the
// request may never reach the server. Close returns nil when the request
// was acknowledged or drained with ErrConnectionClosed, and otherwise the
// request's own error (ErrConnectionLoss when it was in flight as the
// socket closed). The close request is
// enqueued and the closed flag set in one critical section, then closeCh
// closes: this must not go through the blocking Submit first, since a
// disconnected engine parked in backoff only wakes up via closeCh, and
// Submit would otherwise deadlock waiting on a reply that never arrives.
func (e *Engine) Close(ctx context.Context) error {
	r := &request{
		opcode: proto.OpCloseSession,
		body:   &proto.CloseRequest{},
		resp:   &proto.CloseResponse{},
		done:   make(chan error, 1),
	}
	e.mu.Lock()
	already := e.closed
	if !already {
		r.xid = e.nextXid()
		e.unsent = append(e.unsent, r)
	}
	e.closed = true
	e.mu.Unlock()
	if !already {
		e.signalWake()
	}
	e.closeOnce.Do(func() { close(e.closeCh) })

	select {
	case <-e.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !already {
		if err := <-r.done; err != nil && err != proto.ErrConnectionClosed {
			return err
		}
	}
	return nil
}

// Run drives the engine until ctx is cancelled or Close is called. It
// always returns a non-nil error; callers typically run it in its own
// goroutine and inspect State() afterwards.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.doneCh)
	defer func() {
		e.mu.Lock()
		e.sessionID = 0
		e.mu.Unlock()
	}()

	for {
		if exitErr := e.checkExit(ctx); exitErr != nil {
			return exitErr
		}

		connected, err := e.connectOnce(ctx)
		switch err {
		case errExpired:
			e.setState(proto.StateExpired)
			e.drainAll(proto.ErrSessionExpired)
			return proto.ErrSessionExpired
		case errAuthFailed:
			e.setState(proto.StateAuthFailed)
			e.drainAll(proto.ErrAuthFailed)
			return proto.ErrAuthFailed
		}
		if !connected {
			select {
			case <-e.closeCh:
				e.setState(proto.StateClosed)
				e.drainAll(proto.ErrConnectionClosed)
				return proto.ErrConnectionClosed
			case <-ctx.Done():
				e.drainAll(ctx.Err())
				return ctx.Err()
			case <-time.After(e.hosts.NextBackoff()):
			}
			continue
		}

		e.hosts.ResetBackoff()
		serveErr := e.serve(ctx)
		e.requeueAfterDisconnect()

		if serveErr == errAuthFailed {
			e.setState(proto.StateAuthFailed)
			e.drainAll(proto.ErrAuthFailed)
			return proto.ErrAuthFailed
		}
		if exitErr := e.checkExit(ctx); exitErr != nil {
			return exitErr
		}
		e.setState(proto.StateConnecting)
	}
}

// checkExit reports (and, if terminal, finalizes) a caller-requested
// shutdown; it returns nil when the loop should keep running.
func (e *Engine) checkExit(ctx context.Context) error {
	select {
	case <-e.closeCh:
		e.setState(proto.StateClosed)
		e.drainAll(proto.ErrConnectionClosed)
		return proto.ErrConnectionClosed
	case <-ctx.Done():
		e.setState(proto.StateClosed)
		e.drainAll(ctx.Err())
		return ctx.Err()
	default:
		return nil
	}
}

// drainAll completes every unsent and in-flight request with err.
func (e *Engine) drainAll(err error) {
	e.mu.Lock()
	pending := append(e.unsent, e.inFlight...)
	e.unsent = nil
	e.inFlight = nil
	e.mu.Unlock()

	for _, r := range pending {
		r.done <- err
	}
}

// requeueAfterDisconnect implements spec.md §4.3's "Transitions out of
// Connected... cause C4 to move all in-flight entries back to the unsent
// queue in XID order unless the operation is non-idempotent and already
// sent" and §9's resolved open question (surface ConnectionLoss instead
// of blind re-send for those).
func (e *Engine) requeueAfterDisconnect() {
	e.mu.Lock()
	inFlight := e.inFlight
	e.inFlight = nil
	e.mu.Unlock()

	var resend []*request
	var fail []*request
	for _, r := range inFlight {
		if idempotentOps[r.opcode] {
			resend = append(resend, r)
		} else {
			fail = append(fail, r)
		}
	}
	for _, r := range fail {
		r.done <- proto.ErrConnectionLoss
	}
	if len(resend) == 0 {
		return
	}
	e.mu.Lock()
	e.unsent = append(resend, e.unsent...)
	e.mu.Unlock()
	e.signalWake()
}

var (
	errExpired    = fmt.Errorf("zk: session expired at handshake")
	errAuthFailed = fmt.Errorf("zk: auth failed")
)

// serve runs one connected session: it starts the writer and reader
// loops under an errgroup (spec.md §5 "single scoped context", grounded
// on the sendLoop/recvLoop pair in vonwenm-go-zookeeper/conn.go) and
// returns once either stops, having torn the socket down. A third
// goroutine watches closeCh so a caller-initiated Close forces the
// socket shut even while both loops are blocked in I/O.
func (e *Engine) serve(ctx context.Context) error {
	conn := e.takeConn()
	if conn == nil {
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sctx)
	closeSignal := make(chan struct{})
	watcherDone := make(chan struct{})

	g.Go(func() error {
		err := e.sendLoop(gctx, conn, closeSignal)
		conn.Close()
		return err
	})
	g.Go(func() error {
		err := e.recvLoop(gctx, conn)
		close(closeSignal)
		conn.Close()
		return err
	})
	go func() {
		select {
		case <-e.closeCh:
			conn.Close()
		case <-watcherDone:
		}
	}()

	err := g.Wait()
	close(watcherDone)
	return err
}
