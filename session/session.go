// Package session is a high-level reconnect-event facade atop a zk.Client
// (spec.md's client core, componentized as zk/zk.Client): it translates
// the fine-grained ConnState machine into the coarser session-lifecycle
// events application code historically consumed, and composes it with an
// unconditional redial-on-expiry policy the core client deliberately does
// not implement itself (an Expired session is terminal at the core level,
// per spec.md §1 "It makes no attempt to hide session expiration").
//
// Adapted from the teacher package of the same name, which wrapped a cgo
// binding to the official C client (github.com/Shopify/gozk) behind the
// same ZKSessionEvent enum and Subscribe/manage shape; this version wraps
// this repo's own pure-Go zk.Client instead.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	zk "github.com/gozk-core/zk"
)

// ZKSessionEvent is the coarse session-lifecycle notification delivered
// to every Subscribe-r, mirroring the teacher package's enum.
type ZKSessionEvent uint

// stdLogger matches the zk.Logger capability interface structurally
// (same method shape), kept as a distinct declared type here so this
// package's public constructors don't force callers to import zk just
// to pass a logger.
type stdLogger interface {
	Printf(format string, v ...interface{})
}

// nullLogger is used when no logger option is given.
type nullLogger struct{}

func (l *nullLogger) Printf(format string, v ...interface{}) {}

// ErrZKSessionNotConnected is returned from NewZKSession/NewSessionWithOpts
// when the initial connection attempt does not complete within the
// configured receive timeout.
var ErrZKSessionNotConnected = errors.New("unable to connect to zookeeper ensemble")

// ErrZKSessionDisconnected indicates the session *was* connected, but has
// become disconnected in a way deemed unrecoverable.
var ErrZKSessionDisconnected = errors.New("connection to zookeeper was lost")

const (
	// SessionClosed is normally only returned as a direct result of
	// calling Close() on the ZKSession object. It is a terminal state;
	// the connection will not be re-established.
	SessionClosed ZKSessionEvent = iota
	// SessionDisconnected is a transient state indicating that the
	// connection to ZooKeeper was lost. The library is attempting to
	// reconnect; a subsequent event reports the outcome.
	SessionDisconnected
	// SessionReconnected is returned after a SessionDisconnected event to
	// indicate the client re-established its connection before the
	// session timed out. Ephemeral nodes have not been torn down.
	SessionReconnected
	// SessionExpiredReconnected indicates the session was reconnected
	// (also strictly after a SessionDisconnected event), but only after
	// the negotiated session timeout elapsed: the old session is gone and
	// every ephemeral node it owned was purged server-side. This package
	// transparently redials a brand-new session in that case; callers see
	// this event instead of a terminal error.
	SessionExpiredReconnected
	// SessionFailed indicates the session failed unrecoverably: bad
	// credentials, a failed redial after expiry, or any other mode of
	// absolute failure.
	SessionFailed

	// DefaultRecvTimeout bounds how long NewZKSession waits for the
	// initial handshake before reporting ErrZKSessionNotConnected.
	DefaultRecvTimeout = 5 * time.Second
)

// ZKSession is a managed, auto-redialing ZooKeeper session.
type ZKSession struct {
	opts SessionOpts

	mu      sync.Mutex
	client  *zk.Client
	expired bool

	subscriptions []chan<- ZKSessionEvent
	log           stdLogger
}

// ResumeZKSession reconnects to an existing session identified by id.
func ResumeZKSession(servers string, recvTimeout time.Duration, logger stdLogger, id *ClientID) (*ZKSession, error) {
	return NewSessionWithOpts(
		WithLogger(logger),
		WithZookeepers(strings.Split(servers, ",")),
		WithRecvTimeout(recvTimeout),
		WithZookeeperClientID(id),
	)
}

// NewSessionWithOpts builds a ZKSession from an arbitrary option list and
// blocks until the initial handshake completes or times out.
func NewSessionWithOpts(opts ...SessionOpt) (*ZKSession, error) {
	sessionOpts := SessionOpts{
		logger:         &nullLogger{},
		sessionTimeout: DefaultRecvTimeout,
	}
	for _, so := range opts {
		sessionOpts = so(sessionOpts)
	}

	s, err := sessionOpts.Create()
	if err != nil {
		return nil, fmt.Errorf("creating zookeeper session: %w", err)
	}

	if err := s.awaitInitialConnect(sessionOpts.sessionTimeout); err != nil {
		s.client.Close(context.Background())
		return nil, err
	}

	s.client.Subscribe(s.onState)
	return s, nil
}

// NewZKSession opens a fresh session against servers.
func NewZKSession(servers string, recvTimeout time.Duration, logger stdLogger) (*ZKSession, error) {
	return NewSessionWithOpts(
		WithLogger(logger),
		WithZookeepers(strings.Split(servers, ",")),
		WithRecvTimeout(recvTimeout),
	)
}

// awaitInitialConnect blocks until the freshly constructed client reaches
// a live state or timeout elapses, surfacing ErrZKSessionNotConnected on
// the latter (spec.md §5 "Connect does not block"; this package restores
// the teacher's blocking-constructor idiom on top of that).
func (s *ZKSession) awaitInitialConnect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultRecvTimeout
	}
	done := make(chan struct{})
	var once sync.Once
	sub := s.client.Subscribe(func(state zk.ConnState) {
		if state.Alive() {
			once.Do(func() { close(done) })
		}
	})
	defer sub.Close()

	// The handshake can win the race against the Subscribe above, in which
	// case no further transition will ever arrive.
	if s.client.State().Alive() {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrZKSessionNotConnected
	}
}

func (s *ZKSession) currentClient() *zk.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// CurrentConnection returns the host:port of the currently established
// connection.
func (s *ZKSession) CurrentConnection() (string, error) {
	addr := s.currentClient().CurrentServer()
	if addr == "" {
		return "", ErrZKSessionDisconnected
	}
	return addr, nil
}

// CurrentServer returns the host:port of the currently connected
// zookeeper host, or "" when disconnected.
func (s *ZKSession) CurrentServer() string {
	return s.currentClient().CurrentServer()
}

// ClientID returns the resumable (session-id, password) pair for the
// current underlying session.
func (s *ZKSession) ClientID() *ClientID {
	c := s.currentClient()
	return &ClientID{SessionID: c.SessionID(), Passwd: c.Passwd()}
}

// Subscribe registers subscription to receive every future
// ZKSessionEvent, in order.
func (s *ZKSession) Subscribe(subscription chan<- ZKSessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, subscription)
}

func (s *ZKSession) notifySubscribers(event ZKSessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subscriber := range s.subscriptions {
		subscriber <- event
	}
}

// onState is the zk.Listener installed on every live client: it
// translates ConnState transitions into ZKSessionEvents and, on Expired,
// transparently redials a brand-new session in place (the teacher
// package's zookeeper.Redial call, adapted to this client's API).
func (s *ZKSession) onState(state zk.ConnState) {
	switch state {
	case zk.StateExpired:
		s.mu.Lock()
		s.expired = true
		opts := s.opts
		s.mu.Unlock()

		s.log.Printf("zk/session: session expired, redialing a fresh session")
		fresh := opts
		fresh.clientID = nil // the expired session id/passwd is no longer usable
		newClient, err := zk.Connect(fresh.connectString(), fresh.clientOptions()...)
		if err != nil {
			s.log.Printf("zk/session: redial after expiry failed: %v", err)
			s.notifySubscribers(SessionFailed)
			return
		}

		s.mu.Lock()
		s.client = newClient
		s.mu.Unlock()
		newClient.Subscribe(s.onState)
		// The fresh client's handshake can complete before the Subscribe
		// above lands; deliver the missed transition by hand.
		if st := newClient.State(); st.Alive() {
			s.onState(st)
		}

	case zk.StateAuthFailed:
		s.log.Printf("zk/session: auth failed, session terminated")
		s.notifySubscribers(SessionFailed)

	case zk.StateConnecting:
		s.mu.Lock()
		redialing := s.expired
		s.mu.Unlock()
		if redialing {
			// The fresh client's first connect attempt after an expiry
			// redial; SessionDisconnected was already reported for the
			// lost connection.
			return
		}
		s.log.Printf("zk/session: disconnected, attempting to reconnect")
		s.notifySubscribers(SessionDisconnected)

	case zk.StateConnected, zk.StateConnectedReadOnly:
		s.mu.Lock()
		wasExpired := s.expired
		s.expired = false
		s.mu.Unlock()
		if wasExpired {
			s.log.Printf("zk/session: reconnected after expiry, ephemeral nodes purged")
			s.notifySubscribers(SessionExpiredReconnected)
		} else {
			s.log.Printf("zk/session: reconnected before session timed out")
			s.notifySubscribers(SessionReconnected)
		}

	case zk.StateClosed:
		s.log.Printf("zk/session: closed")
		s.notifySubscribers(SessionClosed)
	}
}

// --- znode operations, delegated to the current underlying client ---

func (s *ZKSession) ACL(path string) ([]zk.ACL, *zk.Stat, error) {
	return s.currentClient().GetACL(context.Background(), path)
}

// AddAuth registers scheme/cert with the current underlying client, which
// replays it on each of its own reconnects. The fresh client dialed after
// a session expiry does not carry it.
func (s *ZKSession) AddAuth(scheme, cert string) error {
	return s.currentClient().AddAuth(scheme, []byte(cert))
}

// Children returns path's child names and the parent's Stat.
func (s *ZKSession) Children(path string) ([]string, *zk.Stat, error) {
	return s.currentClient().GetChildren2(context.Background(), path)
}

// ChildrenW is Children plus a channel receiving the next child-list
// change event.
func (s *ZKSession) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.WatchedEvent, error) {
	ch := make(chan zk.WatchedEvent, 1)
	children, stat, err := s.currentClient().GetChildren2W(context.Background(), path, channelWatcher(ch))
	if err != nil {
		return nil, nil, nil, err
	}
	return children, stat, ch, nil
}

// Close closes the current underlying client (see zk.Client.Close) and
// waits for it to fully tear down.
func (s *ZKSession) Close() error {
	return s.currentClient().Close(context.Background())
}

// Create makes a new znode at path.
func (s *ZKSession) Create(path string, value string, flags int, aclv []zk.ACL) (string, error) {
	return s.currentClient().Create(context.Background(), path, []byte(value), aclv, zk.CreateMode(flags))
}

// Delete removes path if its version matches (or unconditionally if
// version is -1).
func (s *ZKSession) Delete(path string, version int) error {
	return s.currentClient().Delete(context.Background(), path, int32(version))
}

// Exists reports path's Stat, or (nil, nil) if it does not exist.
func (s *ZKSession) Exists(path string) (*zk.Stat, error) {
	ok, stat, err := s.currentClient().Exists(context.Background(), path)
	if err != nil || !ok {
		return nil, err
	}
	return stat, nil
}

// ExistsW is Exists plus a channel receiving the node's next
// create/delete/data-change event.
func (s *ZKSession) ExistsW(path string) (*zk.Stat, <-chan zk.WatchedEvent, error) {
	ch := make(chan zk.WatchedEvent, 1)
	ok, stat, err := s.currentClient().ExistsW(context.Background(), path, channelWatcher(ch))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, ch, nil
	}
	return stat, ch, nil
}

// Get returns path's data and Stat.
func (s *ZKSession) Get(path string) (string, *zk.Stat, error) {
	data, stat, err := s.currentClient().GetData(context.Background(), path)
	if err != nil {
		return "", nil, err
	}
	return string(data), stat, nil
}

// GetW is Get plus a channel receiving the node's next data-change or
// deletion event.
func (s *ZKSession) GetW(path string) (string, *zk.Stat, <-chan zk.WatchedEvent, error) {
	ch := make(chan zk.WatchedEvent, 1)
	data, stat, err := s.currentClient().GetDataW(context.Background(), path, channelWatcher(ch))
	if err != nil {
		return "", nil, nil, err
	}
	return string(data), stat, ch, nil
}

// Set overwrites path's data if version matches (or unconditionally if
// version is -1).
func (s *ZKSession) Set(path string, value string, version int) (*zk.Stat, error) {
	return s.currentClient().SetData(context.Background(), path, []byte(value), int32(version))
}

// SetACL replaces path's ACL list if version matches.
func (s *ZKSession) SetACL(path string, aclv []zk.ACL, version int) error {
	_, err := s.currentClient().SetACL(context.Background(), path, aclv, int32(version))
	return err
}

// ChangeFunc computes the next value for a compare-and-set retry,
// receiving the currently stored data and Stat.
type ChangeFunc func(currentData string, stat *zk.Stat) (newData string, err error)

// RetryChange reads path, applies changeFunc, and writes the result back
// fenced on the Stat it read, retrying on BadVersion until the write
// lands uncontested or changeFunc/the read itself errors. If path does
// not yet exist, changeFunc is invoked with ("", nil) and the result is
// created fresh with flags/acl instead.
func (s *ZKSession) RetryChange(path string, flags int, acl []zk.ACL, changeFunc ChangeFunc) error {
	for {
		data, stat, err := s.Get(path)
		if errors.Is(err, zk.ErrNoNode) {
			next, cerr := changeFunc("", nil)
			if cerr != nil {
				return cerr
			}
			_, err := s.Create(path, next, flags, acl)
			if errors.Is(err, zk.ErrNodeExists) {
				continue // lost a create race, retry the read
			}
			return err
		}
		if err != nil {
			return err
		}

		next, cerr := changeFunc(data, stat)
		if cerr != nil {
			return cerr
		}
		_, err = s.Set(path, next, int(stat.Version))
		if errors.Is(err, zk.ErrBadVersion) {
			continue
		}
		return err
	}
}

// channelWatcher adapts the callback-based zk.Watcher to the
// channel-based idiom this package's *W methods expose.
func channelWatcher(ch chan<- zk.WatchedEvent) zk.Watcher {
	return func(ev zk.WatchedEvent) {
		ch <- ev
	}
}
