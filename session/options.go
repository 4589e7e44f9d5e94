package session

import (
	"strings"
	"time"

	zk "github.com/gozk-core/zk"
)

// ClientID is the resumable (session-id, password) pair a caller
// persists across process restarts to hand back into ResumeZKSession,
// the successor to the teacher's *zookeeper.ClientId (spec.md §3
// "Session").
type ClientID struct {
	SessionID int64
	Passwd    []byte
}

// SessionOpts accumulates NewSessionWithOpts configuration; exported (as
// in the teacher package) so SessionOpt funcs can be composed outside
// this package.
type SessionOpts struct {
	servers        []string
	sessionTimeout time.Duration
	logger         stdLogger
	clientID       *ClientID
	defaultWatcher zk.Watcher
	extra          []zk.Option
}

// SessionOpt mutates and returns a SessionOpts, the same
// apply-and-return-the-value shape the teacher package used instead of a
// pointer receiver (functional options over a value, not a builder).
type SessionOpt func(SessionOpts) SessionOpts

// WithZookeepers sets the ensemble host list.
func WithZookeepers(servers []string) SessionOpt {
	return func(o SessionOpts) SessionOpts {
		o.servers = servers
		return o
	}
}

// WithRecvTimeout sets the requested session timeout, negotiated against
// the server's configured min/max (spec.md §4.3).
func WithRecvTimeout(d time.Duration) SessionOpt {
	return func(o SessionOpts) SessionOpts {
		o.sessionTimeout = d
		return o
	}
}

// WithLogger installs a diagnostic sink; nil leaves the nullLogger default.
func WithLogger(l stdLogger) SessionOpt {
	return func(o SessionOpts) SessionOpts {
		if l != nil {
			o.logger = l
		}
		return o
	}
}

// WithZookeeperClientID resumes a previously established session.
func WithZookeeperClientID(id *ClientID) SessionOpt {
	return func(o SessionOpts) SessionOpts {
		o.clientID = id
		return o
	}
}

// WithDefaultWatcher installs the session-wide default watcher passed
// through to the underlying zk.Client (spec.md §6).
func WithDefaultWatcher(w zk.Watcher) SessionOpt {
	return func(o SessionOpts) SessionOpts {
		o.defaultWatcher = w
		return o
	}
}

// WithClientOption threads an arbitrary zk.Option through to the
// underlying zk.Connect call, an escape hatch for options this package
// doesn't wrap directly (WithDialer for tests, WithMaxBufferSize, ...).
func WithClientOption(o zk.Option) SessionOpt {
	return func(so SessionOpts) SessionOpts {
		so.extra = append(so.extra, o)
		return so
	}
}

// connectString joins the configured servers into the form zk.Connect expects.
func (o SessionOpts) connectString() string {
	return strings.Join(o.servers, ",")
}

// clientOptions compiles o into the zk.Option list for a fresh connect.
func (o SessionOpts) clientOptions() []zk.Option {
	opts := append([]zk.Option(nil), o.extra...)
	if o.sessionTimeout > 0 {
		opts = append(opts, zk.WithSessionTimeout(o.sessionTimeout))
	}
	if o.logger != nil {
		opts = append(opts, zk.WithLogger(o.logger))
	}
	if o.defaultWatcher != nil {
		opts = append(opts, zk.WithDefaultWatcher(o.defaultWatcher))
	}
	if o.clientID != nil {
		opts = append(opts, zk.WithResumedSession(o.clientID.SessionID, o.clientID.Passwd))
	}
	return opts
}

// Create dials a fresh Client from the accumulated options and wraps it
// in a managed ZKSession (spec.md §6 caller surface).
func (o SessionOpts) Create() (*ZKSession, error) {
	client, err := zk.Connect(o.connectString(), o.clientOptions()...)
	if err != nil {
		return nil, err
	}
	log := o.logger
	if log == nil {
		log = &nullLogger{}
	}
	s := &ZKSession{
		opts:   o,
		client: client,
		log:    log,
	}
	return s, nil
}
