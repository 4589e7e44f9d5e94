package zk

import (
	"time"

	"github.com/gozk-core/zk/internal/engine"
)

// DefaultSessionTimeout matches the negotiation default most ensembles
// are tuned around (spec.md §4.2).
const DefaultSessionTimeout = 10 * time.Second

// Option configures a Client at Connect time.
type Option func(*config)

type config struct {
	sessionTimeout time.Duration
	logger         Logger
	dialer         engine.Dialer
	maxBufferSize  int
	sessionID      int64
	passwd         []byte
	defaultWatcher Watcher
	readOnly       bool
}

// WithSessionTimeout overrides the requested session timeout sent in the
// CONNECT handshake (spec.md §4.2); the server may negotiate a shorter one.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sessionTimeout = d
		}
	}
}

// WithLogger installs a structured logger; nil is ignored (the NopLogger
// default is kept).
func WithLogger(l Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer overrides how TCP connections are established; tests use
// this to substitute an in-memory transport.
func WithDialer(d engine.Dialer) Option {
	return func(c *config) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithMaxBufferSize overrides the frame-length cap (spec.md §4.1,
// default proto.DefaultMaxBufferSize).
func WithMaxBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBufferSize = n
		}
	}
}

// WithResumedSession resumes a previously established session instead of
// creating a fresh one, the caller having persisted the session id and
// password from an earlier Client (spec.md §4.2 "session resumption").
func WithResumedSession(sessionID int64, passwd []byte) Option {
	return func(c *config) {
		c.sessionID = sessionID
		c.passwd = passwd
	}
}

// WithDefaultWatcher installs the globally-registered watcher that
// receives type==None events wrapping a session-state transition
// (spec.md §4.5, §6 "One connection constructor taking (connect-string,
// session-timeout, default-watcher)").
func WithDefaultWatcher(w Watcher) Option {
	return func(c *config) {
		c.defaultWatcher = w
	}
}

// WithReadOnly requests that the server admit this session in read-only
// mode when it is partitioned from quorum, instead of refusing the
// connection outright (spec.md §4.2 "read-only failover").
func WithReadOnly(readOnly bool) Option {
	return func(c *config) {
		c.readOnly = readOnly
	}
}
