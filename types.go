package zk

import (
	"github.com/gozk-core/zk/listener"
	"github.com/gozk-core/zk/multi"
	"github.com/gozk-core/zk/proto"
)

// Re-exported wire types (spec.md §3) so callers never need to import
// zk/proto directly; it exists only to keep the dependency graph acyclic.
type (
	ConnState    = proto.ConnState
	EventType    = proto.EventType
	EventState   = proto.EventState
	WatchedEvent = proto.WatchedEvent
	Stat         = proto.Stat
	ACL          = proto.ACL
	Id           = proto.Id
	CreateMode   = proto.CreateMode
	WatchKind    = proto.WatchKind
)

const (
	StateNotConnected      = proto.StateNotConnected
	StateConnecting        = proto.StateConnecting
	StateConnected         = proto.StateConnected
	StateConnectedReadOnly = proto.StateConnectedReadOnly
	StateAuthFailed        = proto.StateAuthFailed
	StateExpired           = proto.StateExpired
	StateClosed            = proto.StateClosed

	EventNone                = proto.EventNone
	EventNodeCreated         = proto.EventNodeCreated
	EventNodeDeleted         = proto.EventNodeDeleted
	EventNodeDataChanged     = proto.EventNodeDataChanged
	EventNodeChildrenChanged = proto.EventNodeChildrenChanged

	WatchExists   = proto.WatchExists
	WatchData     = proto.WatchData
	WatchChildren = proto.WatchChildren

	ModePersistent                  = proto.ModePersistent
	ModeEphemeral                   = proto.ModeEphemeral
	ModePersistentSequential        = proto.ModePersistentSequential
	ModeEphemeralSequential         = proto.ModeEphemeralSequential
	ModeContainer                   = proto.ModeContainer
	ModePersistentWithTTL           = proto.ModePersistentWithTTL
	ModePersistentSequentialWithTTL = proto.ModePersistentSequentialWithTTL

	PermRead   = proto.PermRead
	PermWrite  = proto.PermWrite
	PermCreate = proto.PermCreate
	PermDelete = proto.PermDelete
	PermAdmin  = proto.PermAdmin
	PermAll    = proto.PermAll
)

// Sentinel errors, re-exported from proto so callers compare with
// errors.Is(err, zk.ErrNoNode) without an extra import.
var (
	ErrSystemError          = proto.ErrSystemError
	ErrRuntimeInconsistency = proto.ErrRuntimeInconsistency
	ErrDataInconsistency    = proto.ErrDataInconsistency
	ErrConnectionLoss       = proto.ErrConnectionLoss
	ErrMarshallingError     = proto.ErrMarshallingError
	ErrUnimplemented        = proto.ErrUnimplemented
	ErrOperationTimeout     = proto.ErrOperationTimeout
	ErrBadArguments         = proto.ErrBadArguments
	ErrNoNode               = proto.ErrNoNode
	ErrNoAuth               = proto.ErrNoAuth
	ErrBadVersion           = proto.ErrBadVersion
	ErrNodeExists           = proto.ErrNodeExists
	ErrNotEmpty             = proto.ErrNotEmpty
	ErrSessionExpired       = proto.ErrSessionExpired
	ErrInvalidACL           = proto.ErrInvalidACL
	ErrAuthFailed           = proto.ErrAuthFailed
	ErrSessionMoved         = proto.ErrSessionMoved
	ErrNoWatcher            = proto.ErrNoWatcher

	ErrConnectionClosed = proto.ErrConnectionClosed
	ErrClosing          = proto.ErrClosing
	ErrNoServers        = proto.ErrNoServers
	ErrFrameTooLarge    = proto.ErrFrameTooLarge
	ErrMixedMultiOps    = proto.ErrMixedMultiOps
)

// WorldACL, AuthACL and DigestACL build the three ACL shapes spec.md §1
// scopes this client to.
var (
	WorldACL  = proto.WorldACL
	AuthACL   = proto.AuthACL
	DigestACL = proto.DigestACL
)

// Watcher receives exactly one WatchedEvent (spec.md §3 fire-once).
type Watcher func(WatchedEvent)

// Listener receives every connection-state transition (spec.md §4.3).
type Listener = listener.Listener

// Subscription is returned by Client.Subscribe; Close releases the
// listener.
type Subscription = listener.Subscription

// Transaction and Read are the atomic multi-op builders (spec.md §4.6,
// component C8); see NewTransaction and NewRead.
type (
	Transaction         = multi.Transaction
	Read                = multi.Read
	OperationResult     = multi.OperationResult
	ReadOperationResult = multi.ReadOperationResult
)

// NewTransaction starts an empty atomic write transaction.
func NewTransaction() *Transaction { return multi.NewTransaction() }

// NewRead starts an empty atomic read-only multi.
func NewRead() *Read { return multi.NewRead() }
