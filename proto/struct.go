package proto

// Fixed-field and composite jute records (spec.md §3, §4.1).

// Id identifies a principal under an ACL scheme.
type Id struct {
	Scheme string
	ID     string
}

// ACL grants Perms to Id.
type ACL struct {
	Perms int32
	Id
}

// WorldACL returns the permissive "world:anyone" ACL with the given
// perms, the default most callers reach for.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Id: Id{Scheme: "world", ID: "anyone"}}}
}

// AuthACL returns the "auth:" ACL, granting perms to whoever is
// currently authenticated on the connection that created the node.
func AuthACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Id: Id{Scheme: "auth", ID: ""}}}
}

// DigestACL returns a "digest:id:digest" ACL for an already-hashed id,
// one of the two built-in auth schemes in scope (spec.md §1).
func DigestACL(perms int32, id, digest string) []ACL {
	return []ACL{{Perms: perms, Id: Id{Scheme: "digest", ID: id + ":" + digest}}}
}

// Stat is the 11-field znode metadata record (spec.md §3).
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Ctime          int64
	Mtime          int64
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          int64
}

// WatchedEvent is an out-of-band notification routed by C5 to C6
// (spec.md §3).
type WatchedEvent struct {
	State EventState
	Type  EventType
	Path  string
}

// --- headers ---

type RequestHeader struct {
	Xid    int32
	Opcode int32
}

type ReplyHeader struct {
	Xid  int32
	Zxid int64
	Err  int32
}

// --- connect ---

type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	TimeOut         int32
	SessionID       int64
	Passwd          []byte
	ReadOnly        bool
}

type ConnectResponse struct {
	ProtocolVersion int32
	TimeOut         int32
	SessionID       int64
	Passwd          []byte
	ReadOnly        bool
}

// --- ping / close / auth ---

type PingRequest struct{}
type PingResponse struct{}

type CloseRequest struct{}
type CloseResponse struct{}

type AuthPacket struct {
	Type   int32
	Scheme string
	Auth   []byte
}

type AuthResponse struct{}

// --- watcher event (xid == -1) ---

type WatcherEvent struct {
	Type  int32
	State int32
	Path  string
}

// --- create / delete / exists / getData / setData ---

type CreateRequest struct {
	Path  string
	Data  []byte
	Acl   []ACL
	Flags int32
}

type CreateResponse struct {
	Path string
}

type Create2Response struct {
	Path string
	Stat Stat
}

type CreateTTLRequest struct {
	Path  string
	Data  []byte
	Acl   []ACL
	Flags int32
	TTL   int64
}

type DeleteRequest struct {
	Path    string
	Version int32
}

type DeleteResponse struct{}

type ExistsRequest struct {
	Path  string
	Watch bool
}

type ExistsResponse struct {
	Stat Stat
}

type GetDataRequest struct {
	Path  string
	Watch bool
}

type GetDataResponse struct {
	Data []byte
	Stat Stat
}

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

type SetDataResponse struct {
	Stat Stat
}

// --- ACL ---

type GetACLRequest struct {
	Path string
}

type GetACLResponse struct {
	Acl  []ACL
	Stat Stat
}

type SetACLRequest struct {
	Path    string
	Acl     []ACL
	Version int32
}

type SetACLResponse struct {
	Stat Stat
}

// --- children ---

type GetChildrenRequest struct {
	Path  string
	Watch bool
}

type GetChildrenResponse struct {
	Children []string
}

type GetChildren2Request struct {
	Path  string
	Watch bool
}

type GetChildren2Response struct {
	Children []string
	Stat     Stat
}

// --- sync ---

type SyncRequest struct {
	Path string
}

type SyncResponse struct {
	Path string
}

// --- check (multi sub-op) ---

type CheckVersionRequest struct {
	Path    string
	Version int32
}

// --- setWatches (opcode -8) ---

type SetWatchesRequest struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

type SetWatchesResponse struct{}

// --- multi envelope, spec.md §4.6 ---

// MultiHeader precedes every sub-op in a multi request/response; a
// terminal MultiHeader{-1, true, -1} closes the envelope.
type MultiHeader struct {
	Type int32
	Done bool
	Err  int32
}
