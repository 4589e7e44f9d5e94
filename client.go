// Package zk is a session-resuming ZooKeeper client: connection-state
// machine, request/response multiplexing, a fire-once watch registry,
// and an atomic multi-op composer, wired together behind a single Client
// (spec.md §1, component C9).
package zk

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gozk-core/zk/host"
	"github.com/gozk-core/zk/internal/engine"
	"github.com/gozk-core/zk/listener"
	"github.com/gozk-core/zk/proto"
	"github.com/gozk-core/zk/watch"
)

// Client is a ZooKeeper session: one connect string, one chroot, one
// session engine. It is safe for concurrent use by multiple goroutines.
type Client struct {
	chroot    chroot
	logger    Logger
	watches   *watch.Registry
	listeners *listener.Registry
	eng       *engine.Engine
}

// Connect parses connectString ("host:port[,host:port...][/chroot]"),
// constructs the session engine, and starts driving it in the
// background. Connect returns as soon as the Client is constructed;
// Subscribe to observe when the handshake actually completes (spec.md
// §4.2: "Connect does not block for the initial handshake").
func Connect(connectString string, opts ...Option) (*Client, error) {
	hosts, chrootPath, err := splitConnectString(connectString)
	if err != nil {
		return nil, err
	}

	cfg := &config{
		sessionTimeout: DefaultSessionTimeout,
		logger:         NopLogger{},
	}
	for _, o := range opts {
		o(cfg)
	}

	var defaultW watch.Watcher
	if cfg.defaultWatcher != nil {
		defaultW = watch.Watcher(cfg.defaultWatcher)
	}
	c := &Client{
		chroot:    newChroot(chrootPath),
		logger:    cfg.logger,
		watches:   watch.NewRegistry(defaultW),
		listeners: listener.NewRegistry(),
	}

	hs := host.New(hosts, cfg.sessionTimeout)
	c.eng = engine.New(engine.Options{
		Hosts:            hs,
		SessionTimeout:   cfg.sessionTimeout,
		Dialer:           cfg.dialer,
		Logger:           cfg.logger,
		MaxBufferSize:    cfg.maxBufferSize,
		PendingWatches:   c.pendingWatchesWire,
		OnWatcherEvent:   c.onWatcherEvent,
		OnStateChange:    c.onStateChange,
		InitialSessionID: cfg.sessionID,
		InitialPasswd:    cfg.passwd,
		ReadOnly:         cfg.readOnly,
	})

	go c.eng.Run(context.Background())

	return c, nil
}

func (c *Client) pendingWatchesWire() (exists, data, children []string) {
	we, wd, wc := c.watches.Pending()
	return c.chroot.applyAll(we), c.chroot.applyAll(wd), c.chroot.applyAll(wc)
}

func (c *Client) onWatcherEvent(we proto.WatcherEvent) {
	c.watches.Fire(proto.WatchedEvent{
		State: proto.EventState(we.State),
		Type:  proto.EventType(we.Type),
		Path:  c.chroot.strip(we.Path),
	})
}

func (c *Client) onStateChange(s proto.ConnState) {
	c.listeners.Notify(s)
	// Every transition is wrapped as a type==None event for the globally
	// installed default watcher (spec.md §4.5).
	c.watches.Fire(proto.WatchedEvent{State: proto.EventState(s), Type: proto.EventNone})
	switch s {
	case proto.StateClosed, proto.StateExpired, proto.StateAuthFailed:
		// Terminal: no future SetWatches replay will ever resurrect these,
		// so every pending watcher is fired now with the terminal state
		// (spec.md §5). Transient disconnects (Connecting) leave watches
		// pending across the reconnect instead.
		c.watches.Drain(proto.EventState(s))
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState { return c.eng.State() }

// SessionID returns the current (or most recently established) session id.
func (c *Client) SessionID() int64 { return c.eng.SessionID() }

// Passwd returns a copy of the current session password, for callers
// persisting (SessionID, Passwd) to resume this session later via
// WithResumedSession.
func (c *Client) Passwd() []byte { return c.eng.Passwd() }

// CurrentServer returns the host:port of the currently connected server,
// or "" when disconnected.
func (c *Client) CurrentServer() string { return c.eng.CurrentServer() }

// Subscribe registers l for every future connection-state transition,
// returning a handle whose Close unsubscribes it (spec.md §4.3,
// component C7).
func (c *Client) Subscribe(l Listener) Subscription {
	return c.listeners.Subscribe(l)
}

// AddAuth registers scheme/auth and sends it immediately; it is replayed
// on every future (re)connect.
func (c *Client) AddAuth(scheme string, auth []byte) error {
	return c.eng.AddAuth(scheme, auth)
}

// Close enqueues a CloseSession request and waits for the engine to fully
// tear down. The socket is closed without waiting for the server's reply,
// so the request may not reach the server.
func (c *Client) Close(ctx context.Context) error {
	return c.eng.Close(ctx)
}

func isSequentialMode(mode CreateMode) bool {
	switch mode {
	case proto.ModePersistentSequential, proto.ModeEphemeralSequential, proto.ModePersistentSequentialWithTTL:
		return true
	default:
		return false
	}
}

// Create makes a new znode at path and returns the (possibly
// sequential-suffixed) path the server actually created.
func (c *Client) Create(ctx context.Context, path string, data []byte, acl []ACL, mode CreateMode) (string, error) {
	if err := validatePath(path, isSequentialMode(mode)); err != nil {
		return "", err
	}
	var resp proto.CreateResponse
	req := &proto.CreateRequest{Path: c.chroot.apply(path), Data: data, Acl: acl, Flags: int32(mode)}
	if err := c.eng.Submit(ctx, proto.OpCreate, req, &resp); err != nil {
		return "", err
	}
	return c.chroot.strip(resp.Path), nil
}

// Create2 is Create plus the created node's Stat.
func (c *Client) Create2(ctx context.Context, path string, data []byte, acl []ACL, mode CreateMode) (string, *Stat, error) {
	if err := validatePath(path, isSequentialMode(mode)); err != nil {
		return "", nil, err
	}
	var resp proto.Create2Response
	req := &proto.CreateRequest{Path: c.chroot.apply(path), Data: data, Acl: acl, Flags: int32(mode)}
	if err := c.eng.Submit(ctx, proto.OpCreate2, req, &resp); err != nil {
		return "", nil, err
	}
	return c.chroot.strip(resp.Path), &resp.Stat, nil
}

// CreateTTL is Create2 for ModePersistentWithTTL/ModePersistentSequentialWithTTL.
func (c *Client) CreateTTL(ctx context.Context, path string, data []byte, acl []ACL, mode CreateMode, ttl time.Duration) (string, *Stat, error) {
	if err := validatePath(path, isSequentialMode(mode)); err != nil {
		return "", nil, err
	}
	var resp proto.Create2Response
	req := &proto.CreateTTLRequest{Path: c.chroot.apply(path), Data: data, Acl: acl, Flags: int32(mode), TTL: ttl.Milliseconds()}
	if err := c.eng.Submit(ctx, proto.OpCreateTTL, req, &resp); err != nil {
		return "", nil, err
	}
	return c.chroot.strip(resp.Path), &resp.Stat, nil
}

// CreateProtectedEphemeralSequential creates an ephemeral sequential
// znode guarded against the "did my create actually land" ambiguity a
// ConnectionLoss mid-create leaves behind: the requested name is tagged
// with a random GUID, and on ConnectionLoss the parent is scanned for a
// child already carrying that GUID before giving up, so a retried caller
// never leaks a duplicate ephemeral node (an idiom shared by every
// mainstream ZooKeeper client, not specific to any one of them).
func (c *Client) CreateProtectedEphemeralSequential(ctx context.Context, path string, data []byte, acl []ACL) (string, error) {
	if err := validatePath(path, true); err != nil {
		return "", err
	}
	dir, base := splitLastSegment(path)
	parent := dir
	if parent == "" {
		parent = "/"
	}
	guid := uuid.New().String()
	protectedBase := "_c_" + guid + "-" + base
	protectedPath := parent + "/" + protectedBase
	if parent == "/" {
		protectedPath = "/" + protectedBase
	}

	created, err := c.Create(ctx, protectedPath, data, acl, ModeEphemeralSequential)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, proto.ErrConnectionLoss) {
		return "", err
	}

	children, lookupErr := c.GetChildren(ctx, parent)
	if lookupErr != nil {
		return "", err
	}
	for _, child := range children {
		if strings.Contains(child, guid) {
			if parent == "/" {
				return "/" + child, nil
			}
			return parent + "/" + child, nil
		}
	}
	return "", err
}

// Delete removes path if its version matches (or unconditionally if
// version is -1).
func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	if err := validatePath(path, false); err != nil {
		return err
	}
	var resp proto.DeleteResponse
	req := &proto.DeleteRequest{Path: c.chroot.apply(path), Version: version}
	return c.eng.Submit(ctx, proto.OpDelete, req, &resp)
}

// Exists reports whether path currently exists.
func (c *Client) Exists(ctx context.Context, path string) (bool, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return false, nil, err
	}
	var resp proto.ExistsResponse
	req := &proto.ExistsRequest{Path: c.chroot.apply(path)}
	err := c.eng.Submit(ctx, proto.OpExists, req, &resp)
	if errors.Is(err, proto.ErrNoNode) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, &resp.Stat, nil
}

// ExistsW is Exists plus a one-shot watcher that fires on the node's
// next create, delete, or data change — including its eventual creation
// if it does not exist yet (spec.md §4.5: Exists watches a missing path
// too).
func (c *Client) ExistsW(ctx context.Context, path string, w Watcher) (bool, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return false, nil, err
	}
	var resp proto.ExistsResponse
	req := &proto.ExistsRequest{Path: c.chroot.apply(path), Watch: true}
	// An exists watch on a missing node is legal: the server arms it on
	// NoNode too, waiting on the node's creation (spec.md §4.4).
	err := c.eng.SubmitWatch(ctx, proto.OpExists, req, &resp, func(replyErr error) {
		if replyErr == nil || errors.Is(replyErr, proto.ErrNoNode) {
			c.watches.Register(path, watch.Exists, watch.Watcher(w))
		}
	})
	if err == nil {
		return true, &resp.Stat, nil
	}
	if errors.Is(err, proto.ErrNoNode) {
		return false, nil, nil
	}
	return false, nil, err
}

// GetData returns path's data and Stat.
func (c *Client) GetData(ctx context.Context, path string) ([]byte, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, nil, err
	}
	var resp proto.GetDataResponse
	req := &proto.GetDataRequest{Path: c.chroot.apply(path)}
	if err := c.eng.Submit(ctx, proto.OpGetData, req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Data, &resp.Stat, nil
}

// GetDataW is GetData plus a one-shot watcher for the node's next data
// change or deletion.
func (c *Client) GetDataW(ctx context.Context, path string, w Watcher) ([]byte, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, nil, err
	}
	var resp proto.GetDataResponse
	req := &proto.GetDataRequest{Path: c.chroot.apply(path), Watch: true}
	err := c.eng.SubmitWatch(ctx, proto.OpGetData, req, &resp, func(replyErr error) {
		if replyErr == nil {
			c.watches.Register(path, watch.Data, watch.Watcher(w))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Data, &resp.Stat, nil
}

// SetData overwrites path's data if version matches (or unconditionally
// if version is -1).
func (c *Client) SetData(ctx context.Context, path string, data []byte, version int32) (*Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, err
	}
	var resp proto.SetDataResponse
	req := &proto.SetDataRequest{Path: c.chroot.apply(path), Data: data, Version: version}
	if err := c.eng.Submit(ctx, proto.OpSetData, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

// GetACL returns path's ACL list and Stat.
func (c *Client) GetACL(ctx context.Context, path string) ([]ACL, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, nil, err
	}
	var resp proto.GetACLResponse
	req := &proto.GetACLRequest{Path: c.chroot.apply(path)}
	if err := c.eng.Submit(ctx, proto.OpGetACL, req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Acl, &resp.Stat, nil
}

// SetACL replaces path's ACL list if version matches.
func (c *Client) SetACL(ctx context.Context, path string, acl []ACL, version int32) (*Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, err
	}
	var resp proto.SetACLResponse
	req := &proto.SetACLRequest{Path: c.chroot.apply(path), Acl: acl, Version: version}
	if err := c.eng.Submit(ctx, proto.OpSetACL, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

// GetChildren returns path's immediate child names.
func (c *Client) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := validatePath(path, false); err != nil {
		return nil, err
	}
	var resp proto.GetChildrenResponse
	req := &proto.GetChildrenRequest{Path: c.chroot.apply(path)}
	if err := c.eng.Submit(ctx, proto.OpGetChildren, req, &resp); err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// GetChildrenW is GetChildren plus a one-shot watcher for the next
// child-list change.
func (c *Client) GetChildrenW(ctx context.Context, path string, w Watcher) ([]string, error) {
	if err := validatePath(path, false); err != nil {
		return nil, err
	}
	var resp proto.GetChildrenResponse
	req := &proto.GetChildrenRequest{Path: c.chroot.apply(path), Watch: true}
	err := c.eng.SubmitWatch(ctx, proto.OpGetChildren, req, &resp, func(replyErr error) {
		if replyErr == nil {
			c.watches.Register(path, watch.Children, watch.Watcher(w))
		}
	})
	if err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// GetChildren2 is GetChildren plus the parent's Stat.
func (c *Client) GetChildren2(ctx context.Context, path string) ([]string, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, nil, err
	}
	var resp proto.GetChildren2Response
	req := &proto.GetChildren2Request{Path: c.chroot.apply(path)}
	if err := c.eng.Submit(ctx, proto.OpGetChildren2, req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Children, &resp.Stat, nil
}

// GetChildren2W is GetChildren2 plus a one-shot watcher for the next
// child-list change.
func (c *Client) GetChildren2W(ctx context.Context, path string, w Watcher) ([]string, *Stat, error) {
	if err := validatePath(path, false); err != nil {
		return nil, nil, err
	}
	var resp proto.GetChildren2Response
	req := &proto.GetChildren2Request{Path: c.chroot.apply(path), Watch: true}
	err := c.eng.SubmitWatch(ctx, proto.OpGetChildren2, req, &resp, func(replyErr error) {
		if replyErr == nil {
			c.watches.Register(path, watch.Children, watch.Watcher(w))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Children, &resp.Stat, nil
}

// Sync flushes path's leader-relative read pipeline so the next read on
// this session observes every write acknowledged before Sync was called.
func (c *Client) Sync(ctx context.Context, path string) (string, error) {
	if err := validatePath(path, false); err != nil {
		return "", err
	}
	var resp proto.SyncResponse
	req := &proto.SyncRequest{Path: c.chroot.apply(path)}
	if err := c.eng.Submit(ctx, proto.OpSync, req, &resp); err != nil {
		return "", err
	}
	return c.chroot.strip(resp.Path), nil
}

// Multi commits t atomically: either every sub-op applies, or the first
// failing sub-op's error is returned and none do (spec.md §4.6).
func (c *Client) Multi(ctx context.Context, t *Transaction) ([]OperationResult, error) {
	for _, p := range t.Paths() {
		if err := validatePath(p, false); err != nil {
			return nil, err
		}
	}
	env := t.WithPathTransform(c.chroot.apply).Envelope()
	resp := env.NewResponse()
	if err := c.eng.Submit(ctx, proto.OpMulti, env, resp); err != nil {
		return nil, err
	}
	results, err := resp.Results()
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Path = c.chroot.strip(results[i].Path)
	}
	return results, nil
}

// MultiRead executes r as a single atomic read snapshot (spec.md §4.6).
func (c *Client) MultiRead(ctx context.Context, r *Read) ([]ReadOperationResult, error) {
	for _, p := range r.Paths() {
		if err := validatePath(p, false); err != nil {
			return nil, err
		}
	}
	env := r.WithPathTransform(c.chroot.apply).Envelope()
	resp := env.NewResponse()
	if err := c.eng.Submit(ctx, proto.OpMulti, env, resp); err != nil {
		return nil, err
	}
	return resp.ReadResults()
}
