package engine

import (
	"context"
	"net"
	"time"

	"github.com/gozk-core/zk/proto"
)

// connectTimeout bounds a single dial-and-handshake attempt, starting
// from a fraction of the session timeout with a floor so a very short
// configured timeout still gives the handshake a fair chance (spec.md
// §4.2).
func connectTimeout(sessionTimeout time.Duration) time.Duration {
	t := sessionTimeout / 3
	if t < proto.MinConnectTimeout {
		t = proto.MinConnectTimeout
	}
	return t
}

// connectOnce walks one shuffled pass over the host set, dialing and
// handshaking each candidate the circuit breaker currently allows, and
// installs the first connection that completes a non-expired handshake
// (spec.md §4.2/§4.3). A nil error with connected == false means every
// candidate failed and the caller should back off and retry the whole
// pass; errExpired/errAuthFailed are terminal.
func (e *Engine) connectOnce(ctx context.Context) (bool, error) {
	e.connMu.Lock()
	e.currentAddr = ""
	e.connMu.Unlock()

	addrs, err := e.hosts.Candidates(ctx)
	if err != nil {
		return false, nil
	}
	e.setState(proto.StateConnecting)

	for _, addr := range addrs {
		select {
		case <-e.closeCh:
			return false, nil
		case <-ctx.Done():
			return false, nil
		default:
		}
		if !e.hosts.Allow(addr) {
			continue
		}

		conn, err := e.dial(ctx, addr)
		if err != nil {
			e.hosts.Report(addr, false)
			e.logger.Printf("zk: dial %s failed: %v", addr, err)
			continue
		}

		if err := e.handshake(conn); err != nil {
			conn.Close()
			if err == errExpired || err == errAuthFailed {
				return false, err
			}
			e.hosts.Report(addr, false)
			e.logger.Printf("zk: handshake with %s failed: %v", addr, err)
			continue
		}

		e.hosts.Report(addr, true)
		e.connMu.Lock()
		e.currentAddr = addr
		e.connMu.Unlock()
		e.setConn(conn)
		return true, nil
	}
	return false, nil
}

func (e *Engine) dial(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout(e.opts.SessionTimeout))
	defer cancel()
	return e.opts.Dialer(dctx, "tcp", addr)
}

// handshake performs the CONNECT exchange (spec.md §4.1/§4.2: the first
// packet on a new socket has no RequestHeader) and, on success, replays
// the SetWatches bundle and any registered auth credentials before
// handing the connection to serve().
func (e *Engine) handshake(conn net.Conn) error {
	e.mu.Lock()
	req := &proto.ConnectRequest{
		ProtocolVersion: proto.ProtocolVersion,
		LastZxidSeen:    e.lastZxid,
		TimeOut:         int32(e.opts.SessionTimeout / time.Millisecond),
		SessionID:       e.sessionID,
		Passwd:          e.passwd,
		ReadOnly:        e.opts.ReadOnly,
	}
	e.mu.Unlock()

	deadline := time.Now().Add(connectTimeout(e.opts.SessionTimeout))
	conn.SetDeadline(deadline)

	if err := e.writeRaw(conn, req); err != nil {
		return err
	}
	payload, err := readFrame(conn, e.opts.MaxBufferSize)
	if err != nil {
		return err
	}
	var resp proto.ConnectResponse
	if _, err := proto.DecodePacket(payload, &resp); err != nil {
		return err
	}
	if resp.TimeOut <= 0 {
		return errExpired
	}

	e.mu.Lock()
	e.sessionID = resp.SessionID
	e.passwd = resp.Passwd
	e.negotiatedTimeout = time.Duration(resp.TimeOut) * time.Millisecond
	creds := append([]Credential(nil), e.credentials...)
	rzxid := e.lastZxid
	e.mu.Unlock()

	buf := make([]byte, e.opts.MaxBufferSize)

	if e.opts.PendingWatches != nil {
		exists, data, children := e.opts.PendingWatches()
		if len(exists) > 0 || len(data) > 0 || len(children) > 0 {
			sw := &proto.SetWatchesRequest{
				RelativeZxid: rzxid,
				DataWatches:  data,
				ExistWatches: exists,
				ChildWatches: children,
			}
			n, err := encodeRequest(buf, proto.XidSetWatches, proto.OpSetWatches, sw)
			if err != nil {
				return err
			}
			if err := writeFrame(conn, buf[:n]); err != nil {
				return err
			}
		}
	}

	for _, c := range creds {
		n, err := encodeRequest(buf, proto.XidAuth, proto.OpAuth, &proto.AuthPacket{Scheme: c.Scheme, Auth: c.Auth})
		if err != nil {
			return err
		}
		if err := writeFrame(conn, buf[:n]); err != nil {
			return err
		}
	}

	conn.SetDeadline(time.Time{})
	if resp.ReadOnly {
		e.setState(proto.StateConnectedReadOnly)
	} else {
		e.setState(proto.StateConnected)
	}
	return nil
}
