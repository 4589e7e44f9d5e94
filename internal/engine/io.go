package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gozk-core/zk/proto"
)

func (e *Engine) negotiatedTimeoutOrDefault() time.Duration {
	e.mu.Lock()
	t := e.negotiatedTimeout
	e.mu.Unlock()
	if t <= 0 {
		t = e.opts.SessionTimeout
	}
	return t
}

// sendLoop is the sole writer of conn for the life of one session: it
// drains the unsent queue in FIFO order (P1) and interleaves pings on the
// negotiated timeout/3 cadence (spec.md §4.3 "Liveness").
func (e *Engine) sendLoop(ctx context.Context, conn net.Conn, closeSignal <-chan struct{}) error {
	ticker := time.NewTicker(e.negotiatedTimeoutOrDefault() / 3)
	defer ticker.Stop()
	buf := make([]byte, e.opts.MaxBufferSize)

	for {
		if r, ok := e.popUnsent(); ok {
			n, err := encodeRequest(buf, r.xid, r.opcode, r.body)
			if err != nil {
				r.done <- err
				continue
			}
			// The request joins the in-flight queue before the frame hits
			// the wire: a fast server's reply must always find its entry.
			// On a write error the entry stays queued and
			// requeueAfterDisconnect decides its fate.
			r.sentAt = time.Now()
			e.mu.Lock()
			e.inFlight = append(e.inFlight, r)
			e.mu.Unlock()
			if err := writeFrame(conn, buf[:n]); err != nil {
				return err
			}
			continue
		}

		select {
		case <-e.wake:
		case <-ticker.C:
			n, err := encodeRequest(buf, proto.XidPing, proto.OpPing, &proto.PingRequest{})
			if err != nil {
				return err
			}
			if err := writeFrame(conn, buf[:n]); err != nil {
				return err
			}
		case <-closeSignal:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) popUnsent() (*request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.unsent) == 0 {
		return nil, false
	}
	r := e.unsent[0]
	e.unsent = e.unsent[1:]
	return r, true
}

// recvLoop is the sole reader of conn: it decodes each frame's
// ReplyHeader, dispatches the reserved-XID cases (watcher notification,
// ping ack, auth ack, setWatches ack) and matches everything else
// against the head of the in-flight queue (spec.md §4.4/§4.5). An
// idle-read deadline of 2*negotiatedTimeout/3 enforces liveness
// independent of the ping ticker.
func (e *Engine) recvLoop(ctx context.Context, conn net.Conn) error {
	idle := 2 * e.negotiatedTimeoutOrDefault() / 3

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idle))
		payload, err := readFrame(conn, e.opts.MaxBufferSize)
		if err != nil {
			return err
		}

		var hdr proto.ReplyHeader
		n, err := proto.DecodePacket(payload, &hdr)
		if err != nil {
			return err
		}
		body := payload[n:]

		switch hdr.Xid {
		case proto.XidWatcherEvent:
			var we proto.WatcherEvent
			if _, err := proto.DecodePacket(body, &we); err != nil {
				return err
			}
			if e.opts.OnWatcherEvent != nil {
				e.opts.OnWatcherEvent(we)
			}
		case proto.XidPing:
			// ping ack, nothing to deliver
		case proto.XidAuth:
			if hdr.Err != 0 {
				return errAuthFailed
			}
		case proto.XidSetWatches:
			// setWatches ack, nothing to deliver
		default:
			if err := e.completeReply(hdr, body); err != nil {
				return err
			}
		}

		e.bumpZxid(hdr.Zxid)
	}
}

// completeReply pops the head of the in-flight queue and asserts the
// reply's XID matches it; ZooKeeper guarantees client-order FIFO, so a
// mismatch is a protocol violation and the returned error tears the
// connection down (spec.md §4.4 "Receive", §7 "Protocol errors").
func (e *Engine) completeReply(hdr proto.ReplyHeader, body []byte) error {
	e.mu.Lock()
	if len(e.inFlight) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("zk: reply xid %d with nothing in flight: %w", hdr.Xid, proto.ErrMarshallingError)
	}
	r := e.inFlight[0]
	if r.xid != hdr.Xid {
		e.mu.Unlock()
		return fmt.Errorf("zk: reply xid %d does not match head-of-line request xid %d: %w", hdr.Xid, r.xid, proto.ErrMarshallingError)
	}
	e.inFlight = e.inFlight[1:]
	e.mu.Unlock()

	replyErr := proto.ErrFromCode(hdr.Err)
	if replyErr == nil && r.resp != nil {
		if _, err := proto.DecodePacket(body, r.resp); err != nil {
			replyErr = err
		}
	}
	if r.onReply != nil {
		r.onReply(replyErr)
	}
	r.done <- replyErr
	return nil
}

func (e *Engine) bumpZxid(zxid int64) {
	if zxid <= 0 {
		return
	}
	e.mu.Lock()
	if zxid > e.lastZxid {
		e.lastZxid = zxid
	}
	e.mu.Unlock()
}
