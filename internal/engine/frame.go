package engine

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/gozk-core/zk/proto"
)

// writeFrame writes the spec.md §4.1 big-endian u32 length prefix
// followed by payload.
func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting announced lengths
// over maxSize before allocating (spec.md §4.1 "a frame announcing a
// length over the configured maximum is a protocol violation").
func readFrame(conn net.Conn, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && int(n) > maxSize {
		return nil, proto.ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeRaw frames and writes rec with no RequestHeader, used only for the
// session-creation packet which predates XID assignment.
func (e *Engine) writeRaw(conn net.Conn, rec interface{}) error {
	buf := make([]byte, e.opts.MaxBufferSize)
	n, err := proto.EncodePacket(buf, rec)
	if err != nil {
		return err
	}
	return writeFrame(conn, buf[:n])
}

// encodeRequest serializes a RequestHeader followed by body into buf,
// returning the number of bytes written.
func encodeRequest(buf []byte, xid, opcode int32, body interface{}) (int, error) {
	n, err := proto.EncodePacket(buf, &proto.RequestHeader{Xid: xid, Opcode: opcode})
	if err != nil {
		return n, err
	}
	if body == nil {
		return n, nil
	}
	m, err := proto.EncodePacket(buf[n:], body)
	return n + m, err
}
