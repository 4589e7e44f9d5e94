// Package multi implements the atomic multi-op composer (spec.md §4.6,
// component C8): a write-only Transaction builder and a read-only Read
// builder, each compiling down to the same MultiHeader-delimited wire
// envelope, with first-sub-error-wins semantics on decode.
//
// Grounded on the Transaction/Read builder split in
// original_source/src/multi_op.rs: a fluent, consuming builder per op
// kind, committed with a single call that either returns every result or
// the first failure.
package multi

import (
	"fmt"

	"github.com/gozk-core/zk/proto"
)

// OpType identifies a sub-operation's kind in a decoded result, mirroring
// the wire opcode it was built from.
type OpType int32

const (
	OpCreate      OpType = OpType(proto.OpCreate)
	OpCreate2     OpType = OpType(proto.OpCreate2)
	OpCreateTTL   OpType = OpType(proto.OpCreateTTL)
	OpSetData     OpType = OpType(proto.OpSetData)
	OpDelete      OpType = OpType(proto.OpDelete)
	OpCheck       OpType = OpType(proto.OpCheck)
	OpGetData     OpType = OpType(proto.OpGetData)
	OpGetChildren OpType = OpType(proto.OpGetChildren)
)

// OperationResult is one Transaction sub-op's outcome (spec.md §4.6).
type OperationResult struct {
	Type OpType
	Path string
	Stat proto.Stat
}

// ReadOperationResult is one Read sub-op's outcome.
type ReadOperationResult struct {
	Type     OpType
	Data     []byte
	Stat     proto.Stat
	Children []string
}

type subOp struct {
	write bool
	typ   OpType
	body  interface{}
}

// Transaction accumulates write sub-operations to commit atomically.
// Every method returns the receiver so calls chain; build with
// NewTransaction and commit via a Client's Multi method.
type Transaction struct {
	ops []subOp
}

// NewTransaction starts an empty write transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Create appends a create sub-op, mirroring Client.Create.
func (t *Transaction) Create(path string, data []byte, acl []proto.ACL, mode proto.CreateMode) *Transaction {
	t.ops = append(t.ops, subOp{true, OpCreate, &proto.CreateRequest{Path: path, Data: data, Acl: acl, Flags: int32(mode)}})
	return t
}

// Create2 appends a create sub-op that also returns the created node's Stat.
func (t *Transaction) Create2(path string, data []byte, acl []proto.ACL, mode proto.CreateMode) *Transaction {
	t.ops = append(t.ops, subOp{true, OpCreate2, &proto.CreateRequest{Path: path, Data: data, Acl: acl, Flags: int32(mode)}})
	return t
}

// CreateTTL appends a TTL-bearing create sub-op (modes ModePersistentWithTTL
// / ModePersistentSequentialWithTTL only).
func (t *Transaction) CreateTTL(path string, data []byte, acl []proto.ACL, mode proto.CreateMode, ttlMillis int64) *Transaction {
	t.ops = append(t.ops, subOp{true, OpCreateTTL, &proto.CreateTTLRequest{Path: path, Data: data, Acl: acl, Flags: int32(mode), TTL: ttlMillis}})
	return t
}

// SetData appends a version-checked data write; version -1 skips the check.
func (t *Transaction) SetData(path string, data []byte, version int32) *Transaction {
	t.ops = append(t.ops, subOp{true, OpSetData, &proto.SetDataRequest{Path: path, Data: data, Version: version}})
	return t
}

// Delete appends a version-checked delete; version -1 skips the check.
func (t *Transaction) Delete(path string, version int32) *Transaction {
	t.ops = append(t.ops, subOp{true, OpDelete, &proto.DeleteRequest{Path: path, Version: version}})
	return t
}

// Check asserts path exists at version (or merely exists, if version is
// -1) without otherwise touching it; used to fence a transaction on
// another node's version.
func (t *Transaction) Check(path string, version int32) *Transaction {
	t.ops = append(t.ops, subOp{true, OpCheck, &proto.CheckVersionRequest{Path: path, Version: version}})
	return t
}

// Len reports the number of accumulated sub-operations.
func (t *Transaction) Len() int { return len(t.ops) }

// Envelope compiles the accumulated sub-operations into the wire-ready
// OpMulti request body.
func (t *Transaction) Envelope() *Envelope {
	return &Envelope{ops: append([]subOp(nil), t.ops...)}
}

// WithPathTransform returns a copy of t with f applied to every
// accumulated sub-op's path. Client uses this to apply its chroot prefix
// just before building the wire envelope; most callers never need it
// directly.
func (t *Transaction) WithPathTransform(f func(string) string) *Transaction {
	out := &Transaction{ops: make([]subOp, len(t.ops))}
	for i, o := range t.ops {
		out.ops[i] = subOp{write: o.write, typ: o.typ, body: rewritePath(o.body, f)}
	}
	return out
}

// Read accumulates read-only sub-operations to execute as a single
// atomic snapshot (spec.md §4.6 "a read-only multi composed purely of
// getData/getChildren entries, executed against one zxid").
type Read struct {
	ops []subOp
}

// NewRead starts an empty read-only multi.
func NewRead() *Read {
	return &Read{}
}

// GetData appends a data read, mirroring Client.GetData.
func (r *Read) GetData(path string) *Read {
	r.ops = append(r.ops, subOp{false, OpGetData, &proto.GetDataRequest{Path: path}})
	return r
}

// GetChildren appends a children listing, mirroring Client.GetChildren.
func (r *Read) GetChildren(path string) *Read {
	r.ops = append(r.ops, subOp{false, OpGetChildren, &proto.GetDataRequest{Path: path}})
	return r
}

// Len reports the number of accumulated sub-operations.
func (r *Read) Len() int { return len(r.ops) }

// Envelope compiles the accumulated sub-operations into the wire-ready
// OpMulti request body.
func (r *Read) Envelope() *Envelope {
	return &Envelope{ops: append([]subOp(nil), r.ops...)}
}

// WithPathTransform returns a copy of r with f applied to every
// accumulated sub-op's path; see Transaction.WithPathTransform.
func (r *Read) WithPathTransform(f func(string) string) *Read {
	out := &Read{ops: make([]subOp, len(r.ops))}
	for i, o := range r.ops {
		out.ops[i] = subOp{write: o.write, typ: o.typ, body: rewritePath(o.body, f)}
	}
	return out
}

// Paths returns each accumulated sub-op's path in submission order, for
// caller-side validation before the envelope is built.
func (t *Transaction) Paths() []string { return opPaths(t.ops) }

// Paths returns each accumulated sub-op's path in submission order; see
// Transaction.Paths.
func (r *Read) Paths() []string { return opPaths(r.ops) }

func opPaths(ops []subOp) []string {
	out := make([]string, 0, len(ops))
	for _, o := range ops {
		switch b := o.body.(type) {
		case *proto.CreateRequest:
			out = append(out, b.Path)
		case *proto.CreateTTLRequest:
			out = append(out, b.Path)
		case *proto.SetDataRequest:
			out = append(out, b.Path)
		case *proto.DeleteRequest:
			out = append(out, b.Path)
		case *proto.CheckVersionRequest:
			out = append(out, b.Path)
		case *proto.GetDataRequest:
			out = append(out, b.Path)
		}
	}
	return out
}

// rewritePath copies body with its Path field transformed by f. Every
// sub-op body in this package carries exactly one Path field.
func rewritePath(body interface{}, f func(string) string) interface{} {
	switch b := body.(type) {
	case *proto.CreateRequest:
		nb := *b
		nb.Path = f(b.Path)
		return &nb
	case *proto.CreateTTLRequest:
		nb := *b
		nb.Path = f(b.Path)
		return &nb
	case *proto.SetDataRequest:
		nb := *b
		nb.Path = f(b.Path)
		return &nb
	case *proto.DeleteRequest:
		nb := *b
		nb.Path = f(b.Path)
		return &nb
	case *proto.CheckVersionRequest:
		nb := *b
		nb.Path = f(b.Path)
		return &nb
	case *proto.GetDataRequest:
		nb := *b
		nb.Path = f(b.Path)
		return &nb
	default:
		return body
	}
}

// Envelope is the wire form shared by Transaction and Read: a sequence of
// MultiHeader-prefixed sub-op bodies closed by a terminal
// {Type:-1,Done:true}. It implements proto's customEncoder so the engine
// can pass it straight to Submit as an opaque request body.
type Envelope struct {
	ops []subOp
}

func (e *Envelope) validate() error {
	if len(e.ops) == 0 {
		return nil
	}
	write := e.ops[0].write
	for _, o := range e.ops[1:] {
		if o.write != write {
			return proto.ErrMixedMultiOps
		}
	}
	return nil
}

// EncodeZK implements the custom wire encoding the generic jute codec
// delegates to for records outside its fixed-field/vector/struct shape.
func (e *Envelope) EncodeZK(buf []byte) (int, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	n := 0
	for _, o := range e.ops {
		m, err := proto.EncodePacket(buf[n:], &proto.MultiHeader{Type: int32(o.typ), Done: false, Err: -1})
		if err != nil {
			return n, err
		}
		n += m
		m, err = proto.EncodePacket(buf[n:], o.body)
		if err != nil {
			return n, err
		}
		n += m
	}
	m, err := proto.EncodePacket(buf[n:], &proto.MultiHeader{Type: -1, Done: true, Err: -1})
	if err != nil {
		return n, err
	}
	n += m
	return n, nil
}

// NewResponse returns the decode target for this envelope's reply; pass
// it as the resp argument of the same Submit call the Envelope was sent
// with.
func (e *Envelope) NewResponse() *Response {
	return &Response{env: e}
}

// Response decodes a multi reply against the op list of the Envelope that
// produced the request, applying first-sub-error-wins semantics (spec.md
// §4.6: "If any sub-operation fails, the whole request is rolled back
// server-side and the client surfaces the first failing sub-op's error").
type Response struct {
	env         *Envelope
	firstErr    error
	opResults   []OperationResult
	readResults []ReadOperationResult
}

// DecodeZK implements proto's customDecoder.
func (r *Response) DecodeZK(buf []byte) (int, error) {
	n := 0
	i := 0
	for {
		var hdr proto.MultiHeader
		m, err := proto.DecodePacket(buf[n:], &hdr)
		if err != nil {
			return n, err
		}
		n += m
		if hdr.Done {
			break
		}
		if i >= len(r.env.ops) {
			return n, fmt.Errorf("zk: multi response carries more sub-replies than requested operations")
		}
		o := r.env.ops[i]
		i++

		if hdr.Err != 0 && hdr.Err != -1 {
			// spec.md §4.6: on a failing transaction the server repeats
			// the real error on every sub-op or marks the others
			// RuntimeInconsistency; the composer surfaces only the first
			// non-Ok, non-RuntimeInconsistency error as the overall
			// result, so a RuntimeInconsistency marker here never wins
			// over a real error decoded earlier OR later in the stream.
			if hdr.Err != int32(proto.ErrCodeRuntimeInconsistency) && r.firstErr == nil {
				r.firstErr = proto.ErrFromCode(hdr.Err)
			}
			continue
		}

		switch o.typ {
		case OpCreate:
			var resp proto.CreateResponse
			read, err := proto.DecodePacket(buf[n:], &resp)
			if err != nil {
				return n, err
			}
			n += read
			r.opResults = append(r.opResults, OperationResult{Type: OpCreate, Path: resp.Path})
		case OpCreate2, OpCreateTTL:
			var resp proto.Create2Response
			read, err := proto.DecodePacket(buf[n:], &resp)
			if err != nil {
				return n, err
			}
			n += read
			r.opResults = append(r.opResults, OperationResult{Type: o.typ, Path: resp.Path, Stat: resp.Stat})
		case OpSetData:
			var resp proto.SetDataResponse
			read, err := proto.DecodePacket(buf[n:], &resp)
			if err != nil {
				return n, err
			}
			n += read
			r.opResults = append(r.opResults, OperationResult{Type: OpSetData, Stat: resp.Stat})
		case OpDelete:
			r.opResults = append(r.opResults, OperationResult{Type: OpDelete})
		case OpCheck:
			r.opResults = append(r.opResults, OperationResult{Type: OpCheck})
		case OpGetData:
			var resp proto.GetDataResponse
			read, err := proto.DecodePacket(buf[n:], &resp)
			if err != nil {
				return n, err
			}
			n += read
			r.readResults = append(r.readResults, ReadOperationResult{Type: OpGetData, Data: resp.Data, Stat: resp.Stat})
		case OpGetChildren:
			var resp proto.GetChildrenResponse
			read, err := proto.DecodePacket(buf[n:], &resp)
			if err != nil {
				return n, err
			}
			n += read
			r.readResults = append(r.readResults, ReadOperationResult{Type: OpGetChildren, Children: resp.Children})
		}
	}
	return n, nil
}

// Results returns the Transaction's per-op outcomes, or the first
// sub-op's error if any sub-op failed.
func (r *Response) Results() ([]OperationResult, error) {
	if r.firstErr != nil {
		return nil, r.firstErr
	}
	return r.opResults, nil
}

// ReadResults returns the Read's per-op outcomes, or the first sub-op's
// error if any sub-op failed.
func (r *Response) ReadResults() ([]ReadOperationResult, error) {
	if r.firstErr != nil {
		return nil, r.firstErr
	}
	return r.readResults, nil
}
