package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// bsatnCodec implements the v1.bsatn.spacetimedb wire format. Payloads are
// little-endian with u32 length prefixes on strings and lists, and a
// leading tag byte selecting the sum-type variant. Inbound payloads carry
// a one-byte compression envelope before the message body.
type bsatnCodec struct{}

func (c *bsatnCodec) Mode() Mode           { return BinaryEncoded }
func (c *bsatnCodec) Subprotocol() string  { return SubprotocolBSATN }
func (c *bsatnCodec) FrameKind() FrameKind { return FrameBinary }

func (c *bsatnCodec) ValidateConsistency() error { return validateConsistency(c) }

// Client message tags.
const (
	tagCallReducer byte = 0
	tagSubscribe   byte = 1
)

// Server message tags.
const (
	tagIdentityToken       byte = 0
	tagInitialSubscription byte = 1
	tagTransactionUpdate   byte = 2
	tagCallResult          byte = 3
)

// Call result status.
const (
	statusOK     byte = 0
	statusFailed byte = 1
)

// EncodeClient serializes an outbound message. Client payloads are never
// compressed.
func (c *bsatnCodec) EncodeClient(msg ClientMessage) ([]byte, error) {
	w := &writer{}
	switch m := msg.(type) {
	case CallReducer:
		w.u8(tagCallReducer)
		w.str(m.Reducer)
		w.str(m.Args)
		w.u32(m.RequestID)
	case Subscribe:
		w.u8(tagSubscribe)
		w.u32(m.RequestID)
		w.u32(uint32(len(m.QueryStrings)))
		for _, q := range m.QueryStrings {
			w.str(q)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return w.bytes(), w.err
}

// DecodeServer strips the compression envelope and parses the message body
// into its variant.
func (c *bsatnCodec) DecodeServer(payload []byte) (ServerMessage, error) {
	body, err := decompress(payload)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	tag := r.u8()

	var msg ServerMessage
	switch tag {
	case tagIdentityToken:
		msg = IdentityToken{
			Identity:     r.str(),
			Token:        r.str(),
			ConnectionID: r.str(),
		}

	case tagInitialSubscription:
		id := r.u32()
		msg = InitialSubscription{
			RequestID: id,
			Tables:    r.tables(),
		}

	case tagTransactionUpdate:
		msg = TransactionUpdate{Tables: r.tables()}

	case tagCallResult:
		id := r.u32()
		res := CallResult{RequestID: id}
		if r.u8() == statusFailed {
			res.Err = r.str()
		}
		msg = res

	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownMessage, tag)
	}

	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// EncodeServer serializes a server message body without the compression
// envelope. Used by tests and tooling that fake the server side.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	w := &writer{}
	switch m := msg.(type) {
	case IdentityToken:
		w.u8(tagIdentityToken)
		w.str(m.Identity)
		w.str(m.Token)
		w.str(m.ConnectionID)
	case InitialSubscription:
		w.u8(tagInitialSubscription)
		w.u32(m.RequestID)
		w.tables(m.Tables)
	case TransactionUpdate:
		w.u8(tagTransactionUpdate)
		w.tables(m.Tables)
	case CallResult:
		w.u8(tagCallResult)
		w.u32(m.RequestID)
		if m.Err == "" {
			w.u8(statusOK)
		} else {
			w.u8(statusFailed)
			w.str(m.Err)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return w.bytes(), w.err
}

// writer builds a little-endian payload. The first error sticks.
type writer struct {
	buf []byte
	err error
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) u8(v byte) { w.buf = append(w.buf, v) }

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) str(s string) {
	if len(s) > math.MaxUint32 {
		w.err = fmt.Errorf("string too long: %d bytes", len(s))
		return
	}
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) tables(tables []TableUpdate) {
	w.u32(uint32(len(tables)))
	for _, t := range tables {
		w.str(t.TableName)
		w.u32(uint32(len(t.Updates)))
		for _, u := range t.Updates {
			w.strs(u.Deletes)
			w.strs(u.Inserts)
		}
	}
}

func (w *writer) strs(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

// reader parses a little-endian payload. The first error sticks and every
// subsequent read returns a zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.err = ErrShortPayload
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = ErrShortPayload
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) str() string {
	n := int(r.u32())
	if r.err != nil {
		return ""
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShortPayload
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

// count reads a u32 element count. The count comes off the wire, so it is
// checked against what the remaining bytes could possibly hold (every
// element carries at least a 4-byte length or count prefix) before any
// caller sizes an allocation by it.
func (r *reader) count() int {
	n := int(r.u32())
	if r.err != nil {
		return 0
	}
	if n > (len(r.buf)-r.off)/4 {
		r.err = ErrShortPayload
		return 0
	}
	return n
}

func (r *reader) strs() []string {
	n := r.count()
	if r.err != nil {
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		ss = append(ss, r.str())
	}
	return ss
}

func (r *reader) tables() []TableUpdate {
	n := r.count()
	if r.err != nil {
		return nil
	}
	tables := make([]TableUpdate, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		t := TableUpdate{TableName: r.str()}
		m := r.count()
		for j := 0; j < m && r.err == nil; j++ {
			t.Updates = append(t.Updates, QueryUpdate{
				Deletes: r.strs(),
				Inserts: r.strs(),
			})
		}
		tables = append(tables, t)
	}
	return tables
}
