package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

var mh codec.MsgpackHandle

// fieldsNoBlock is the portion of Common that sig2 binds: every field
// except the block payload (block is covered implicitly by BlockHash).
type fieldsNoBlock struct {
	Height    uint64
	View      uint64
	Idx       uint16
	Timestamp int64
	BlockHash []byte
}

// SigningBytesFields returns the canonical encoding sig2 is computed over.
func SigningBytesFields(c Common) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(fieldsNoBlock{
		Height:    c.Height,
		View:      c.View,
		Idx:       c.Idx,
		Timestamp: c.Timestamp,
		BlockHash: c.BlockHash,
	}); err != nil {
		return nil, fmt.Errorf("wire: encode sig2 fields: %w", err)
	}
	return buf.Bytes(), nil
}

// payload is the on-wire shape for a single message, kind-tagged so
// Decode can pick the right concrete type back out.
type payload struct {
	Kind  MsgID
	Ht    uint64
	Vw    uint64
	Idx   uint16
	Ts    int64
	Hash  []byte
	Sig   []byte
	Sig2  []byte
	Block []byte `codec:",omitempty"`
}

func toPayload(m Message) payload {
	c := m.Fields()
	p := payload{
		Kind: m.Kind(),
		Ht:   c.Height,
		Vw:   c.View,
		Idx:  c.Idx,
		Ts:   c.Timestamp,
		Hash: c.BlockHash,
		Sig:  c.Sig,
		Sig2: c.Sig2,
	}
	if pr, ok := m.(PrepareReq); ok {
		p.Block = pr.Block
	}
	return p
}

func (p payload) common() Common {
	return Common{
		Height:    p.Ht,
		View:      p.Vw,
		Idx:       p.Idx,
		Timestamp: p.Ts,
		BlockHash: p.Hash,
		Sig:       p.Sig,
		Sig2:      p.Sig2,
	}
}

func (p payload) toMessage() (Message, error) {
	c := p.common()
	switch p.Kind {
	case MsgPrepare:
		return PrepareReq{Common: c, Block: p.Block}, nil
	case MsgSign:
		return SignReq{Common: c}, nil
	case MsgCommit:
		return CommitReq{Common: c}, nil
	case MsgViewChange:
		return ViewChangeReq{Common: c}, nil
	default:
		return nil, fmt.Errorf("wire: unknown msg_id %#x", p.Kind)
	}
}

// EncodeValue msgpack-encodes an arbitrary value, used by callers that
// need a canonical byte form outside the four wire message types (e.g.
// hashing a BlockHeader or a candidate block body).
func EncodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode value: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode value: %w", err)
	}
	return nil
}

// EncodeBody msgpack-encodes a message without any length prefix. This is
// what Transport.Broadcast/Send carry — the transport implementation
// frames it onto the wire however it needs to (a real socket prepends a
// length; an in-process transport just hands the bytes to the peer).
func EncodeBody(m Message) ([]byte, error) {
	var body bytes.Buffer
	enc := codec.NewEncoder(&body, &mh)
	if err := enc.Encode(toPayload(m)); err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	if body.Len() > MaxMessageSize {
		return nil, fmt.Errorf("wire: %w (%d bytes)", errOversize, body.Len())
	}
	return body.Bytes(), nil
}

// Encode serializes a message into a length-prefixed frame:
// [uint32 big-endian length][msgpack body]. Used by transports that read
// and write a raw byte stream directly (TCPTransport's socket I/O).
func Encode(m Message) ([]byte, error) {
	body, err := EncodeBody(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

var errOversize = fmt.Errorf("message exceeds maximum size of %d bytes", MaxMessageSize)

// ReadFrame reads one length-prefixed frame from r, rejecting frames
// whose declared length exceeds MaxMessageSize before allocating.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("wire: %w (declared %d bytes)", errOversize, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return buf, nil
}

// Decode parses a frame body (without the length prefix) into a Message.
func Decode(body []byte) (Message, error) {
	var p payload
	dec := codec.NewDecoder(bytes.NewReader(body), &mh)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	return p.toMessage()
}

// DecodeFrame reads and decodes exactly one framed message from r.
func DecodeFrame(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
