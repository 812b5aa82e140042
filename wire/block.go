package wire

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
)

// BlockHeader is the portion of a candidate/sealed block the consensus
// engine cares about; the chain facade owns the rest of the block body.
type BlockHeader struct {
	Number       uint64
	ParentHash   []byte
	StateRoot    []byte
	ReceiptsRoot []byte
	TxRoot       []byte
	NodeList     [][]byte // miner public keys, in roster order, at Number-1
	TxCount      int
	HashNoSeal   []byte // hash of every field above, computed before sealing
}

// headerForHash is BlockHeader minus HashNoSeal, the canonical input to
// ComputeHashNoSeal.
type headerForHash struct {
	Number       uint64
	ParentHash   []byte
	StateRoot    []byte
	ReceiptsRoot []byte
	TxRoot       []byte
	NodeList     [][]byte
	TxCount      int
}

// ComputeHashNoSeal derives hash_without_seal from every header field
// except HashNoSeal itself.
func ComputeHashNoSeal(h *BlockHeader) (pbftcrypto.Hash, error) {
	enc, err := EncodeValue(headerForHash{
		Number:       h.Number,
		ParentHash:   h.ParentHash,
		StateRoot:    h.StateRoot,
		ReceiptsRoot: h.ReceiptsRoot,
		TxRoot:       h.TxRoot,
		NodeList:     h.NodeList,
		TxCount:      h.TxCount,
	})
	if err != nil {
		return pbftcrypto.Hash{}, fmt.Errorf("wire: encode header for hashing: %w", err)
	}
	return pbftcrypto.SumHash(enc), nil
}

// SealSignature is one validator's Commit signature on a sealed block.
type SealSignature struct {
	Idx Index
	Sig []byte
}

// Index mirrors validator.Index without importing that package, to keep
// wire dependency-free of the validator roster logic.
type Index = uint16

// SealedBlock is the final artifact handed to ImportSealedBlock: the
// canonical block bytes (as re-sealed by the Prepare handler) plus the
// Commit-quorum signatures, ordered ascending by Idx (spec.md §9 Open
// Question 2).
type SealedBlock struct {
	Block []byte
	Sigs  []SealSignature
}

// EncodeSealedBlock serializes a SealedBlock for ImportSealedBlock.
func EncodeSealedBlock(b SealedBlock) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("wire: encode sealed block: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSealedBlock parses bytes produced by EncodeSealedBlock.
func DecodeSealedBlock(data []byte) (SealedBlock, error) {
	var b SealedBlock
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	if err := dec.Decode(&b); err != nil {
		return b, fmt.Errorf("wire: decode sealed block: %w", err)
	}
	return b, nil
}

// CommittedKey is the fixed durable-store key holding the last Prepare
// that reached Sign-quorum (spec.md §6).
const CommittedKey = "committed"

// committedEnvelope wraps a single PrepareReq in a one-element list, per
// spec.md's "[PrepareReq]" persisted encoding.
type committedEnvelope struct {
	Prepares []payload
}

// EncodeCommitted serializes the committed-Prepare envelope.
func EncodeCommitted(p PrepareReq) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	env := committedEnvelope{Prepares: []payload{toPayload(p)}}
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("wire: encode committed prepare: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommitted parses bytes produced by EncodeCommitted.
func DecodeCommitted(data []byte) (PrepareReq, error) {
	var env committedEnvelope
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	if err := dec.Decode(&env); err != nil {
		return PrepareReq{}, fmt.Errorf("wire: decode committed prepare: %w", err)
	}
	if len(env.Prepares) != 1 {
		return PrepareReq{}, fmt.Errorf("wire: committed envelope has %d entries, want 1", len(env.Prepares))
	}
	msg, err := env.Prepares[0].toMessage()
	if err != nil {
		return PrepareReq{}, err
	}
	pr, ok := msg.(PrepareReq)
	if !ok {
		return PrepareReq{}, fmt.Errorf("wire: committed envelope did not contain a PrepareReq")
	}
	return pr, nil
}
