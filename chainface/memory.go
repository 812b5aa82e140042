package chainface

import (
	"fmt"
	"sync"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/verifier"
	"github.com/dappledger/bcos-pbft/wire"
)

// CandidateBlock is the pre-execution body a leader proposes: the parent
// it extends and the transactions it carries. This is what travels as
// PrepareReq.Block before ExecuteCandidate re-seals it into canonical form.
type CandidateBlock struct {
	ParentHash []byte
	Txs        [][]byte
	Timestamp  int64
}

// EncodeCandidate serializes a CandidateBlock for use as PrepareReq.Block.
func EncodeCandidate(c CandidateBlock) ([]byte, error) {
	return wire.EncodeValue(c)
}

// DecodeCandidate is the inverse of EncodeCandidate.
func DecodeCandidate(data []byte) (CandidateBlock, error) {
	var c CandidateBlock
	err := wire.DecodeValue(data, &c)
	return c, err
}

// MemoryChain is a reference ChainFace used by tests and as
// cmd/pbftnode's chain facade. Execution is a deterministic
// function of parent hash + tx bytes; there is no real EVM/state.
type MemoryChain struct {
	mu        sync.Mutex
	headers   map[uint64]*wire.BlockHeader
	byHash    map[pbftcrypto.Hash]*wire.BlockHeader
	height    uint64
	rosterSeq []*validator.Roster // rosterSeq[h] is the roster effective at height h
	emptyOK   bool                // if false, zero-tx blocks are rejected (empty-block suppression)
}

// NewMemoryChain seeds a genesis header and the roster history that will
// be returned by GetRoster. GetRoster(h) is the raw oracle answer at h: a
// test that wants roster R to govern proposals at height h+1 must call
// SetRosterAt(h, R), since consensus derives "roster for h+1" as
// GetRoster(h).
func NewMemoryChain(genesisRoster *validator.Roster) *MemoryChain {
	genesis := &wire.BlockHeader{Number: 0}
	hash, _ := wire.ComputeHashNoSeal(genesis)
	genesis.HashNoSeal = hash.Bytes()
	c := &MemoryChain{
		headers:   map[uint64]*wire.BlockHeader{0: genesis},
		byHash:    map[pbftcrypto.Hash]*wire.BlockHeader{hash: genesis},
		rosterSeq: []*validator.Roster{genesisRoster},
	}
	return c
}

// SetRosterAt installs the roster that GetRoster(height) will return.
func (c *MemoryChain) SetRosterAt(height uint64, r *validator.Roster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uint64(len(c.rosterSeq)) <= height {
		c.rosterSeq = append(c.rosterSeq, c.rosterSeq[len(c.rosterSeq)-1])
	}
	c.rosterSeq[height] = r
}

// SetAllowEmptyBlocks disables empty-block suppression for tests that
// want to exercise the happy path without generating filler transactions.
func (c *MemoryChain) SetAllowEmptyBlocks(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emptyOK = v
}

func (c *MemoryChain) CurrentHeader() (*wire.BlockHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[c.height], nil
}

func (c *MemoryChain) GetRoster(height uint64) (*validator.Roster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height >= uint64(len(c.rosterSeq)) {
		return c.rosterSeq[len(c.rosterSeq)-1], nil
	}
	return c.rosterSeq[height], nil
}

func (c *MemoryChain) BlockByHash(hash pbftcrypto.Hash) (*wire.BlockHeader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byHash[hash]
	return h, ok
}

func (c *MemoryChain) LastHashes() ([]pbftcrypto.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pbftcrypto.Hash, 0, c.height+1)
	for n := c.height; ; n-- {
		h := c.headers[n]
		if h != nil {
			hash, _ := pbftcrypto.HashFromBytes(h.HashNoSeal)
			out = append(out, hash)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

// ExecuteCandidate "executes" a candidate block by hashing its body into
// a deterministic state root; every honest node reaches the same result
// for the same input, which is all spec.md requires of this contract.
func (c *MemoryChain) ExecuteCandidate(blockBytes []byte) (*wire.BlockHeader, []byte, error) {
	cand, err := DecodeCandidate(blockBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("chainface: decode candidate: %w", err)
	}

	c.mu.Lock()
	parent := c.headers[c.height]
	roster, _ := c.GetRosterLocked(c.height)
	c.mu.Unlock()

	parentHash, err := pbftcrypto.HashFromBytes(parent.HashNoSeal)
	if err != nil {
		return nil, nil, err
	}
	candParent, err := pbftcrypto.HashFromBytes(cand.ParentHash)
	if err != nil {
		return nil, nil, fmt.Errorf("chainface: malformed parent hash: %w", err)
	}
	if parentHash != candParent {
		return nil, nil, fmt.Errorf("chainface: candidate does not extend current head")
	}

	stateInput, err := wire.EncodeValue(cand.Txs)
	if err != nil {
		return nil, nil, err
	}
	stateRoot := pbftcrypto.SumHash(append([]byte("state:"), stateInput...))
	txRoot := pbftcrypto.SumHash(stateInput)
	receiptsRoot := pbftcrypto.SumHash(append([]byte("receipts:"), stateInput...))

	nodeList := make([][]byte, 0)
	if roster != nil {
		for _, m := range roster.Miners() {
			nodeList = append(nodeList, m.PubKey)
		}
	}

	header := &wire.BlockHeader{
		Number:       parent.Number + 1,
		ParentHash:   parent.HashNoSeal,
		StateRoot:    stateRoot.Bytes(),
		ReceiptsRoot: receiptsRoot.Bytes(),
		TxRoot:       txRoot.Bytes(),
		NodeList:     nodeList,
		TxCount:      len(cand.Txs),
	}
	hash, err := wire.ComputeHashNoSeal(header)
	if err != nil {
		return nil, nil, err
	}
	header.HashNoSeal = hash.Bytes()

	canonical, err := EncodeCandidate(cand)
	if err != nil {
		return nil, nil, err
	}
	return header, canonical, nil
}

// GetRosterLocked is GetRoster without re-taking the mutex, for callers
// that already hold it.
func (c *MemoryChain) GetRosterLocked(height uint64) (*validator.Roster, error) {
	if height >= uint64(len(c.rosterSeq)) {
		return c.rosterSeq[len(c.rosterSeq)-1], nil
	}
	return c.rosterSeq[height], nil
}

// ImportSealedBlock records the header as the new chain head.
func (c *MemoryChain) ImportSealedBlock(sealed []byte) error {
	sb, err := wire.DecodeSealedBlock(sealed)
	if err != nil {
		return fmt.Errorf("chainface: decode sealed block: %w", err)
	}
	cand, err := DecodeCandidate(sb.Block)
	if err != nil {
		return fmt.Errorf("chainface: decode sealed candidate: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.emptyOK && len(cand.Txs) == 0 {
		return fmt.Errorf("chainface: refusing to import empty block (suppression policy active)")
	}

	parent := c.headers[c.height]
	header, _, err := c.executeLocked(sb.Block, parent)
	if err != nil {
		return err
	}

	hash, err := wire.ComputeHashNoSeal(header)
	if err != nil {
		return err
	}
	header.HashNoSeal = hash.Bytes()

	roster, err := c.GetRosterLocked(header.Number - 1)
	if err != nil {
		return fmt.Errorf("chainface: roster lookup for import: %w", err)
	}
	if err := verifier.VerifySealed(roster, header, sb.Sigs); err != nil {
		return fmt.Errorf("chainface: %w", err)
	}

	c.height = header.Number
	c.headers[header.Number] = header
	c.byHash[hash] = header
	return nil
}

func (c *MemoryChain) executeLocked(blockBytes []byte, parent *wire.BlockHeader) (*wire.BlockHeader, []byte, error) {
	cand, err := DecodeCandidate(blockBytes)
	if err != nil {
		return nil, nil, err
	}
	stateInput, err := wire.EncodeValue(cand.Txs)
	if err != nil {
		return nil, nil, err
	}
	stateRoot := pbftcrypto.SumHash(append([]byte("state:"), stateInput...))
	txRoot := pbftcrypto.SumHash(stateInput)
	receiptsRoot := pbftcrypto.SumHash(append([]byte("receipts:"), stateInput...))
	roster, _ := c.GetRosterLocked(parent.Number)
	nodeList := make([][]byte, 0)
	if roster != nil {
		for _, m := range roster.Miners() {
			nodeList = append(nodeList, m.PubKey)
		}
	}
	header := &wire.BlockHeader{
		Number:       parent.Number + 1,
		ParentHash:   parent.HashNoSeal,
		StateRoot:    stateRoot.Bytes(),
		ReceiptsRoot: receiptsRoot.Bytes(),
		TxRoot:       txRoot.Bytes(),
		NodeList:     nodeList,
		TxCount:      len(cand.Txs),
	}
	return header, blockBytes, nil
}
