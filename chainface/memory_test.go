package chainface

import (
	"bytes"
	"testing"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

type testValidator struct {
	key   *pbftcrypto.KeyPair
	entry validator.Entry
}

func makeValidators(t *testing.T, n int) ([]testValidator, *validator.Roster) {
	t.Helper()
	out := make([]testValidator, n)
	entries := make([]validator.Entry, n)
	for i := 0; i < n; i++ {
		key := pbftcrypto.GenerateKeyPair()
		pub, err := key.PublicKeyBytes()
		if err != nil {
			t.Fatalf("marshal pubkey: %v", err)
		}
		e := validator.Entry{Index: validator.Index(i), PubKey: pub, Role: validator.RoleMiner}
		out[i] = testValidator{key: key, entry: e}
		entries[i] = e
	}
	roster, err := validator.NewRoster(0, entries)
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	return out, roster
}

func sealBlock(t *testing.T, vs []testValidator, roster *validator.Roster, blockBytes []byte, header *wire.BlockHeader) []byte {
	t.Helper()
	q := roster.Q()
	sigs := make([]wire.SealSignature, 0, q)
	for i := 0; i < q; i++ {
		sig, err := vs[i].key.Sign(header.HashNoSeal)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		sigs = append(sigs, wire.SealSignature{Idx: uint16(i), Sig: sig})
	}
	sealed, err := wire.EncodeSealedBlock(wire.SealedBlock{Block: blockBytes, Sigs: sigs})
	if err != nil {
		t.Fatalf("EncodeSealedBlock: %v", err)
	}
	return sealed
}

func TestMemoryChainGenesisAndCurrentHeader(t *testing.T) {
	_, roster := makeValidators(t, 4)
	chain := NewMemoryChain(roster)
	h, err := chain.CurrentHeader()
	if err != nil {
		t.Fatalf("CurrentHeader: %v", err)
	}
	if h.Number != 0 {
		t.Fatalf("expected genesis at height 0, got %d", h.Number)
	}
}

func TestMemoryChainGetRosterIsRawNoShift(t *testing.T) {
	_, roster0 := makeValidators(t, 4)
	chain := NewMemoryChain(roster0)
	_, roster5 := makeValidators(t, 4)
	chain.SetRosterAt(5, roster5)

	got, err := chain.GetRoster(5)
	if err != nil {
		t.Fatalf("GetRoster: %v", err)
	}
	if got != roster5 {
		t.Fatal("GetRoster(5) should return exactly the roster installed at height 5, unshifted")
	}
	got0, err := chain.GetRoster(0)
	if err != nil {
		t.Fatalf("GetRoster: %v", err)
	}
	if got0 != roster0 {
		t.Fatal("GetRoster(0) should return the genesis roster")
	}
}

func TestExecuteCandidateRejectsWrongParent(t *testing.T) {
	_, roster := makeValidators(t, 4)
	chain := NewMemoryChain(roster)
	cand := CandidateBlock{ParentHash: bytes.Repeat([]byte{0xFF}, 32), Txs: nil}
	blockBytes, err := EncodeCandidate(cand)
	if err != nil {
		t.Fatalf("EncodeCandidate: %v", err)
	}
	if _, _, err := chain.ExecuteCandidate(blockBytes); err == nil {
		t.Fatal("expected execution to reject a candidate that does not extend the current head")
	}
}

func TestImportSealedBlockHappyPath(t *testing.T) {
	vs, roster := makeValidators(t, 4)
	chain := NewMemoryChain(roster)
	chain.SetAllowEmptyBlocks(true)

	genesis, _ := chain.CurrentHeader()
	cand := CandidateBlock{ParentHash: genesis.HashNoSeal, Txs: [][]byte{[]byte("tx1")}}
	blockBytes, err := EncodeCandidate(cand)
	if err != nil {
		t.Fatalf("EncodeCandidate: %v", err)
	}
	header, canonical, err := chain.ExecuteCandidate(blockBytes)
	if err != nil {
		t.Fatalf("ExecuteCandidate: %v", err)
	}

	sealed := sealBlock(t, vs, roster, canonical, header)
	if err := chain.ImportSealedBlock(sealed); err != nil {
		t.Fatalf("ImportSealedBlock: %v", err)
	}

	head, err := chain.CurrentHeader()
	if err != nil {
		t.Fatalf("CurrentHeader: %v", err)
	}
	if head.Number != 1 {
		t.Fatalf("expected head at height 1, got %d", head.Number)
	}
}

func TestImportSealedBlockRejectsBelowQuorumSignatures(t *testing.T) {
	vs, roster := makeValidators(t, 4)
	chain := NewMemoryChain(roster)
	chain.SetAllowEmptyBlocks(true)

	genesis, _ := chain.CurrentHeader()
	cand := CandidateBlock{ParentHash: genesis.HashNoSeal, Txs: nil}
	blockBytes, _ := EncodeCandidate(cand)
	header, canonical, err := chain.ExecuteCandidate(blockBytes)
	if err != nil {
		t.Fatalf("ExecuteCandidate: %v", err)
	}

	sig, _ := vs[0].key.Sign(header.HashNoSeal)
	sealed, _ := wire.EncodeSealedBlock(wire.SealedBlock{
		Block: canonical,
		Sigs:  []wire.SealSignature{{Idx: 0, Sig: sig}},
	})
	if err := chain.ImportSealedBlock(sealed); err == nil {
		t.Fatal("expected import to reject a sealed block with fewer than quorum signatures")
	}
}

func TestImportSealedBlockRejectsEmptyWhenSuppressed(t *testing.T) {
	vs, roster := makeValidators(t, 4)
	chain := NewMemoryChain(roster) // emptyOK defaults to false

	genesis, _ := chain.CurrentHeader()
	cand := CandidateBlock{ParentHash: genesis.HashNoSeal, Txs: nil}
	blockBytes, _ := EncodeCandidate(cand)
	header, canonical, err := chain.ExecuteCandidate(blockBytes)
	if err != nil {
		t.Fatalf("ExecuteCandidate: %v", err)
	}
	sealed := sealBlock(t, vs, roster, canonical, header)
	if err := chain.ImportSealedBlock(sealed); err == nil {
		t.Fatal("expected empty block to be refused under default suppression policy")
	}
}
