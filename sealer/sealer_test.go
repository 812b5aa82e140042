package sealer

import (
	"testing"

	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

func TestAssembleOrdersSignaturesAscendingByIndex(t *testing.T) {
	commits := map[validator.Index]wire.CommitReq{
		2: {Common: wire.Common{Idx: 2, Sig: []byte("sig2")}},
		0: {Common: wire.Common{Idx: 0, Sig: []byte("sig0")}},
		1: {Common: wire.Common{Idx: 1, Sig: []byte("sig1")}},
	}
	sealed, err := Assemble([]byte("block-bytes"), commits)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	sb, err := wire.DecodeSealedBlock(sealed)
	if err != nil {
		t.Fatalf("DecodeSealedBlock: %v", err)
	}
	if len(sb.Sigs) != 3 {
		t.Fatalf("expected 3 signatures, got %d", len(sb.Sigs))
	}
	for i, s := range sb.Sigs {
		if int(s.Idx) != i {
			t.Fatalf("signature %d out of order: idx=%d", i, s.Idx)
		}
	}
}

func TestAssemblePreservesBlockBytes(t *testing.T) {
	sealed, err := Assemble([]byte("the-block"), map[validator.Index]wire.CommitReq{
		0: {Common: wire.Common{Idx: 0, Sig: []byte("s")}},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	sb, err := wire.DecodeSealedBlock(sealed)
	if err != nil {
		t.Fatalf("DecodeSealedBlock: %v", err)
	}
	if string(sb.Block) != "the-block" {
		t.Fatalf("block bytes not preserved: got %q", sb.Block)
	}
}
