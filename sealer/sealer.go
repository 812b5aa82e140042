// Package sealer assembles a sealed block from the Commit-quorum
// signatures collected for a block hash (spec.md §2 item 9, §4.2
// "check-and-save").
package sealer

import (
	"sort"

	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// Assemble extends the canonical block bytes with the collected Commit
// signatures, ordered ascending by idx for byte-identical sealed blocks
// across correct nodes (spec.md §9 Open Question 2), and returns the
// encoded SealedBlock ready for ImportSealedBlock.
func Assemble(block []byte, commits map[validator.Index]wire.CommitReq) ([]byte, error) {
	sigs := make([]wire.SealSignature, 0, len(commits))
	for idx, c := range commits {
		sigs = append(sigs, wire.SealSignature{Idx: uint16(idx), Sig: c.Sig})
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Idx < sigs[j].Idx })
	return wire.EncodeSealedBlock(wire.SealedBlock{Block: block, Sigs: sigs})
}
