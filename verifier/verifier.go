// Package verifier implements the block-sign check the chain runs on
// import: does this block carry a Commit-quorum of distinct, valid
// signatures from the roster recorded in its header (spec.md §4.3)?
package verifier

import (
	"bytes"
	"fmt"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// VerifySealed checks header/sigs against roster, the validator set
// recorded as effective for header.Number (i.e. the oracle's answer at
// header.Number-1, per validator.Roster's contract).
func VerifySealed(roster *validator.Roster, header *wire.BlockHeader, sigs []wire.SealSignature) error {
	miners := roster.Miners()
	if len(miners) != len(header.NodeList) {
		return fmt.Errorf("verifier: node_list length %d disagrees with roster miner count %d", len(header.NodeList), len(miners))
	}
	for i, m := range miners {
		if !bytes.Equal(m.PubKey, header.NodeList[i]) {
			return fmt.Errorf("verifier: node_list disagrees with roster at position %d", i)
		}
	}

	q := roster.Q()
	if len(sigs) < q {
		return fmt.Errorf("verifier: %d signatures below quorum %d", len(sigs), q)
	}

	hash, err := pbftcrypto.HashFromBytes(header.HashNoSeal)
	if err != nil {
		return fmt.Errorf("verifier: malformed header hash: %w", err)
	}

	seen := make(map[uint16]struct{}, len(sigs))
	for _, s := range sigs {
		if _, dup := seen[s.Idx]; dup {
			return fmt.Errorf("verifier: duplicate signer index %d", s.Idx)
		}
		seen[s.Idx] = struct{}{}

		entry, ok := roster.ByIndex(validator.Index(s.Idx))
		if !ok {
			return fmt.Errorf("verifier: signer index %d out of range for roster size %d", s.Idx, roster.N())
		}
		if err := pbftcrypto.Verify(entry.PubKey, hash.Bytes(), s.Sig); err != nil {
			return fmt.Errorf("verifier: invalid signature from index %d: %w", s.Idx, err)
		}
	}
	return nil
}
