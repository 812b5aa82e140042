// Package chainface defines the minimal contract the consensus engine
// has with the rest of the chain: block execution, import, and roster
// lookup (spec.md §6, "Consumed: Chain facade").
package chainface

import (
	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// ChainFace is implemented by the host chain. The consensus engine never
// touches the transaction pool, EVM, or JSON-RPC directly; it only ever
// calls through this interface.
type ChainFace interface {
	// CurrentHeader returns the most recently imported header.
	CurrentHeader() (*wire.BlockHeader, error)

	// ExecuteCandidate deterministically executes a candidate block's
	// transactions and returns the canonical re-sealed block bytes plus
	// the recomputed header. Two honest nodes executing the same
	// candidate must obtain byte-identical results.
	ExecuteCandidate(blockBytes []byte) (header *wire.BlockHeader, canonicalBytes []byte, err error)

	// ImportSealedBlock hands a fully-signed block to the chain for
	// import and head advance.
	ImportSealedBlock(sealed []byte) error

	// LastHashes returns recent imported block hashes, most recent first.
	LastHashes() ([]pbftcrypto.Hash, error)

	// GetRoster returns the on-chain system contracts' raw validator roster
	// answer for exactly height, with no height-1 shift applied: callers
	// that want "the roster for proposing/voting at height h" (spec.md
	// §4.1) must ask for GetRoster(h-1) themselves.
	GetRoster(height uint64) (*validator.Roster, error)

	// BlockByHash looks up a previously seen (but not necessarily
	// imported) block by hash, used by view-change fork detection.
	BlockByHash(hash pbftcrypto.Hash) (*wire.BlockHeader, bool)
}
