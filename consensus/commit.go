package consensus

import (
	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/sealer"
	"github.com/dappledger/bcos-pbft/wire"
)

// handleCommitLocked processes a peer's Commit vote, mirroring Sign
// handling (spec.md doesn't spell Commit out separately, but the same
// dedup/cache/quorum-check shape applies a phase later).
func (e *Engine) handleCommitLocked(c wire.CommitReq) {
	refH, refV := e.consensusBlockNumber, e.view
	if e.prepareCache != nil {
		refH, refV = e.prepareCache.Height, e.prepareCache.View
	}
	if cmpRound(c.Height, c.View, refH, refV) < 0 {
		return
	}

	roster, err := e.rosterForRound(c.Height)
	if err != nil {
		e.logger.Error("roster lookup failed while handling commit", "error", err)
		return
	}
	if err := e.verifyCommon(c.Common, roster); err != nil {
		e.logger.Warn("commit failed verification", "error", err)
		return
	}

	hash, err := pbftcrypto.HashFromBytes(c.BlockHash)
	if err != nil {
		e.logger.Warn("malformed commit block_hash", "error", err)
		return
	}
	e.insertCommitLocked(hash, c)

	e.checkAndSaveLocked(hash)
}

// checkAndSaveLocked is spec.md §4.2 "check-and-save": once Commit-quorum
// is reached for hash, assemble the sealed block and hand it to the
// chain facade. Idempotent per round via commitSent.
func (e *Engine) checkAndSaveLocked(hash pbftcrypto.Hash) {
	if e.commitSent || e.prepareCache == nil {
		return
	}
	prepareHash, err := pbftcrypto.HashFromBytes(e.prepareCache.BlockHash)
	if err != nil || prepareHash != hash {
		return
	}
	roster, err := e.rosterForRound(e.prepareCache.Height)
	if err != nil {
		e.logger.Error("roster lookup failed in check-and-save", "error", err)
		return
	}
	commits := e.commitCache[hash]
	if len(commits) < roster.Q() {
		return
	}

	sealed, err := sealer.Assemble(e.prepareCache.Block, commits)
	if err != nil {
		e.logger.Error("failed to assemble sealed block", "error", err)
		return
	}

	e.commitSent = true
	generatedBySelf := false
	if idx, ok := e.leaderIndex(e.prepareCache.Height, e.prepareCache.View); ok {
		generatedBySelf = idx == e.selfIndex
	}

	if err := e.chain.ImportSealedBlock(sealed); err != nil {
		e.logger.Error("failed to import sealed block", "error", err)
		return
	}

	if e.OnSealGenerated != nil {
		e.OnSealGenerated(sealed, generatedBySelf)
	}

	newHeader, err := e.chain.CurrentHeader()
	if err != nil {
		e.logger.Error("failed to read header after import", "error", err)
		return
	}
	e.reportBlockLocked(newHeader)
}
