package consensus

import (
	"time"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/wire"
)

// handleSignLocked processes a peer's Sign vote (spec.md §4.2 "Sign
// handling"): authenticate, cache it against its block hash, and check
// whether this pushes the current round over Sign-quorum.
func (e *Engine) handleSignLocked(s wire.SignReq) {
	refH, refV := e.consensusBlockNumber, e.view
	if e.prepareCache != nil {
		refH, refV = e.prepareCache.Height, e.prepareCache.View
	}
	if cmpRound(s.Height, s.View, refH, refV) < 0 {
		return // stale: behind the round we (or our prepare) care about
	}

	roster, err := e.rosterForRound(s.Height)
	if err != nil {
		e.logger.Error("roster lookup failed while handling sign", "error", err)
		return
	}
	if err := e.verifyCommon(s.Common, roster); err != nil {
		e.logger.Warn("sign failed verification", "error", err)
		return
	}

	hash, err := pbftcrypto.HashFromBytes(s.BlockHash)
	if err != nil {
		e.logger.Warn("malformed sign block_hash", "error", err)
		return
	}
	e.insertSignLocked(hash, s)

	if e.prepareCache == nil {
		return
	}
	prepareHash, err := pbftcrypto.HashFromBytes(e.prepareCache.BlockHash)
	if err != nil || prepareHash != hash {
		return
	}
	e.checkAndCommitLocked(hash)
}

// checkAndCommitLocked is spec.md §4.2 "check-and-commit": once
// Sign-quorum is reached for the round's Prepare, persist it as the
// durable commit record and broadcast our Commit vote. Idempotent per
// round via signQuorumHandled.
func (e *Engine) checkAndCommitLocked(hash pbftcrypto.Hash) {
	if e.signQuorumHandled || e.prepareCache == nil {
		return
	}
	// step 1: abort unless prepare_cache's view is the view we have
	// actually adopted; a Prepare installed ahead of view adoption must
	// not be allowed to reach quorum.
	if e.prepareCache.View != e.view {
		return
	}
	prepareHash, err := pbftcrypto.HashFromBytes(e.prepareCache.BlockHash)
	if err != nil || prepareHash != hash {
		return
	}
	roster, err := e.rosterForRound(e.prepareCache.Height)
	if err != nil {
		e.logger.Error("roster lookup failed in check-and-commit", "error", err)
		return
	}
	if len(e.signCache[hash]) < roster.Q() {
		return
	}

	e.signQuorumHandled = true
	e.committedPrepareCache = e.prepareCache

	data, err := wire.EncodeCommitted(*e.prepareCache)
	if err != nil {
		e.logger.Error("failed to encode committed prepare", "error", err)
		return
	}
	if err := e.durable.Put(wire.CommittedKey, data); err != nil {
		e.logger.Error("failed to persist committed prepare", "error", err)
		return
	}

	common, err := e.signCommon(e.prepareCache.Height, e.prepareCache.View, hash)
	if err != nil {
		e.logger.Error("failed to sign commit", "error", err)
		return
	}
	commit := wire.CommitReq{Common: common}
	e.insertCommitLocked(hash, commit)
	e.broadcastMsg(commit, nil)

	e.lastSignTime = time.Now()

	e.checkAndSaveLocked(hash)
}
