package consensus

import (
	"bytes"
	"time"

	"github.com/dappledger/bcos-pbft/chainface"
	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// handlePrepareLocked runs spec.md §4.2's Prepare handling steps 1-12.
// selfInjected is true only when this engine is the leader re-feeding its
// own just-proposed message back through the generic pipeline; every
// other caller passes false.
func (e *Engine) handlePrepareLocked(p wire.PrepareReq, selfInjected bool) {
	// step 1: an exact re-delivery of the Prepare we've already cached is
	// dropped outright, before any of the round bookkeeping below.
	if e.rawPrepareCache != nil && bytes.Equal(e.rawPrepareCache.BlockHash, p.BlockHash) {
		return
	}

	// step 2: self-send detection. A Prepare claiming our own index that we
	// did not inject ourselves is a replay or a spoof, never legitimate.
	if p.Idx == uint16(e.selfIndex) && !selfInjected {
		return
	}

	// step 3: drop if height/view already behind the committed cache.
	if e.committedPrepareCache != nil && cmpRound(p.Height, p.View, e.committedPrepareCache.Height, e.committedPrepareCache.View) < 0 {
		return
	}

	// step 4: a Prepare for a future height, or a future view at our
	// current height, is parked rather than processed now.
	if p.Height > e.consensusBlockNumber || (p.Height == e.consensusBlockNumber && p.View > e.view) {
		e.futurePrepareCache = &p
		return
	}
	if p.Height < e.consensusBlockNumber {
		return
	}

	// step 5: only the first Prepare of the current round is accepted;
	// duplicates and stale views are dropped.
	if p.View < e.view {
		return
	}
	if e.prepareCache != nil && e.prepareCache.View >= p.View {
		return
	}

	// step 6: reject a Prepare from anyone but the expected leader.
	leaderIdx, ok := e.leaderIndex(p.Height, p.View)
	if !ok || leaderIdx != validator.Index(p.Idx) {
		e.logger.Warn("prepare from non-leader, dropping", "height", p.Height, "view", p.View, "idx", p.Idx)
		return
	}

	roster, err := e.rosterForRound(p.Height)
	if err != nil {
		e.logger.Error("roster lookup failed while handling prepare", "error", err)
		return
	}

	// step 7: authenticate the envelope.
	if err := e.verifyCommon(p.Common, roster); err != nil {
		e.logger.Warn("prepare failed verification", "error", err)
		return
	}

	// step 8: re-execute the candidate locally; the leader already did
	// this before broadcasting, so a self-injected envelope's hash always
	// matches and this is a cheap idempotent confirmation for it too.
	header, canonical, err := e.chain.ExecuteCandidate(p.Block)
	if err != nil {
		e.logger.Warn("candidate execution failed", "error", err)
		return
	}
	claimedHash, err := pbftcrypto.HashFromBytes(p.BlockHash)
	if err != nil {
		e.logger.Warn("malformed prepare block_hash", "error", err)
		return
	}
	computed, err := wire.ComputeHashNoSeal(header)
	if err != nil {
		e.logger.Error("hash recompute failed", "error", err)
		return
	}
	if computed != claimedHash {
		e.logger.Warn("prepare block_hash disagrees with local execution", "height", p.Height, "view", p.View)
		return
	}
	p.Block = canonical

	// step 9: empty-block suppression fires a backoff-free view-change
	// instead of accepting the proposal.
	cand, err := chainface.DecodeCandidate(p.Block)
	if err == nil && e.cfg.OmitEmptyBlocks && len(cand.Txs) == 0 {
		e.logger.Info("empty block suppressed, forcing view change", "height", p.Height, "view", p.View)
		e.fireViewChangeLocked(false)
		return
	}

	// steps 10-12: install as the round's accepted Prepare (the re-seal
	// is exactly this: the canonical bytes computed in step 8).
	e.prepareCache = &p
	e.rawPrepareCache = &p
	e.signQuorumHandled = false
	e.commitSent = false
	e.lastConsensusTime = time.Now()

	// step 13: broadcast our own Sign vote.
	common, err := e.signCommon(p.Height, p.View, computed)
	if err != nil {
		e.logger.Error("failed to sign prepare", "error", err)
		return
	}
	sign := wire.SignReq{Common: common}
	e.insertSignLocked(computed, sign)
	e.broadcastMsg(sign, nil)

	// step 14: a quorum may already be present (e.g. messages that raced
	// ahead of this Prepare, or a single-node test cluster).
	e.checkAndCommitLocked(computed)

	_ = selfInjected // only step 2 treats a self-injected Prepare differently
}

// tryProposeLocked is the worker's per-tick "should I propose" check
// (spec.md §4.1 "is_leader"), covering both a fresh proposal and the
// §4.5 crash-replay of an already-committed-but-unsealed Prepare.
func (e *Engine) tryProposeLocked() {
	if e.cfgErr {
		return
	}
	idx, ok := e.leaderIndex(e.consensusBlockNumber, e.view)
	if !ok || idx != e.selfIndex {
		return
	}

	if e.committedPrepareCache != nil && e.committedPrepareCache.Height == e.consensusBlockNumber {
		if e.rawPrepareCache != nil && e.rawPrepareCache.Height == e.consensusBlockNumber &&
			e.rawPrepareCache.View == e.committedPrepareCache.View {
			return // already installed, nothing to re-propose
		}
		e.replayCommittedLocked()
		return
	}

	if e.prepareCache != nil && e.prepareCache.Height == e.consensusBlockNumber {
		return // already proposed this round, awaiting quorum
	}

	e.proposeFreshLocked()
}

// replayCommittedLocked re-broadcasts a Prepare this node committed to
// before a crash, without re-signing it (spec.md §4.5): the commit record
// already carries a valid leader signature. handlePrepareLocked still
// re-executes the block as it does for any Prepare.
func (e *Engine) replayCommittedLocked() {
	p := *e.committedPrepareCache
	e.logger.Info("replaying committed prepare after restart", "height", p.Height, "view", p.View)
	e.broadcastMsg(p, nil)
	e.handlePrepareLocked(p, true)
}

// proposeFreshLocked assembles a brand-new candidate and broadcasts it
// as this node's Prepare for the current round (spec.md §4.1).
func (e *Engine) proposeFreshLocked() {
	txs := e.drainPendingTxsLocked()
	if len(txs) == 0 && !e.cfg.OmitEmptyBlocks {
		return // nothing to propose; with OmitEmptyBlocks on, an empty block is proposed and receivers turn it into a view change
	}

	cand := chainface.CandidateBlock{
		ParentHash: append([]byte(nil), e.highest.HashNoSeal...),
		Txs:        txs,
		Timestamp:  time.Now().UnixMilli(),
	}
	blockBytes, err := chainface.EncodeCandidate(cand)
	if err != nil {
		e.logger.Error("failed to encode candidate", "error", err)
		return
	}

	header, canonical, err := e.chain.ExecuteCandidate(blockBytes)
	if err != nil {
		e.logger.Error("failed to execute own candidate", "error", err)
		return
	}
	hash, err := wire.ComputeHashNoSeal(header)
	if err != nil {
		e.logger.Error("failed to hash own candidate", "error", err)
		return
	}

	common, err := e.signCommon(e.consensusBlockNumber, e.view, hash)
	if err != nil {
		e.logger.Error("failed to sign own prepare", "error", err)
		return
	}
	p := wire.PrepareReq{Common: common, Block: canonical}

	e.broadcastMsg(p, nil)
	e.handlePrepareLocked(p, true)
}

// replayFuturePrepareLocked promotes a parked future Prepare once the
// engine's round catches up to it (spec.md §4.2 step 2's counterpart).
func (e *Engine) replayFuturePrepareLocked() {
	if e.futurePrepareCache == nil {
		return
	}
	if e.futurePrepareCache.Height > e.consensusBlockNumber {
		return
	}
	p := *e.futurePrepareCache
	e.futurePrepareCache = nil
	e.handlePrepareLocked(p, false)
}

// checkLeaderConnectivityLocked fires a backoff-free view-change if the
// current round's leader is a peer we have no open connection to
// (spec.md §4.2 "leader unreachable").
func (e *Engine) checkLeaderConnectivityLocked() {
	if e.cfgErr || e.roster == nil {
		return
	}
	idx, ok := e.leaderIndex(e.consensusBlockNumber, e.view)
	if !ok || idx == e.selfIndex {
		return
	}
	entry, ok := e.roster.ByIndex(idx)
	if !ok {
		return
	}
	if !e.trans.IsConnected(entry.PubKey) {
		e.logger.Warn("leader unreachable, forcing view change", "leader_idx", idx)
		e.fireViewChangeLocked(false)
	}
}
