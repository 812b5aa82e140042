package consensus

import (
	"time"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// viewTimeoutForCycle returns the current round's view-change timeout,
// doubling with change_cycle up to kMaxChangeCycle (spec.md §4.2
// "exponential back-off").
func (e *Engine) viewTimeoutForCycle() time.Duration {
	cycle := e.changeCycle
	if cycle > kMaxChangeCycle {
		cycle = kMaxChangeCycle
	}
	return e.cfg.ViewTimeout << uint(cycle)
}

// checkTimeoutLocked fires a backed-off view-change once neither a new
// Prepare nor a Sign-quorum has been seen within the round's timeout.
func (e *Engine) checkTimeoutLocked() {
	if e.cfgErr {
		return
	}
	ref := e.lastConsensusTime
	if e.lastSignTime.After(ref) {
		ref = e.lastSignTime
	}
	if time.Since(ref) < e.viewTimeoutForCycle() {
		return
	}
	e.fireViewChangeLocked(true)
}

// fireViewChangeLocked moves to_view forward by one and broadcasts our
// vote for it. backoff is true only for a timer-expiry view-change
// (spec.md §8 scenario 5: empty-block suppression and leader-unreachable
// view-changes never increment change_cycle).
func (e *Engine) fireViewChangeLocked(backoff bool) {
	e.toView++
	if backoff && e.changeCycle < kMaxChangeCycle {
		e.changeCycle++
	}
	e.leaderFailed = true

	hash := e.highestHashLocked()
	common, err := e.signCommon(e.consensusBlockNumber, e.toView, hash)
	if err != nil {
		e.logger.Error("failed to sign view change", "error", err)
		return
	}
	vc := wire.ViewChangeReq{Common: common}
	e.insertViewChangeLocked(e.toView, vc)
	e.broadcastMsg(vc, nil)

	e.checkAndChangeViewLocked()
}

// handleViewChangeLocked processes a peer's ViewChangeReq.
func (e *Engine) handleViewChangeLocked(v wire.ViewChangeReq, senderID string) {
	if v.Idx == uint16(e.selfIndex) {
		return // we already recorded our own vote when we cast it
	}
	if v.Height < e.consensusBlockNumber {
		// a peer still behind our round; nudge it forward rather than
		// silently dropping its message.
		e.reemitViewChangeLocked(senderID)
		return
	}
	if v.Height > e.consensusBlockNumber {
		return // a peer ahead of us; our own catch-up path is report-block
	}
	if v.View+1 < e.toView {
		// a peer at our height but lagging by more than one view; help it
		// catch up without dropping its own vote from consideration below.
		e.reemitViewChangeLocked(senderID)
	}
	if v.Height < e.highest.Number || v.View <= e.view {
		return // stale: behind our finalized height or our adopted view
	}
	if byIdx, ok := e.recvViewChange[v.View]; ok {
		if _, dup := byIdx[validator.Index(v.Idx)]; dup {
			return
		}
	}

	if hash, err := pbftcrypto.HashFromBytes(v.BlockHash); err == nil {
		claimed, found := e.chain.BlockByHash(hash)
		if !found {
			e.logger.Warn("view change references a block unknown to the local chain, possible fork", "idx", v.Idx)
			return
		}
		if claimed.Number != e.highest.Number {
			e.logger.Warn("view change references a block we did not finalize, possible fork", "idx", v.Idx, "height", claimed.Number)
			return
		}
	}

	roster, err := e.rosterForRound(e.consensusBlockNumber)
	if err != nil {
		e.logger.Error("roster lookup failed while handling view change", "error", err)
		return
	}
	if err := e.verifyCommon(v.Common, roster); err != nil {
		e.logger.Warn("view change failed verification", "error", err)
		return
	}
	e.insertViewChangeLocked(v.View, v)

	e.maybeFastForwardLocked(v.View)
	e.checkAndChangeViewLocked()
}

// reemitViewChangeLocked replies directly to the peer that sent a
// ViewChangeReq claiming a height we've already moved past, or a view
// more than one behind our to_view, so it can catch up without waiting
// for the next broadcast round.
func (e *Engine) reemitViewChangeLocked(senderID string) {
	hash := e.highestHashLocked()
	common, err := e.signCommon(e.consensusBlockNumber, e.view, hash)
	if err != nil {
		return
	}
	reply := wire.ViewChangeReq{Common: common}
	body, err := wire.EncodeBody(reply)
	if err != nil {
		return
	}
	if err := e.trans.Send(senderID, wire.MsgViewChange, body); err != nil {
		e.logger.Warn("failed to re-emit view change to lagging peer", "error", err)
	}
}

// maybeFastForwardLocked jumps straight to a view a quorum-adjacent peer
// has already reached, rather than climbing it one increment at a time
// (spec.md §4.2 "fast-forward"). Both consensus timers are zeroed so the
// very next tick re-evaluates the new view's timeout from scratch.
func (e *Engine) maybeFastForwardLocked(peerView uint64) {
	if peerView <= e.toView+1 {
		return
	}
	e.toView = peerView - 1
	e.lastConsensusTime = time.Time{}
	e.lastSignTime = time.Time{}
}

// checkAndChangeViewLocked is spec.md §4.2 "check-and-change-view":
// once a quorum agrees on to_view, it becomes the live view.
func (e *Engine) checkAndChangeViewLocked() {
	if e.toView <= e.view {
		return
	}
	roster, err := e.rosterForRound(e.consensusBlockNumber)
	if err != nil {
		return
	}
	if len(e.recvViewChange[e.toView]) < roster.Q() {
		return
	}

	e.view = e.toView
	e.leaderFailed = false
	e.prepareCache = nil
	e.rawPrepareCache = nil
	e.signQuorumHandled = false
	e.commitSent = false
	e.trans.ResetEchoFilters()
	e.gcViewChangesLocked()

	now := time.Now()
	e.lastConsensusTime = now
	e.lastSignTime = now

	if e.OnViewChange != nil {
		e.OnViewChange()
	}
}

// gcViewChangesLocked drops ViewChange records for views the round has
// already moved past.
func (e *Engine) gcViewChangesLocked() {
	for view := range e.recvViewChange {
		if view <= e.view {
			delete(e.recvViewChange, view)
		}
	}
}

