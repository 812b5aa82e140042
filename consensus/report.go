package consensus

import (
	"time"

	"github.com/dappledger/bcos-pbft/wire"
)

// ReportBlock notifies the engine that header is now the chain head,
// whether imported by this engine's own check-and-save or by an
// external sync path catching the node up to its peers. It advances the
// consensus round and resets per-round state (spec.md §4.2
// "report-block", steps 1-4).
func (e *Engine) ReportBlock(header *wire.BlockHeader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reportBlockLocked(header)
}

func (e *Engine) reportBlockLocked(header *wire.BlockHeader) {
	// step 1: ignore a report that doesn't actually move the head
	// forward (a race between our own import and an external report).
	if header.Number < e.highest.Number {
		return
	}
	if header.Number == e.highest.Number {
		return
	}

	// step 2: advance to the next round.
	e.highest = header
	e.consensusBlockNumber = header.Number + 1
	e.view = 0
	e.toView = 0
	e.changeCycle = 0
	e.leaderFailed = false

	// step 3: drop every cache scoped to the round that just finished.
	e.rawPrepareCache = nil
	e.prepareCache = nil
	e.committedPrepareCache = nil
	e.signQuorumHandled = false
	e.commitSent = false
	e.purgeStaleViewChangesLocked()
	e.trans.ResetEchoFilters()

	// step 4: the new round's roster may differ from the old one.
	e.refreshRosterLocked()

	now := time.Now()
	e.lastConsensusTime = now
	e.lastSignTime = now

	if e.futurePrepareCache != nil && e.futurePrepareCache.Height == e.consensusBlockNumber {
		p := *e.futurePrepareCache
		e.futurePrepareCache = nil
		e.handlePrepareLocked(p, false)
	}
}

// purgeStaleViewChangesLocked drops every recorded ViewChange for a view
// no longer relevant once the round has advanced.
func (e *Engine) purgeStaleViewChangesLocked() {
	for view := range e.recvViewChange {
		delete(e.recvViewChange, view)
	}
}
