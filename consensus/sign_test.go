package consensus

import (
	"testing"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/wire"
)

func TestSignQuorumTriggersCommitBroadcastAndDurablePersist(t *testing.T) {
	vs, roster := buildValidators(t, 4)
	e, chain, _, handles := buildHarness(t, vs, roster, 0, testConfig())
	leader := leaderForRound(t, e, 1, 0)

	p := buildPrepareFrom(t, chain, vs[leader].key, leader, 1, 0, [][]byte{[]byte("tx")})

	e.mu.Lock()
	e.handlePrepareLocked(p, false)
	hash, err := pbftcrypto.HashFromBytes(p.BlockHash)
	if err != nil {
		e.mu.Unlock()
		t.Fatalf("HashFromBytes: %v", err)
	}
	e.mu.Unlock()

	// feed in Sign votes from enough other validators to reach quorum
	// (N=4, Q=3); this engine's own Sign vote cast by handlePrepareLocked
	// already counts as one, so two more suffice.
	fed := 0
	for i := 0; i < 4 && fed < 2; i++ {
		if i == leader || i == 0 {
			continue
		}
		common := signCommonAs(t, vs[i].key, i, 1, 0, hash)
		e.mu.Lock()
		e.handleSignLocked(wire.SignReq{Common: common})
		e.mu.Unlock()
		fed++
	}

	e.mu.Lock()
	committed := e.committedPrepareCache != nil
	handled := e.signQuorumHandled
	e.mu.Unlock()

	if !handled {
		t.Fatal("expected sign-quorum to be reached and handled")
	}
	if !committed {
		t.Fatal("expected committed_prepare_cache to be set once sign-quorum is reached")
	}

	data, found, err := e.durable.Get(wire.CommittedKey)
	if err != nil || !found {
		t.Fatalf("expected committed prepare to be persisted: found=%v err=%v", found, err)
	}
	if len(data) == 0 {
		t.Fatal("persisted committed prepare record must not be empty")
	}

	for i, h := range handles {
		if i == 0 {
			continue
		}
		drainInbound(t, h, wire.MsgCommit, drainTimeout)
	}
}

func TestHandleSignRejectsStaleRound(t *testing.T) {
	vs, roster := buildValidators(t, 4)
	e, chain, _, _ := buildHarness(t, vs, roster, 0, testConfig())
	leader := leaderForRound(t, e, 1, 0)

	p := buildPrepareFrom(t, chain, vs[leader].key, leader, 1, 0, [][]byte{[]byte("tx")})
	e.mu.Lock()
	e.handlePrepareLocked(p, false)
	e.mu.Unlock()

	// a sign for a height/view behind the installed prepare must not be
	// cached against it.
	stale, err := pbftcrypto.HashFromBytes(p.BlockHash)
	if err != nil {
		t.Fatalf("HashFromBytes: %v", err)
	}
	other := (leader + 1) % 4
	common := signCommonAs(t, vs[other].key, other, 0, 0, stale)

	e.mu.Lock()
	before := len(e.signCache[stale])
	e.handleSignLocked(wire.SignReq{Common: common})
	after := len(e.signCache[stale])
	e.mu.Unlock()

	if after != before {
		t.Fatal("a stale-round Sign vote must not be cached")
	}
}

func TestCheckAndCommitLockedIsIdempotent(t *testing.T) {
	vs, roster := buildValidators(t, 4)
	e, chain, _, _ := buildHarness(t, vs, roster, 0, testConfig())
	leader := leaderForRound(t, e, 1, 0)
	p := buildPrepareFrom(t, chain, vs[leader].key, leader, 1, 0, [][]byte{[]byte("tx")})

	e.mu.Lock()
	e.handlePrepareLocked(p, false)
	hash, _ := pbftcrypto.HashFromBytes(p.BlockHash)
	e.mu.Unlock()

	for i := 0; i < 4; i++ {
		if i == leader || i == 0 {
			continue
		}
		common := signCommonAs(t, vs[i].key, i, 1, 0, hash)
		e.mu.Lock()
		e.handleSignLocked(wire.SignReq{Common: common})
		e.mu.Unlock()
	}

	e.mu.Lock()
	firstCommit := e.committedPrepareCache
	e.checkAndCommitLocked(hash) // calling again must be a no-op
	secondCommit := e.committedPrepareCache
	e.mu.Unlock()

	if firstCommit != secondCommit {
		t.Fatal("checkAndCommitLocked must be idempotent once signQuorumHandled is set")
	}
}
