package transport

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/dappledger/bcos-pbft/wire"
)

// echoFilterSize bounds memory against message storms (spec.md §5
// "Resource caps"): each connected peer gets one bounded LRU per message
// kind, recording keys ("hex(block_hash)" for Prepare, "hex(sig)[+view]"
// for the rest) it has already been sent.
const echoFilterSize = 4096

// peerFilters is the set of kKnownPrepare/kKnownSign/kKnownCommit/
// kKnownViewChange caches for one peer.
type peerFilters struct {
	byKind map[wire.MsgID]*lru.Cache
}

func newPeerFilters() *peerFilters {
	pf := &peerFilters{byKind: make(map[wire.MsgID]*lru.Cache, 4)}
	for _, kind := range []wire.MsgID{wire.MsgPrepare, wire.MsgSign, wire.MsgCommit, wire.MsgViewChange} {
		c, _ := lru.New(echoFilterSize)
		pf.byKind[kind] = c
	}
	return pf
}

// seen reports whether key was already recorded for kind.
func (pf *peerFilters) seen(kind wire.MsgID, key string) bool {
	c := pf.byKind[kind]
	if c == nil {
		return false
	}
	return c.Contains(key)
}

// mark records key as sent/seen for kind, making a future duplicate send
// a no-op.
func (pf *peerFilters) mark(kind wire.MsgID, key string) {
	if c := pf.byKind[kind]; c != nil {
		c.Add(key, struct{}{})
	}
}

func (pf *peerFilters) reset() {
	for kind, c := range pf.byKind {
		nc, _ := lru.New(echoFilterSize)
		pf.byKind[kind] = nc
		_ = c
	}
}
