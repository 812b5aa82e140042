package transport

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// MemoryNetwork is a full-mesh, in-process transport used by tests: every
// node registered with the same network is "connected" to every other,
// with no actual socket I/O.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// MemoryTransport is one node's view of a MemoryNetwork.
type MemoryTransport struct {
	net      *MemoryNetwork
	selfID   string
	pubKey   []byte
	role     validator.Role
	index    validator.Index
	inbound  chan Inbound
	dropAll  bool // simulates a silenced/crashed leader for tests

	mu      sync.Mutex
	filters map[string]*peerFilters

	allowObserverBroadcast bool
}

// Register joins id to the network and returns its Transport handle.
func (n *MemoryNetwork) Register(id string, pubKey []byte, role validator.Role, index validator.Index) *MemoryTransport {
	t := &MemoryTransport{
		net:     n,
		selfID:  id,
		pubKey:  pubKey,
		role:    role,
		index:   index,
		inbound: make(chan Inbound, 4096),
		filters: make(map[string]*peerFilters),
	}
	n.mu.Lock()
	n.nodes[id] = t
	n.mu.Unlock()
	return t
}

// SetSilenced makes the node stop sending anything, simulating a crashed
// or Byzantine-silent leader (spec.md §8 scenario 2).
func (t *MemoryTransport) SetSilenced(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropAll = v
}

func (t *MemoryTransport) filtersFor(peerID string) *peerFilters {
	t.mu.Lock()
	defer t.mu.Unlock()
	pf, ok := t.filters[peerID]
	if !ok {
		pf = newPeerFilters()
		t.filters[peerID] = pf
	}
	return pf
}

func (t *MemoryTransport) Broadcast(key string, msgID wire.MsgID, body []byte, except map[string]bool) error {
	t.mu.Lock()
	silenced := t.dropAll
	t.mu.Unlock()
	if silenced {
		return nil
	}

	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	for peerID, peer := range t.net.nodes {
		if peerID == t.selfID {
			continue
		}
		pf := t.filtersFor(peerID)
		if except[peerID] {
			pf.mark(msgID, key) // mark as sent to suppress a later echo, without actually sending
			continue
		}
		if peer.role == validator.RoleObserver && msgID != wire.MsgViewChange && !t.allowObserverBroadcast {
			continue
		}
		if pf.seen(msgID, key) {
			continue
		}
		pf.mark(msgID, key)
		deliver(peer, Inbound{SenderIndex: t.index, SenderID: t.selfID, MsgID: msgID, Body: append([]byte(nil), body...)})
	}
	return nil
}

func (t *MemoryTransport) Send(peerID string, msgID wire.MsgID, body []byte) error {
	t.mu.Lock()
	silenced := t.dropAll
	t.mu.Unlock()
	if silenced {
		return nil
	}
	t.net.mu.RLock()
	peer, ok := t.net.nodes[peerID]
	t.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peerID)
	}
	deliver(peer, Inbound{SenderIndex: t.index, SenderID: t.selfID, MsgID: msgID, Body: append([]byte(nil), body...)})
	return nil
}

func deliver(peer *MemoryTransport, in Inbound) {
	select {
	case peer.inbound <- in:
	default:
		// bounded queue full: drop, matching a real transport's behavior
		// under a message storm rather than blocking the sender forever.
	}
}

func (t *MemoryTransport) PeerIDs() map[string]bool {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	out := make(map[string]bool, len(t.net.nodes))
	for id := range t.net.nodes {
		if id != t.selfID {
			out[id] = true
		}
	}
	return out
}

func (t *MemoryTransport) IsConnected(pubKey []byte) bool {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	want := hex.EncodeToString(pubKey)
	for id, peer := range t.net.nodes {
		if id == t.selfID {
			continue
		}
		if hex.EncodeToString(peer.pubKey) == want {
			return true
		}
	}
	return false
}

func (t *MemoryTransport) Inbound() <-chan Inbound { return t.inbound }

func (t *MemoryTransport) ResetEchoFilters() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = make(map[string]*peerFilters)
}

func (t *MemoryTransport) Close() error { return nil }
