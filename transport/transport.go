// Package transport is the authenticated, ordered, per-peer byte stream
// to every known validator (spec.md §2 item 6, §4.4 broadcast policy).
package transport

import (
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// Inbound is one message pulled off the wire, tagged with who sent it so
// the consensus engine can authenticate and route it.
type Inbound struct {
	SenderIndex validator.Index
	SenderID    string // stable peer identifier: the id the peer was registered or dialed under
	MsgID       wire.MsgID
	Body        []byte
}

// Transport is everything the consensus engine needs from the network
// layer. Broadcast and Send are fire-and-forget from the engine's
// perspective; delivery ordering per sender is guaranteed, cross-sender
// ordering is not (spec.md §5 "Ordering").
type Transport interface {
	// Broadcast sends (msgID, body) tagged by key to every connected peer
	// except those named in except, skipping Observer peers unless
	// allowObservers or msgID is ViewChange (spec.md §4.4). Peers in
	// except are still marked as having seen key, suppressing an echo if
	// they forward it back to us.
	Broadcast(key string, msgID wire.MsgID, body []byte, except map[string]bool) error

	// Send delivers (msgID, body) to exactly one known peer.
	Send(peerID string, msgID wire.MsgID, body []byte) error

	// PeerIDs returns the currently connected peer set.
	PeerIDs() map[string]bool

	// IsConnected reports whether the validator identified by pubKey has
	// an open, authenticated connection.
	IsConnected(pubKey []byte) bool

	// Inbound is the channel new messages arrive on.
	Inbound() <-chan Inbound

	// ResetEchoFilters clears every per-peer "have we sent this" cache;
	// called when a view-change completes so the new round's messages
	// are not mistakenly suppressed as echoes of the old round's traffic.
	ResetEchoFilters()

	Close() error
}
