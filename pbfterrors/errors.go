// Package pbfterrors declares sentinel errors naming the consensus error
// conditions. No package in this module imports it: the consensus
// handlers log and drop a bad message instead of returning an error.
package pbfterrors

import "errors"

var (
	// ErrStaleMessage marks a message whose (height, view) is in the past.
	ErrStaleMessage = errors.New("pbft: stale message")
	// ErrFutureMessage marks a message whose (height, view) is ahead of us.
	ErrFutureMessage = errors.New("pbft: future message, parked")
	// ErrBadSignature marks a message whose sig or sig2 fails to verify.
	ErrBadSignature = errors.New("pbft: bad signature")
	// ErrUnknownSender marks a message whose idx is outside the roster for its height.
	ErrUnknownSender = errors.New("pbft: unknown sender index")
	// ErrHashMismatch marks a candidate block whose re-execution disagrees with the proposed hash.
	ErrHashMismatch = errors.New("pbft: executed hash mismatch")
	// ErrCommittedElsewhere marks a proposer equivocating at an already-committed height.
	ErrCommittedElsewhere = errors.New("pbft: different hash already committed at this height")
	// ErrForkDetected marks a ViewChange that references a hash unknown to the local chain.
	ErrForkDetected = errors.New("pbft: fork detected, refusing to follow")
	// ErrNotLeader marks a should-seal check on a node that is not the round's leader.
	ErrNotLeader = errors.New("pbft: not leader for this round")
	// ErrConfigError marks a node that could not resolve its own roster membership.
	ErrConfigError = errors.New("pbft: roster lookup failed or self not in roster")
	// ErrOversizeMessage marks a frame whose declared length exceeds the configured maximum.
	ErrOversizeMessage = errors.New("pbft: message exceeds maximum size")
	// ErrQuorumNotMet marks a vote set that has not reached quorum; never surfaced to the network.
	ErrQuorumNotMet = errors.New("pbft: quorum not yet met")
	// ErrSelfSend marks a message whose sender index is our own and was not self-injected.
	ErrSelfSend = errors.New("pbft: suspicious self-send")
)
