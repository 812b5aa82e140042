// Package queue is the bounded MPMC queue of inbound consensus messages
// between the transport's reader goroutines and the single consensus
// worker (spec.md §2 item 7, §5 "Scheduling").
package queue

import (
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// Item is one queued inbound message.
type Item struct {
	SenderIndex validator.Index
	SenderID    string
	MsgID       wire.MsgID
	Body        []byte
}

// Queue is a bounded channel-backed MPMC queue: any number of transport
// goroutines may push, a single worker drains it.
type Queue struct {
	ch chan Item
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Item, capacity)}
}

// TryPush enqueues without blocking; it reports false if the queue is
// full, matching a real transport's storm behavior (drop rather than
// stall the network reader).
func (q *Queue) TryPush(it Item) bool {
	select {
	case q.ch <- it:
		return true
	default:
		return false
	}
}

// TryPop dequeues without blocking.
func (q *Queue) TryPop() (Item, bool) {
	select {
	case it := <-q.ch:
		return it, true
	default:
		return Item{}, false
	}
}

// C exposes the underlying channel for select-based waits (the worker's
// "wait_for(condvar, 5ms)" step, spec.md §5).
func (q *Queue) C() <-chan Item {
	return q.ch
}
