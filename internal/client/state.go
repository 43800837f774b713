package client

import (
	"sync"
	"time"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange describes one transition, delivered to observers in order.
type StateChange struct {
	From    ConnState
	To      ConnState
	Reason  string
	Attempt int
	At      time.Time
}

// stateNotifier fans state transitions out to registered observers.
// Transitions are queued and delivered by a single worker, so observers
// see them in the order they happened and may call back into the client
// without deadlocking.
type stateNotifier struct {
	mu       sync.Mutex
	nextID   int
	subs     []stateSub
	queue    []StateChange
	draining bool
}

type stateSub struct {
	id int
	fn func(StateChange)
}

func (n *stateNotifier) subscribe(fn func(StateChange)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, stateSub{id: id, fn: fn})
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

func (n *stateNotifier) notify(change StateChange) {
	n.mu.Lock()
	n.queue = append(n.queue, change)
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	n.mu.Unlock()
	go n.drain()
}

func (n *stateNotifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.draining = false
			n.mu.Unlock()
			return
		}
		change := n.queue[0]
		n.queue = n.queue[1:]
		subs := make([]stateSub, len(n.subs))
		copy(subs, n.subs)
		n.mu.Unlock()

		for _, s := range subs {
			s.fn(change)
		}
	}
}
