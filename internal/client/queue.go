package client

import (
	"sync"

	"github.com/basket/agentlink/internal/protocol"
)

// outboundQueue buffers fire-and-forget envelopes composed while the
// connection is down. FIFO; flushed once per successful (re)connect.
type outboundQueue struct {
	mu    sync.Mutex
	items []protocol.Envelope
	max   int
}

func newOutboundQueue(max int) *outboundQueue {
	return &outboundQueue{max: max}
}

// push appends an envelope. Returns false when the queue is full; the
// caller surfaces that as a send failure rather than silently dropping.
func (q *outboundQueue) push(env protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, env)
	return true
}

// drain removes and returns every queued envelope in FIFO order. The
// caller holds the only copy afterwards; anything it fails to deliver goes
// back via requeue.
func (q *outboundQueue) drain() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// requeue puts undelivered envelopes back at the head, ahead of anything
// queued since the drain, preserving original order.
func (q *outboundQueue) requeue(items []protocol.Envelope) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]protocol.Envelope(nil), items...), q.items...)
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
