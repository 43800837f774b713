package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentlink/internal/protocol"
)

// outcome is the single result of a correlated request: a reply envelope
// or an error, never both.
type outcome struct {
	env protocol.Envelope
	err error
}

// correlator matches reply envelopes to in-flight requests by correlation
// id. Every pending request resolves exactly once: with its reply, a
// timeout, or a rejection when the connection drops.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingReq

	// onPending, when set, observes the pending count after each change.
	onPending func(int)
}

type pendingReq struct {
	ch    chan outcome
	timer *time.Timer
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingReq)}
}

// register creates a pending slot and returns its correlation id, result
// channel, and a cancel function for the send-failure path. The timeout
// starts immediately; a request that never reaches the wire still expires.
func (c *correlator) register(timeout time.Duration) (string, <-chan outcome, func()) {
	id := uuid.NewString()
	req := &pendingReq{ch: make(chan outcome, 1)}

	c.mu.Lock()
	c.pending[id] = req
	req.timer = time.AfterFunc(timeout, func() {
		c.reject(id, &protocol.TimeoutError{Op: "await reply", Elapsed: timeout})
	})
	n := len(c.pending)
	fn := c.onPending
	c.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	cancel := func() { c.take(id) }
	return id, req.ch, cancel
}

// resolve completes the pending request for the envelope's correlation id.
// Returns false when no request is waiting, which means the reply was late
// or unsolicited.
func (c *correlator) resolve(env protocol.Envelope) bool {
	req := c.take(env.CorrelationID)
	if req == nil {
		return false
	}
	if protocol.IsErrorType(env.Type) {
		req.ch <- outcome{err: protocol.ErrorFromFrame(env)}
	} else {
		req.ch <- outcome{env: env}
	}
	return true
}

// reject fails one pending request.
func (c *correlator) reject(id string, err error) bool {
	req := c.take(id)
	if req == nil {
		return false
	}
	req.ch <- outcome{err: err}
	return true
}

// failAll rejects every pending request with err. Called on connection
// loss so no caller is left waiting on a reply that cannot arrive.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	reqs := make([]*pendingReq, 0, len(c.pending))
	for id, req := range c.pending {
		req.timer.Stop()
		reqs = append(reqs, req)
		delete(c.pending, id)
	}
	fn := c.onPending
	c.mu.Unlock()

	for _, req := range reqs {
		req.ch <- outcome{err: err}
	}
	if fn != nil {
		fn(0)
	}
}

// take removes and returns the pending request for id, stopping its
// timeout timer. Removal under the lock makes resolution exclusive: the
// reply, the timeout, and failAll race for the map entry and only one
// wins.
func (c *correlator) take(id string) *pendingReq {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		req.timer.Stop()
	}
	n := len(c.pending)
	fn := c.onPending
	c.mu.Unlock()

	if ok && fn != nil {
		fn(n)
	}
	if !ok {
		return nil
	}
	return req
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// await blocks until the request resolves or ctx is done. The ctx path
// removes the pending slot so a late reply is dropped instead of leaking.
func (c *correlator) await(ctx context.Context, id string, ch <-chan outcome) (protocol.Envelope, error) {
	select {
	case <-ctx.Done():
		c.take(id)
		return protocol.Envelope{}, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return protocol.Envelope{}, out.err
		}
		return out.env, nil
	}
}
