package client

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentlink/internal/dispatch"
	"github.com/basket/agentlink/internal/protocol"
	"github.com/basket/agentlink/internal/shared"
	"github.com/basket/agentlink/internal/track"
)

var errNotConnected = errors.New("not connected")

// Backoff controls the reconnect schedule. Delay grows geometrically from
// Initial, capped at Max; after MaxAttempts consecutive failures the
// client gives up and enters the error state.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff is 1s, 2s, 4s ... capped at 30s, ten attempts.
var DefaultBackoff = Backoff{
	Initial:     time.Second,
	Max:         30 * time.Second,
	Multiplier:  2,
	MaxAttempts: 10,
}

// delay returns the wait before attempt n (1-based).
func (b Backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if max := float64(b.Max); d > max {
		d = max
	}
	return time.Duration(d)
}

// Hooks are optional observation points, wired to metrics by the caller.
// All fields may be nil.
type Hooks struct {
	MessageSent      func()
	MessageReceived  func()
	Reconnected      func()
	HeartbeatLatency func(time.Duration)
	PendingRequests  func(int)
	RequestDone      func(time.Duration, error)
	QueueDepth       func(int)
}

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	Logger *slog.Logger

	// Tracer defaults to a noop tracer.
	Tracer trace.Tracer

	// Dial defaults to DialWebSocket.
	Dial DialFunc

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	QueueLimit        int
	Backoff           Backoff
	Hooks             Hooks
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("agentlink")
	}
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 256
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = 2
	}
}

// Client multiplexes the session protocol over one Transport. Incoming
// envelopes are routed either to the correlator (replies) or to the
// subscription registry (pushes); the lifecycle tracker subscribes through
// the registry like any other consumer.
type Client struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	registry *dispatch.Registry
	tracker  *track.Tracker
	corr     *correlator
	queue    *outboundQueue
	session  sessionHolder
	states   stateNotifier

	mu          sync.Mutex
	state       ConnState
	transport   Transport
	gen         int
	attempt     int
	retryTimer  *time.Timer
	closing     bool
	unbind      func()
	cancelLoops context.CancelFunc
	latency     time.Duration
}

// New creates a disconnected Client around an existing registry and
// tracker.
func New(opts Options, registry *dispatch.Registry, tracker *track.Tracker) *Client {
	opts.normalize()
	c := &Client{
		opts:     opts,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		registry: registry,
		tracker:  tracker,
		corr:     newCorrelator(),
		queue:    newOutboundQueue(opts.QueueLimit),
		state:    StateDisconnected,
	}
	c.corr.onPending = opts.Hooks.PendingRequests
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the most recent heartbeat round-trip time.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Session returns a copy of the current session context.
func (c *Client) Session() (protocol.SessionContext, bool) {
	return c.session.get()
}

// QueuedMessages reports how many fire-and-forget envelopes are waiting
// for the next flush.
func (c *Client) QueuedMessages() int {
	return c.queue.len()
}

// PendingRequests reports how many correlated requests await a reply.
func (c *Client) PendingRequests() int {
	return c.corr.len()
}

// Tracker exposes the lifecycle tracker.
func (c *Client) Tracker() *track.Tracker {
	return c.tracker
}

// OnStateChange registers an observer for connection state transitions and
// returns its unsubscribe function. Observers also serve as the
// re-subscription point: message subscriptions are cleared on every
// disconnect, so consumers re-register when they see connected.
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	return c.states.subscribe(fn)
}

// Subscribe registers a message handler on the underlying registry.
func (c *Client) Subscribe(typ protocol.Type, fn dispatch.Handler, opts *dispatch.Options) func() {
	return c.registry.Subscribe(typ, fn, opts)
}

// Connect dials the gateway and blocks until the handshake ack arrives.
// It does not retry: a failed initial connect is the caller's decision
// point. Automatic reconnection only follows an established connection
// that drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.setStateLocked(StateConnecting, "connect requested", 0)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	t, err := c.opts.Dial(dialCtx, c.opts.URL, c.opts.Token)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateError, err.Error(), 0)
		c.mu.Unlock()
		return err
	}

	held, err := c.awaitAck(dialCtx, t)
	if err != nil {
		t.Close()
		c.mu.Lock()
		c.setStateLocked(StateError, err.Error(), 0)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		t.Close()
		return &protocol.ConnectionError{Op: "connect", Err: errors.New("client closed during dial")}
	}
	c.startConnLocked(t, "connected", held)
	c.mu.Unlock()

	c.flushQueue()
	return nil
}

// awaitAck reads frames until the gateway's connection.ack arrives. The
// connection is not usable before that: requests sent earlier would race
// the server's session setup. Frames that precede the ack are returned so
// the read loop can deliver them in arrival order.
func (c *Client) awaitAck(ctx context.Context, t Transport) ([]protocol.Envelope, error) {
	start := time.Now()
	var held []protocol.Envelope
	for {
		raw, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &protocol.TimeoutError{Op: "handshake", Elapsed: time.Since(start)}
			}
			return nil, &protocol.ConnectionError{Op: "handshake", Err: err}
		}
		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame during handshake", "error", err)
			continue
		}
		if env.Type == protocol.TypeConnectionAck {
			var ack protocol.ConnectionAckPayload
			if err := env.Decode(&ack); err == nil {
				c.logger.Debug("handshake complete", "protocol", ack.Protocol, "version", ack.Version)
			}
			return held, nil
		}
		held = append(held, env)
	}
}

// Disconnect closes the connection deliberately. No reconnection follows;
// pending requests are rejected and in-flight lifecycles failed so nothing
// waits on a dead connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancelLoops != nil {
		c.cancelLoops()
		c.cancelLoops = nil
	}
	t := c.transport
	c.transport = nil
	c.gen++
	if c.unbind != nil {
		c.unbind()
		c.unbind = nil
	}
	wasDisconnected := c.state == StateDisconnected
	c.setStateLocked(StateDisconnected, "client disconnect", 0)
	c.mu.Unlock()

	if wasDisconnected && t == nil {
		return nil
	}
	connErr := &protocol.ConnectionError{Op: "disconnect", Err: errNotConnected}
	c.corr.failAll(connErr)
	c.tracker.FailAll(connErr)
	c.session.clear()
	c.registry.Clear()
	if t != nil {
		return t.Close()
	}
	return nil
}

// startConnLocked installs a fresh transport and starts its read and
// heartbeat loops. Frames held back during the handshake are handed to
// the read loop so ordering survives. Caller holds c.mu.
func (c *Client) startConnLocked(t Transport, reason string, held []protocol.Envelope) {
	c.gen++
	gen := c.gen
	c.transport = t
	c.attempt = 0

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoops = cancel
	c.unbind = c.tracker.Bind(c.registry)
	c.setStateLocked(StateConnected, reason, 0)

	go c.readLoop(loopCtx, t, gen, held)
	go c.heartbeatLoop(loopCtx, gen)
}

func (c *Client) setStateLocked(to ConnState, reason string, attempt int) {
	from := c.state
	c.state = to
	if from == to {
		return
	}
	c.states.notify(StateChange{From: from, To: to, Reason: reason, Attempt: attempt, At: time.Now().UTC()})
}

// readLoop is the single reader for one connection generation. Everything
// inbound funnels through here, which is what guarantees chunk ordering
// downstream.
func (c *Client) readLoop(ctx context.Context, t Transport, gen int, held []protocol.Envelope) {
	for _, env := range held {
		if c.opts.Hooks.MessageReceived != nil {
			c.opts.Hooks.MessageReceived()
		}
		c.route(env)
	}
	for {
		raw, err := t.Receive(ctx)
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		if c.opts.Hooks.MessageReceived != nil {
			c.opts.Hooks.MessageReceived()
		}

		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.route(env)
	}
}

// route delivers one inbound envelope: correlated replies to their
// waiters, everything else to the subscription registry. Session frames
// additionally update the session holder before dispatch.
func (c *Client) route(env protocol.Envelope) {
	if env.CorrelationID != "" && c.corr.resolve(env) {
		return
	}

	switch env.Type {
	case protocol.TypeSessionCreated:
		var sc protocol.SessionContext
		if err := env.Decode(&sc); err != nil {
			c.logger.Warn("bad session.created payload", "error", err)
			return
		}
		c.session.set(sc)
	case protocol.TypeSessionEnded, protocol.TypeErrorSessionExpired:
		c.session.clear()
	}

	c.registry.Dispatch(env)
}

// heartbeatLoop sends a correlated ping every interval and records the
// round trip. A ping that times out means the connection is dead even if
// TCP has not noticed, so the transport is closed to force the read loop
// into the reconnect path.
func (c *Client) heartbeatLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		_, err := c.Request(ctx, protocol.TypeHeartbeat, protocol.HeartbeatPayload{SentAt: start.UTC()})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("heartbeat failed", "error", err)
			c.mu.Lock()
			stale := gen != c.gen
			t := c.transport
			c.mu.Unlock()
			if !stale && t != nil {
				t.Close()
			}
			return
		}
		rtt := time.Since(start)
		c.mu.Lock()
		c.latency = rtt
		c.mu.Unlock()
		if c.opts.Hooks.HeartbeatLatency != nil {
			c.opts.Hooks.HeartbeatLatency(rtt)
		}
	}
}

// handleDrop runs when a connection's read loop exits. Deliberate
// disconnects were already cleaned up; anything else starts the reconnect
// schedule.
func (c *Client) handleDrop(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		return
	}
	if c.cancelLoops != nil {
		c.cancelLoops()
		c.cancelLoops = nil
	}
	t := c.transport
	c.transport = nil
	if c.unbind != nil {
		c.unbind()
		c.unbind = nil
	}
	c.setStateLocked(StateReconnecting, err.Error(), c.attempt+1)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}

	// Cleanup strictly precedes the first reconnect attempt so nothing
	// from the dead connection leaks into the next one.
	connErr := &protocol.ConnectionError{Op: "connection lost", Err: err}
	c.corr.failAll(connErr)
	c.tracker.FailAll(connErr)
	c.session.clear()
	c.registry.Clear()
	c.logger.Warn("connection lost, reconnecting", "error", err)

	c.mu.Lock()
	if !c.closing && c.state == StateReconnecting {
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()
}

// scheduleRetryLocked arms the single retry timer for the next attempt.
// Caller holds c.mu.
func (c *Client) scheduleRetryLocked() {
	c.attempt++
	if c.opts.Backoff.MaxAttempts > 0 && c.attempt > c.opts.Backoff.MaxAttempts {
		c.setStateLocked(StateError, "reconnect attempts exhausted", c.attempt-1)
		return
	}
	delay := c.opts.Backoff.delay(c.attempt)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, c.tryReconnect)
}

func (c *Client) tryReconnect() {
	c.mu.Lock()
	if c.closing || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	attempt := c.attempt
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	t, err := c.opts.Dial(dialCtx, c.opts.URL, c.opts.Token)
	var held []protocol.Envelope
	if err == nil {
		held, err = c.awaitAck(dialCtx, t)
		if err != nil {
			t.Close()
		}
	}
	cancel()

	if err != nil {
		var authErr *protocol.AuthenticationError
		if errors.As(err, &authErr) {
			// Credentials are bad; retrying would only repeat the
			// rejection.
			c.mu.Lock()
			c.setStateLocked(StateError, err.Error(), attempt)
			c.mu.Unlock()
			c.logger.Error("reconnect rejected, giving up", "error", err)
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		c.mu.Lock()
		if !c.closing && c.state == StateReconnecting {
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		t.Close()
		return
	}
	c.startConnLocked(t, "reconnected", held)
	c.mu.Unlock()

	if c.opts.Hooks.Reconnected != nil {
		c.opts.Hooks.Reconnected()
	}
	c.logger.Info("reconnected", "attempt", attempt)
	c.flushQueue()
}

// flushQueue delivers everything queued while disconnected, exactly once
// per (re)connect. A mid-flush send failure requeues the remainder at the
// head for the next connection.
func (c *Client) flushQueue() {
	items := c.queue.drain()
	for i, env := range items {
		if err := c.send(context.Background(), env); err != nil {
			c.queue.requeue(items[i:])
			c.reportQueueDepth()
			c.logger.Warn("queue flush interrupted", "delivered", i, "requeued", len(items)-i, "error", err)
			return
		}
	}
	if len(items) > 0 {
		c.reportQueueDepth()
		c.logger.Debug("flushed outbound queue", "count", len(items))
	}
}

// send writes one envelope to the live transport.
func (c *Client) send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	t := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || t == nil {
		return &protocol.ConnectionError{Op: "send", Err: errNotConnected}
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := t.Send(ctx, raw); err != nil {
		return err
	}
	if c.opts.Hooks.MessageSent != nil {
		c.opts.Hooks.MessageSent()
	}
	return nil
}

// Request sends a correlated envelope and waits for its reply. The reply,
// a timeout, and connection loss are mutually exclusive outcomes. Requests
// made while disconnected fail immediately rather than queue: a reply can
// only come from the connection the request went out on.
func (c *Client) Request(ctx context.Context, typ protocol.Type, payload any) (protocol.Envelope, error) {
	start := time.Now()
	reply, err := c.request(ctx, typ, payload)
	if c.opts.Hooks.RequestDone != nil {
		c.opts.Hooks.RequestDone(time.Since(start), err)
	}
	return reply, err
}

func (c *Client) request(ctx context.Context, typ protocol.Type, payload any) (protocol.Envelope, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return protocol.Envelope{}, &protocol.ConnectionError{Op: "request", Err: errNotConnected}
	}

	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	ctx = c.attachSession(ctx, &env)

	timeout := c.opts.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	id, ch, cancel := c.corr.register(timeout)
	env.CorrelationID = id
	ctx = shared.WithRequestID(ctx, id)

	if err := c.send(ctx, env); err != nil {
		cancel()
		return protocol.Envelope{}, err
	}
	reply, err := c.corr.await(ctx, id, ch)
	if err != nil {
		c.logger.Debug("request failed",
			"type", typ,
			"request_id", shared.RequestID(ctx),
			"session_id", shared.SessionID(ctx),
			"error", err,
		)
	}
	return reply, err
}

// attachSession stamps the current session id on env and the context. A
// context past its local expiry is never attached: the server would only
// answer error.session_expired.
func (c *Client) attachSession(ctx context.Context, env *protocol.Envelope) context.Context {
	if !c.session.valid(time.Now()) {
		return ctx
	}
	sc, ok := c.session.get()
	if !ok {
		return ctx
	}
	env.SessionID = sc.SessionID
	return shared.WithSessionID(ctx, sc.SessionID)
}

// Notify sends a fire-and-forget envelope. While disconnected it queues
// for the next flush instead of failing.
func (c *Client) Notify(ctx context.Context, typ protocol.Type, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	c.attachSession(ctx, &env)

	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		if !c.queue.push(env) {
			return &protocol.ConnectionError{Op: "queue", Err: errors.New("outbound queue full")}
		}
		c.reportQueueDepth()
		return nil
	}
	if err := c.send(ctx, env); err != nil {
		// The connection died under us; hold the message for the flush.
		if !c.queue.push(env) {
			return err
		}
		c.reportQueueDepth()
		return nil
	}
	return nil
}

func (c *Client) reportQueueDepth() {
	if c.opts.Hooks.QueueDepth != nil {
		c.opts.Hooks.QueueDepth(c.queue.len())
	}
}
