// Package track derives streaming lifecycle state from the raw message
// stream: agent executions, tool calls, knowledge searches, and HITL
// requests, each as an explicit state machine with absorbing terminal
// states.
package track

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentlink/internal/dispatch"
	"github.com/basket/agentlink/internal/protocol"
)

const watchBuffer = 16

// Tracker holds the live lifecycle records. Records are created by
// "started" messages, mutated only by later messages bearing the same id,
// and kept after reaching a terminal state until the caller calls Forget.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	logger  *slog.Logger

	// onChunk, when set, is invoked for every accepted chunk. Used for
	// metrics.
	onChunk func()
}

// New creates an empty Tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		records: make(map[string]*record),
		logger:  logger,
	}
}

// SetChunkObserver registers a callback fired on every accepted chunk.
func (t *Tracker) SetChunkObserver(fn func()) {
	t.mu.Lock()
	t.onChunk = fn
	t.mu.Unlock()
}

// Bind subscribes the tracker to every lifecycle message type on reg and
// returns a function that removes those subscriptions. The client rebinds
// after each registry clear.
func (t *Tracker) Bind(reg *dispatch.Registry) func() {
	type binding struct {
		typ protocol.Type
		fn  dispatch.Handler
	}
	bindings := []binding{
		{protocol.TypeExecutionStarted, t.handleExecutionStarted},
		{protocol.TypeExecutionChunk, t.handleExecutionChunk},
		{protocol.TypeExecutionToolCall, t.handleExecutionToolCall},
		{protocol.TypeExecutionMemoryUsed, t.handleExecutionMemoryUsed},
		{protocol.TypeExecutionError, t.handleExecutionError},
		{protocol.TypeExecutionComplete, t.handleExecutionComplete},
		{protocol.TypeToolCallStart, t.handleToolCallStart},
		{protocol.TypeToolCallResult, t.handleToolCallResult},
		{protocol.TypeToolCallError, t.handleToolCallError},
		{protocol.TypeKnowledgeSearchPerformed, t.handleKnowledgeSearch},
		{protocol.TypeHITLRequestCreated, t.handleHITLCreated},
		{protocol.TypeHITLResolutionPending, t.handleHITLAssigned},
		{protocol.TypeHITLResolved, t.handleHITLResolved},
		{protocol.TypeHITLExpired, t.handleHITLExpired},
	}
	unsubs := make([]func(), 0, len(bindings))
	for _, b := range bindings {
		unsubs = append(unsubs, reg.Subscribe(b.typ, b.fn, nil))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Snapshot returns an immutable copy of the record for id.
func (t *Tracker) Snapshot(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// Watch returns a channel receiving a snapshot after every state change for
// id, plus a cancel function. The channel closes once the record reaches a
// terminal state (after delivering the terminal snapshot). Watching a
// record that is already terminal yields exactly the final snapshot.
func (t *Tracker) Watch(id string) (<-chan Snapshot, func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return nil, nil, false
	}
	ch := make(chan Snapshot, watchBuffer)
	if rec.snap.State.Terminal() {
		ch <- rec.snapshot()
		close(ch)
		return ch, func() {}, true
	}
	rec.watchers = append(rec.watchers, ch)
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		r, ok := t.records[id]
		if !ok {
			return
		}
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, true
}

// Await blocks until the record for id reaches a terminal state, the
// context is done, or the record is unknown.
func (t *Tracker) Await(ctx context.Context, id string) (Snapshot, error) {
	ch, cancel, ok := t.Watch(id)
	if !ok {
		return Snapshot{}, &protocol.ExecutionError{
			ExecutionID: id,
			Code:        "unknown_id",
			Message:     "no record for id",
		}
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case snap, open := <-ch:
			if !open {
				// Channel closed after the terminal snapshot was consumed.
				final, _ := t.Snapshot(id)
				return final, nil
			}
			if snap.State.Terminal() {
				return snap, nil
			}
		}
	}
}

// Forget drops a terminal record. Non-terminal records are kept; dropping
// one mid-flight would orphan its watchers.
func (t *Tracker) Forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok || !rec.snap.State.Terminal() {
		return false
	}
	delete(t.records, id)
	return true
}

// Cancel transitions the record for id to cancelled immediately. The
// remote peer is advised separately; the local transition never waits for
// acknowledgment.
func (t *Tracker) Cancel(id string) bool {
	return t.transition(id, func(snap *Snapshot) {
		snap.State = StateCancelled
	})
}

// Begin registers a pending record ahead of its started message. Used for
// commands acknowledged with an id before any push message arrives, so that
// callers can Watch immediately.
func (t *Tracker) Begin(id string, domain Domain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; ok {
		return
	}
	now := time.Now().UTC()
	t.records[id] = &record{snap: Snapshot{
		ID:        id,
		Domain:    domain,
		State:     StatePending,
		StartedAt: now,
		UpdatedAt: now,
	}}
}

// FailAll transitions every non-terminal record to failed with err. Called
// when the connection drops: server-side execution state is not assumed to
// survive, so anything in flight must surface an explicit error rather
// than hang.
func (t *Tracker) FailAll(err error) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.records))
	for id, rec := range t.records {
		if !rec.snap.State.Terminal() {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		id := id
		t.transition(id, func(snap *Snapshot) {
			snap.State = StateFailed
			snap.Err = &protocol.ExecutionError{
				ExecutionID: id,
				Code:        "connection_lost",
				Message:     err.Error(),
				Retryable:   true,
			}
			snap.Retryable = true
		})
	}
}

// Active returns the ids of all non-terminal records.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rec := range t.records {
		if !rec.snap.State.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// create inserts a record if the id is unseen; duplicate started messages
// for a known id are ignored.
func (t *Tracker) create(id string, domain Domain, mutate func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		// A record pre-registered via Begin is upgraded in place.
		if rec.snap.State == StatePending {
			mutate(&rec.snap)
			rec.snap.UpdatedAt = time.Now().UTC()
			t.notifyLocked(rec)
		}
		return
	}
	now := time.Now().UTC()
	rec := &record{snap: Snapshot{
		ID:        id,
		Domain:    domain,
		StartedAt: now,
		UpdatedAt: now,
	}}
	mutate(&rec.snap)
	t.records[id] = rec
	t.notifyLocked(rec)
}

// transition applies mutate to a non-terminal record. Terminal states are
// absorbing: messages for a terminal id are ignored and the record is not
// mutated. Returns whether a transition happened.
func (t *Tracker) transition(id string, mutate func(*Snapshot)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		t.logger.Debug("message for unknown lifecycle id", "id", id)
		return false
	}
	if rec.snap.State.Terminal() {
		return false
	}
	mutate(&rec.snap)
	rec.snap.UpdatedAt = time.Now().UTC()
	if rec.snap.State.Terminal() {
		rec.snap.FinishedAt = rec.snap.UpdatedAt
		if rec.expiry != nil {
			rec.expiry.Stop()
			rec.expiry = nil
		}
	}
	t.notifyLocked(rec)
	return true
}

// notifyLocked pushes a fresh snapshot to every watcher. Sends are
// non-blocking except for terminal snapshots, which close the channel
// after delivery so Await never misses the end.
func (t *Tracker) notifyLocked(rec *record) {
	snap := rec.snapshot()
	if snap.State.Terminal() {
		for _, ch := range rec.watchers {
			// Drain one slot if the buffer is full so the terminal
			// snapshot always lands.
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- snap
			}
			close(ch)
		}
		rec.watchers = nil
		return
	}
	for _, ch := range rec.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// --- message handlers ---

func (t *Tracker) handleExecutionStarted(env protocol.Envelope) {
	var p protocol.ExecutionStartedPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad execution.started payload", "error", err)
		return
	}
	t.create(p.ExecutionID, DomainExecution, func(snap *Snapshot) {
		snap.Domain = DomainExecution
		snap.State = StateRunning
		snap.AgentID = p.AgentID
	})
}

func (t *Tracker) handleExecutionChunk(env protocol.Envelope) {
	var p protocol.ExecutionChunkPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad execution.text_chunk payload", "error", err)
		return
	}
	accepted := t.transition(p.ExecutionID, func(snap *Snapshot) {
		snap.Chunks = append(snap.Chunks, p.Content)
	})
	if accepted {
		t.mu.Lock()
		fn := t.onChunk
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (t *Tracker) handleExecutionToolCall(env protocol.Envelope) {
	var p protocol.ExecutionToolCallPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad execution.tool_call payload", "error", err)
		return
	}
	t.transition(p.ExecutionID, func(snap *Snapshot) {
		snap.ToolsUsed = append(snap.ToolsUsed, p.ToolName)
	})
}

func (t *Tracker) handleExecutionMemoryUsed(env protocol.Envelope) {
	var p protocol.ExecutionMemoryUsedPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad execution.memory_used payload", "error", err)
		return
	}
	// Memory retrieval does not change lifecycle state; it only bumps the
	// record's update time for staleness accounting.
	t.transition(p.ExecutionID, func(*Snapshot) {})
}

func (t *Tracker) handleExecutionError(env protocol.Envelope) {
	var p protocol.ExecutionErrorPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad execution.error payload", "error", err)
		return
	}
	t.transition(p.ExecutionID, func(snap *Snapshot) {
		snap.State = StateFailed
		snap.Err = &protocol.ExecutionError{
			ExecutionID: p.ExecutionID,
			Code:        p.Code,
			Message:     p.Message,
			Retryable:   p.Retryable,
		}
		snap.Retryable = p.Retryable
	})
}

func (t *Tracker) handleExecutionComplete(env protocol.Envelope) {
	var p protocol.ExecutionCompletePayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad execution.complete payload", "error", err)
		return
	}
	t.transition(p.ExecutionID, func(snap *Snapshot) {
		snap.State = StateCompleted
		snap.FinalResponse = p.FinalResponse
		snap.Usage = p.Usage
		if len(p.ToolsUsed) > 0 {
			snap.ToolsUsed = append([]string(nil), p.ToolsUsed...)
		}
	})
}

func (t *Tracker) handleToolCallStart(env protocol.Envelope) {
	var p protocol.ToolCallStartPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad tool.call_start payload", "error", err)
		return
	}
	t.create(p.ToolCallID, DomainToolCall, func(snap *Snapshot) {
		snap.Domain = DomainToolCall
		snap.State = StateRunning
		snap.ToolName = p.ToolName
	})
}

func (t *Tracker) handleToolCallResult(env protocol.Envelope) {
	var p protocol.ToolCallResultPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad tool.call_result payload", "error", err)
		return
	}
	t.transition(p.ToolCallID, func(snap *Snapshot) {
		snap.State = StateCompleted
		snap.Result = append([]byte(nil), p.Result...)
	})
}

func (t *Tracker) handleToolCallError(env protocol.Envelope) {
	var p protocol.ToolCallErrorPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad tool.call_error payload", "error", err)
		return
	}
	t.transition(p.ToolCallID, func(snap *Snapshot) {
		snap.State = StateFailed
		snap.Err = &protocol.ExecutionError{
			ExecutionID: p.ToolCallID,
			Code:        p.Code,
			Message:     p.Message,
			Retryable:   p.Retryable,
		}
		snap.Retryable = p.Retryable
	})
}

func (t *Tracker) handleKnowledgeSearch(env protocol.Envelope) {
	var p protocol.KnowledgeSearchPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad knowledge.search_performed payload", "error", err)
		return
	}
	// A search is reported once, already finished; the record goes
	// straight to completed (or upgrades a Begin-registered pending one).
	t.create(p.SearchID, DomainKnowledge, func(snap *Snapshot) {
		snap.Domain = DomainKnowledge
		snap.State = StateCompleted
		snap.Query = p.Query
		snap.ResultCount = p.ResultCount
		snap.Sources = append([]string(nil), p.Sources...)
	})
}

func (t *Tracker) handleHITLCreated(env protocol.Envelope) {
	var p protocol.HITLRequestCreatedPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad hitl.request_created payload", "error", err)
		return
	}
	t.create(p.RequestID, DomainHITL, func(snap *Snapshot) {
		snap.Domain = DomainHITL
		snap.State = StatePending
		snap.Action = p.Action
		snap.Priority = p.Priority
		snap.FallbackAction = p.FallbackAction
		snap.ExpiresAt = p.ExpiresAt
	})
	t.armExpiry(p.RequestID, p.ExpiresAt, p.FallbackAction)
}

// armExpiry schedules the local expiry transition for a HITL request. The
// server also announces expiry; whichever lands first wins and the
// absorbing terminal state makes the transition happen exactly once.
func (t *Tracker) armExpiry(requestID string, expiresAt time.Time, fallback string) {
	if expiresAt.IsZero() {
		return
	}
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}
	t.mu.Lock()
	rec, ok := t.records[requestID]
	if !ok || rec.snap.State.Terminal() {
		t.mu.Unlock()
		return
	}
	if rec.expiry != nil {
		rec.expiry.Stop()
	}
	rec.expiry = time.AfterFunc(delay, func() {
		t.transition(requestID, func(snap *Snapshot) {
			snap.State = StateExpired
			if snap.FallbackAction == "" {
				snap.FallbackAction = fallback
			}
		})
	})
	t.mu.Unlock()
}

func (t *Tracker) handleHITLAssigned(env protocol.Envelope) {
	var p protocol.HITLResolutionPendingPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad hitl.resolution_pending payload", "error", err)
		return
	}
	t.transition(p.RequestID, func(snap *Snapshot) {
		snap.State = StateAssigned
		snap.Assignee = p.Assignee
	})
}

func (t *Tracker) handleHITLResolved(env protocol.Envelope) {
	var p protocol.HITLResolvedPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad hitl.resolved payload", "error", err)
		return
	}
	t.transition(p.RequestID, func(snap *Snapshot) {
		snap.State = StateResolved
		snap.Decision = p.Decision
		snap.Reasoning = p.Reasoning
		snap.ResolvedBy = p.ResolvedBy
	})
}

func (t *Tracker) handleHITLExpired(env protocol.Envelope) {
	var p protocol.HITLExpiredPayload
	if err := env.Decode(&p); err != nil {
		t.logger.Warn("bad hitl.expired payload", "error", err)
		return
	}
	t.transition(p.RequestID, func(snap *Snapshot) {
		snap.State = StateExpired
		snap.FallbackAction = p.FallbackAction
	})
}
