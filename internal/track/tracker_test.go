package track

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/agentlink/internal/dispatch"
	"github.com/basket/agentlink/internal/protocol"
)

func testSetup(t *testing.T) (*Tracker, *dispatch.Registry) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	tr := New(logger)
	reg := dispatch.New(logger, nil)
	unbind := tr.Bind(reg)
	t.Cleanup(unbind)
	return tr, reg
}

func mustEnvelope(t *testing.T, typ protocol.Type, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", typ, err)
	}
	return env
}

func TestExecutionStreamAccumulatesChunksInOrder(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{
		ExecutionID: "exec-1", AgentID: "agent-9",
	}))
	for i, content := range []string{"Para ", "graph ", "one."} {
		reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionChunk, protocol.ExecutionChunkPayload{
			ExecutionID: "exec-1", Content: content, Sequence: i,
		}))
	}
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionComplete, protocol.ExecutionCompletePayload{
		ExecutionID:   "exec-1",
		FinalResponse: "Paragraph one.",
		Usage:         protocol.TokenUsage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
		ToolsUsed:     []string{"search"},
	}))

	snap, ok := tr.Snapshot("exec-1")
	if !ok {
		t.Fatal("Snapshot(exec-1) not found")
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %q, want %q", snap.State, StateCompleted)
	}
	if got := snap.Output(); got != "Paragraph one." {
		t.Fatalf("Output() = %q, want %q", got, "Paragraph one.")
	}
	if snap.AgentID != "agent-9" {
		t.Fatalf("AgentID = %q, want %q", snap.AgentID, "agent-9")
	}
	if snap.Usage.TotalTokens != 14 {
		t.Fatalf("Usage.TotalTokens = %d, want 14", snap.Usage.TotalTokens)
	}
	if len(snap.ToolsUsed) != 1 || snap.ToolsUsed[0] != "search" {
		t.Fatalf("ToolsUsed = %v, want [search]", snap.ToolsUsed)
	}
	if snap.FinishedAt.IsZero() {
		t.Fatal("FinishedAt not set on completion")
	}
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{
		ExecutionID: "exec-2",
	}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionComplete, protocol.ExecutionCompletePayload{
		ExecutionID: "exec-2", FinalResponse: "done",
	}))

	// Late messages for a finished execution must not mutate the record.
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionChunk, protocol.ExecutionChunkPayload{
		ExecutionID: "exec-2", Content: "stray",
	}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionError, protocol.ExecutionErrorPayload{
		ExecutionID: "exec-2", Code: "late", Message: "too late",
	}))

	snap, _ := tr.Snapshot("exec-2")
	if snap.State != StateCompleted {
		t.Fatalf("state = %q, want %q", snap.State, StateCompleted)
	}
	if len(snap.Chunks) != 0 {
		t.Fatalf("chunks after completion = %v, want none", snap.Chunks)
	}
	if snap.Err != nil {
		t.Fatalf("Err = %v, want nil", snap.Err)
	}
}

func TestFailAllFailsOnlyInFlightRecords(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "live"}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "done"}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionComplete, protocol.ExecutionCompletePayload{
		ExecutionID: "done", FinalResponse: "ok",
	}))

	tr.FailAll(errors.New("connection reset"))

	live, _ := tr.Snapshot("live")
	if live.State != StateFailed {
		t.Fatalf("live state = %q, want %q", live.State, StateFailed)
	}
	var execErr *protocol.ExecutionError
	if !errors.As(live.Err, &execErr) {
		t.Fatalf("live.Err = %T, want *protocol.ExecutionError", live.Err)
	}
	if !execErr.Retryable {
		t.Fatal("connection-loss failure should be retryable")
	}

	done, _ := tr.Snapshot("done")
	if done.State != StateCompleted {
		t.Fatalf("done state = %q, want %q", done.State, StateCompleted)
	}
}

func TestHITLExpiryFiresExactlyOnce(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeHITLRequestCreated, protocol.HITLRequestCreatedPayload{
		RequestID:      "hitl-1",
		Action:         "delete_customer_record",
		Priority:       "high",
		ExpiresAt:      time.Now().Add(30 * time.Millisecond),
		FallbackAction: "deny",
	}))

	ch, cancel, ok := tr.Watch("hitl-1")
	if !ok {
		t.Fatal("Watch(hitl-1) not found")
	}
	defer cancel()

	var terminal int
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case snap, open := <-ch:
			if !open {
				break loop
			}
			if snap.State.Terminal() {
				terminal++
				if snap.State != StateExpired {
					t.Fatalf("terminal state = %q, want %q", snap.State, StateExpired)
				}
				if snap.FallbackAction != "deny" {
					t.Fatalf("FallbackAction = %q, want %q", snap.FallbackAction, "deny")
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for expiry")
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal notifications = %d, want 1", terminal)
	}

	// The server's own expiry announcement arriving afterwards is a no-op.
	reg.Dispatch(mustEnvelope(t, protocol.TypeHITLExpired, protocol.HITLExpiredPayload{
		RequestID: "hitl-1", FallbackAction: "approve",
	}))
	snap, _ := tr.Snapshot("hitl-1")
	if snap.FallbackAction != "deny" {
		t.Fatalf("FallbackAction after duplicate expiry = %q, want %q", snap.FallbackAction, "deny")
	}
}

func TestHITLResolvedBeforeExpiry(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeHITLRequestCreated, protocol.HITLRequestCreatedPayload{
		RequestID:      "hitl-2",
		Action:         "refund",
		Priority:       "normal",
		ExpiresAt:      time.Now().Add(50 * time.Millisecond),
		FallbackAction: "deny",
	}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeHITLResolutionPending, protocol.HITLResolutionPendingPayload{
		RequestID: "hitl-2", Assignee: "ops@example.com",
	}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeHITLResolved, protocol.HITLResolvedPayload{
		RequestID: "hitl-2", Decision: "approve", ResolvedBy: "ops@example.com",
	}))

	// Wait past the original expiry and confirm the timer did not clobber
	// the resolution.
	time.Sleep(120 * time.Millisecond)

	snap, _ := tr.Snapshot("hitl-2")
	if snap.State != StateResolved {
		t.Fatalf("state = %q, want %q", snap.State, StateResolved)
	}
	if snap.Decision != "approve" {
		t.Fatalf("Decision = %q, want %q", snap.Decision, "approve")
	}
	if snap.Assignee != "ops@example.com" {
		t.Fatalf("Assignee = %q, want %q", snap.Assignee, "ops@example.com")
	}
}

func TestAwaitReturnsTerminalSnapshot(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "exec-3"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionChunk, protocol.ExecutionChunkPayload{
			ExecutionID: "exec-3", Content: "hi",
		}))
		reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionComplete, protocol.ExecutionCompletePayload{
			ExecutionID: "exec-3", FinalResponse: "hi",
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := tr.Await(ctx, "exec-3")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %q, want %q", snap.State, StateCompleted)
	}
	if snap.FinalResponse != "hi" {
		t.Fatalf("FinalResponse = %q, want %q", snap.FinalResponse, "hi")
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	tr, reg := testSetup(t)
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "exec-stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tr.Await(ctx, "exec-stuck")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestAwaitUnknownID(t *testing.T) {
	tr, _ := testSetup(t)
	_, err := tr.Await(context.Background(), "nope")
	var execErr *protocol.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T, want *protocol.ExecutionError", err)
	}
}

func TestWatchTerminalRecordYieldsFinalSnapshot(t *testing.T) {
	tr, reg := testSetup(t)

	reg.Dispatch(mustEnvelope(t, protocol.TypeToolCallStart, protocol.ToolCallStartPayload{
		ToolCallID: "tc-1", ToolName: "http_get",
	}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeToolCallResult, protocol.ToolCallResultPayload{
		ToolCallID: "tc-1", Result: []byte(`{"status":200}`),
	}))

	ch, cancel, ok := tr.Watch("tc-1")
	if !ok {
		t.Fatal("Watch(tc-1) not found")
	}
	defer cancel()

	select {
	case snap := <-ch:
		if snap.State != StateCompleted {
			t.Fatalf("state = %q, want %q", snap.State, StateCompleted)
		}
		if snap.ToolName != "http_get" {
			t.Fatalf("ToolName = %q, want %q", snap.ToolName, "http_get")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot from watch on terminal record")
	}
	if _, open := <-ch; open {
		t.Fatal("channel still open after terminal snapshot")
	}
}

func TestCancelIsLocallyImmediate(t *testing.T) {
	tr, reg := testSetup(t)
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "exec-4"}))

	if !tr.Cancel("exec-4") {
		t.Fatal("Cancel(exec-4) = false, want true")
	}
	snap, _ := tr.Snapshot("exec-4")
	if snap.State != StateCancelled {
		t.Fatalf("state = %q, want %q", snap.State, StateCancelled)
	}

	// A completion arriving after local cancellation is ignored.
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionComplete, protocol.ExecutionCompletePayload{
		ExecutionID: "exec-4", FinalResponse: "late",
	}))
	snap, _ = tr.Snapshot("exec-4")
	if snap.State != StateCancelled {
		t.Fatalf("state after late completion = %q, want %q", snap.State, StateCancelled)
	}
}

func TestForgetOnlyDropsTerminalRecords(t *testing.T) {
	tr, reg := testSetup(t)
	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "exec-5"}))

	if tr.Forget("exec-5") {
		t.Fatal("Forget dropped a running record")
	}
	tr.Cancel("exec-5")
	if !tr.Forget("exec-5") {
		t.Fatal("Forget(exec-5) = false after cancellation")
	}
	if _, ok := tr.Snapshot("exec-5"); ok {
		t.Fatal("record still present after Forget")
	}
}

func TestKnowledgeSearchRecordedAsCompleted(t *testing.T) {
	tr, reg := testSetup(t)
	reg.Dispatch(mustEnvelope(t, protocol.TypeKnowledgeSearchPerformed, protocol.KnowledgeSearchPayload{
		SearchID: "ks-1", Query: "refund policy", ResultCount: 3, Sources: []string{"handbook.md"},
	}))

	snap, ok := tr.Snapshot("ks-1")
	if !ok {
		t.Fatal("Snapshot(ks-1) not found")
	}
	if snap.Domain != DomainKnowledge {
		t.Fatalf("Domain = %q, want %q", snap.Domain, DomainKnowledge)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %q, want %q", snap.State, StateCompleted)
	}
	if snap.ResultCount != 3 {
		t.Fatalf("ResultCount = %d, want 3", snap.ResultCount)
	}
}

func TestBeginUpgradedByStartedMessage(t *testing.T) {
	tr, reg := testSetup(t)

	tr.Begin("exec-6", DomainExecution)
	snap, _ := tr.Snapshot("exec-6")
	if snap.State != StatePending {
		t.Fatalf("state = %q, want %q", snap.State, StatePending)
	}

	reg.Dispatch(mustEnvelope(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{
		ExecutionID: "exec-6", AgentID: "agent-1",
	}))
	snap, _ = tr.Snapshot("exec-6")
	if snap.State != StateRunning {
		t.Fatalf("state = %q, want %q", snap.State, StateRunning)
	}
	if snap.AgentID != "agent-1" {
		t.Fatalf("AgentID = %q, want %q", snap.AgentID, "agent-1")
	}
}

func TestToolCallErrorCarriesTaxonomy(t *testing.T) {
	tr, reg := testSetup(t)
	reg.Dispatch(mustEnvelope(t, protocol.TypeToolCallStart, protocol.ToolCallStartPayload{
		ToolCallID: "tc-2", ToolName: "db_write",
	}))
	reg.Dispatch(mustEnvelope(t, protocol.TypeToolCallError, protocol.ToolCallErrorPayload{
		ToolCallID: "tc-2", Code: "timeout", Message: "backend timed out", Retryable: true,
	}))

	snap, _ := tr.Snapshot("tc-2")
	if snap.State != StateFailed {
		t.Fatalf("state = %q, want %q", snap.State, StateFailed)
	}
	var execErr *protocol.ExecutionError
	if !errors.As(snap.Err, &execErr) {
		t.Fatalf("Err = %T, want *protocol.ExecutionError", snap.Err)
	}
	if execErr.Code != "timeout" {
		t.Fatalf("Code = %q, want %q", execErr.Code, "timeout")
	}
	if !snap.Retryable {
		t.Fatal("Retryable = false, want true")
	}
}
