// Package protocol defines the wire message catalog for the session
// protocol: the envelope, the closed set of message types, their payload
// shapes, and the client error taxonomy.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a message in the catalog. The set is closed: the gateway
// never sends a type outside this enumeration, and unknown inbound types are
// rejected as validation failures.
type Type string

const (
	// Connection lifecycle.
	TypeConnectionAck Type = "connection.ack"
	TypeHeartbeat     Type = "connection.heartbeat"
	TypeHeartbeatAck  Type = "connection.heartbeat_ack"

	// Session lifecycle.
	TypeSessionCreated Type = "session.created"
	TypeSessionEnded   Type = "session.ended"

	// Agent execution stream.
	TypeExecutionStarted    Type = "execution.started"
	TypeExecutionChunk      Type = "execution.text_chunk"
	TypeExecutionToolCall   Type = "execution.tool_call"
	TypeExecutionMemoryUsed Type = "execution.memory_used"
	TypeExecutionError      Type = "execution.error"
	TypeExecutionComplete   Type = "execution.complete"

	// Tool invocation stream.
	TypeToolCallStart  Type = "tool.call_start"
	TypeToolCallResult Type = "tool.call_result"
	TypeToolCallError  Type = "tool.call_error"

	// Knowledge stream.
	TypeKnowledgeSearchPerformed Type = "knowledge.search_performed"
	TypeKnowledgeChunkInjected   Type = "knowledge.chunk_injected"

	// Human-in-the-loop.
	TypeHITLRequestCreated    Type = "hitl.request_created"
	TypeHITLResolutionPending Type = "hitl.resolution_pending"
	TypeHITLResolved          Type = "hitl.resolved"
	TypeHITLExpired           Type = "hitl.expired"

	// Widget interaction.
	TypeWidgetLoaded         Type = "widget.loaded"
	TypeWidgetOpened         Type = "widget.opened"
	TypeWidgetQuerySubmitted Type = "widget.query_submitted"
	TypeWidgetConverted      Type = "widget.converted"

	// Stream control.
	TypeStreamPause  Type = "stream.pause"
	TypeStreamResume Type = "stream.resume"

	// Protocol errors.
	TypeErrorValidation       Type = "error.validation"
	TypeErrorPermissionDenied Type = "error.permission_denied"
	TypeErrorRateLimited      Type = "error.rate_limit_exceeded"
	TypeErrorSessionExpired   Type = "error.session_expired"

	// Commands (client → gateway, correlated).
	TypeCommandStartExecution  Type = "command.start_execution"
	TypeCommandCancelExecution Type = "command.cancel_execution"
	TypeCommandCallTool        Type = "command.call_tool"
	TypeCommandSearchKnowledge Type = "command.search_knowledge"
	TypeCommandCreateHITL      Type = "command.create_hitl_request"
	TypeCommandRespondHITL     Type = "command.respond_hitl_request"

	// Acknowledgment (gateway → client, carries the correlation id of the
	// command it answers).
	TypeAck Type = "ack"
)

var knownTypes = map[Type]struct{}{
	TypeConnectionAck: {}, TypeHeartbeat: {}, TypeHeartbeatAck: {},
	TypeSessionCreated: {}, TypeSessionEnded: {},
	TypeExecutionStarted: {}, TypeExecutionChunk: {}, TypeExecutionToolCall: {},
	TypeExecutionMemoryUsed: {}, TypeExecutionError: {}, TypeExecutionComplete: {},
	TypeToolCallStart: {}, TypeToolCallResult: {}, TypeToolCallError: {},
	TypeKnowledgeSearchPerformed: {}, TypeKnowledgeChunkInjected: {},
	TypeHITLRequestCreated: {}, TypeHITLResolutionPending: {},
	TypeHITLResolved: {}, TypeHITLExpired: {},
	TypeWidgetLoaded: {}, TypeWidgetOpened: {}, TypeWidgetQuerySubmitted: {},
	TypeWidgetConverted: {},
	TypeStreamPause:     {}, TypeStreamResume: {},
	TypeErrorValidation: {}, TypeErrorPermissionDenied: {},
	TypeErrorRateLimited: {}, TypeErrorSessionExpired: {},
	TypeCommandStartExecution: {}, TypeCommandCancelExecution: {},
	TypeCommandCallTool: {}, TypeCommandSearchKnowledge: {},
	TypeCommandCreateHITL: {}, TypeCommandRespondHITL: {},
	TypeAck: {},
}

// KnownType reports whether t is part of the closed catalog.
func KnownType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// IsErrorType reports whether t is one of the protocol error frames.
func IsErrorType(t Type) bool {
	switch t {
	case TypeErrorValidation, TypeErrorPermissionDenied, TypeErrorRateLimited, TypeErrorSessionExpired:
		return true
	default:
		return false
	}
}

// Envelope is the wire frame wrapping every message in both directions.
type Envelope struct {
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	MessageID     string          `json:"message_id"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// TargetID scopes push messages to one streaming lifecycle: the
	// execution id, tool-call id, search id, or HITL request id the
	// payload belongs to. Empty for non-streaming messages.
	TargetID string `json:"target_id,omitempty"`
}

// NewEnvelope builds an outbound envelope with a fresh message id and the
// current UTC timestamp. payload may be nil.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
