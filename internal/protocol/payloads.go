package protocol

import (
	"encoding/json"
	"time"
)

// ConnectionAckPayload completes the handshake after a successful dial.
type ConnectionAckPayload struct {
	Protocol     string `json:"protocol"`
	Version      string `json:"version"`
	ServerTimeMS int64  `json:"server_time_ms"`
}

// HeartbeatPayload is sent at a fixed interval while connected.
type HeartbeatPayload struct {
	SentAt time.Time `json:"sent_at"`
}

// HeartbeatAckPayload echoes the ping; RTT is measured client-side.
type HeartbeatAckPayload struct {
	SentAt     time.Time `json:"sent_at"`
	ServerTime time.Time `json:"server_time"`
}

// DomainContexts is the nested per-domain context bag attached to a session.
// Each sub-context is opaque to the protocol layer.
type DomainContexts struct {
	Agent     json.RawMessage `json:"agent,omitempty"`
	Workflow  json.RawMessage `json:"workflow,omitempty"`
	Tool      json.RawMessage `json:"tool,omitempty"`
	Knowledge json.RawMessage `json:"knowledge,omitempty"`
	HITL      json.RawMessage `json:"hitl,omitempty"`
	Widget    json.RawMessage `json:"widget,omitempty"`
}

// SessionContext is the server-issued identity bundle tied to one live
// connection. A new one arrives on every successful (re)connect.
type SessionContext struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
	Permissions    []string       `json:"permissions"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Contexts       DomainContexts `json:"contexts"`
}

// Expired reports whether the context has passed its expiry. A zero
// ExpiresAt means no expiry.
func (s SessionContext) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// HasPermission reports whether the permission set contains perm.
func (s SessionContext) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// SessionEndedPayload announces server-side session teardown.
type SessionEndedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// TokenUsage is the accounting block attached to completed executions.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ExecutionStartedPayload opens an agent execution stream.
type ExecutionStartedPayload struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	Prompt      string `json:"prompt,omitempty"`
}

// ExecutionChunkPayload carries one streamed text fragment.
type ExecutionChunkPayload struct {
	ExecutionID string `json:"execution_id"`
	Content     string `json:"content"`
	Sequence    int    `json:"sequence"`
}

// ExecutionToolCallPayload reports a tool invocation made by the agent
// inside an execution.
type ExecutionToolCallPayload struct {
	ExecutionID string          `json:"execution_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ExecutionMemoryUsedPayload reports memory retrieval during an execution.
type ExecutionMemoryUsedPayload struct {
	ExecutionID string `json:"execution_id"`
	MemoryID    string `json:"memory_id"`
	Summary     string `json:"summary,omitempty"`
}

// ExecutionErrorPayload terminates an execution with a failure.
type ExecutionErrorPayload struct {
	ExecutionID string `json:"execution_id"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
}

// ExecutionCompletePayload terminates an execution with its aggregated
// output and accounting.
type ExecutionCompletePayload struct {
	ExecutionID   string     `json:"execution_id"`
	FinalResponse string     `json:"final_response"`
	Usage         TokenUsage `json:"usage"`
	ToolsUsed     []string   `json:"tools_used,omitempty"`
}

// ToolCallStartPayload opens a standalone tool-call stream.
type ToolCallStartPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResultPayload completes a tool call.
type ToolCallResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ToolCallErrorPayload fails a tool call.
type ToolCallErrorPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

// KnowledgeSearchPayload reports a completed knowledge search.
type KnowledgeSearchPayload struct {
	SearchID    string   `json:"search_id"`
	Query       string   `json:"query"`
	ResultCount int      `json:"result_count"`
	Sources     []string `json:"sources,omitempty"`
}

// KnowledgeChunkPayload reports a knowledge chunk injected into an
// execution's context.
type KnowledgeChunkPayload struct {
	SearchID    string `json:"search_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Content     string `json:"content"`
	Source      string `json:"source,omitempty"`
}

// HITLRequestCreatedPayload opens a human-in-the-loop approval request.
type HITLRequestCreatedPayload struct {
	RequestID      string    `json:"request_id"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	Action         string    `json:"action"`
	Details        string    `json:"details,omitempty"`
	Priority       string    `json:"priority"`
	ExpiresAt      time.Time `json:"expires_at"`
	FallbackAction string    `json:"fallback_action"`
}

// HITLResolutionPendingPayload records an assignee picking up the request.
type HITLResolutionPendingPayload struct {
	RequestID string `json:"request_id"`
	Assignee  string `json:"assignee"`
}

// HITLResolvedPayload records the human decision.
type HITLResolvedPayload struct {
	RequestID  string `json:"request_id"`
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning,omitempty"`
	ResolvedBy string `json:"resolved_by"`
}

// HITLExpiredPayload records expiry with the server's fallback action.
type HITLExpiredPayload struct {
	RequestID      string `json:"request_id"`
	FallbackAction string `json:"fallback_action"`
}

// WidgetEventPayload covers the widget interaction messages; the event kind
// is carried by the envelope type.
type WidgetEventPayload struct {
	WidgetID  string `json:"widget_id"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query,omitempty"`
	PageURL   string `json:"page_url,omitempty"`
}

// StreamControlPayload pauses or resumes chunk delivery for one execution.
type StreamControlPayload struct {
	ExecutionID string `json:"execution_id"`
}

// ErrorPayload is the body of every protocol error frame.
type ErrorPayload struct {
	Code              string            `json:"code"`
	Message           string            `json:"message"`
	Fields            map[string]string `json:"fields,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
}

// StartExecutionRequest asks the gateway to begin an agent execution.
type StartExecutionRequest struct {
	AgentID  string            `json:"agent_id"`
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StartExecutionAck acknowledges a start command with the assigned id.
type StartExecutionAck struct {
	ExecutionID string `json:"execution_id"`
}

// CancelExecutionRequest advises the gateway to cancel a tracked lifecycle.
type CancelExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// CallToolRequest asks the gateway to invoke a tool directly.
type CallToolRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolAck acknowledges a tool-call command.
type CallToolAck struct {
	ToolCallID string `json:"tool_call_id"`
}

// SearchKnowledgeRequest asks the gateway to run a knowledge search.
type SearchKnowledgeRequest struct {
	Query  string `json:"query"`
	BaseID string `json:"base_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SearchKnowledgeAck acknowledges a knowledge search command.
type SearchKnowledgeAck struct {
	SearchID string `json:"search_id"`
}

// CreateHITLRequest asks the gateway to open an approval request.
type CreateHITLRequest struct {
	ExecutionID    string `json:"execution_id,omitempty"`
	Action         string `json:"action"`
	Details        string `json:"details,omitempty"`
	Priority       string `json:"priority,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// CreateHITLAck acknowledges an approval request command.
type CreateHITLAck struct {
	RequestID string    `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RespondHITLRequest submits a decision for a pending approval request.
type RespondHITLRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
}
