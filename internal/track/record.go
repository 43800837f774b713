package track

import (
	"strings"
	"time"

	"github.com/basket/agentlink/internal/protocol"
)

// Domain names which streaming lifecycle a record belongs to.
type Domain string

const (
	DomainExecution Domain = "agent_execution"
	DomainToolCall  Domain = "tool_call"
	DomainKnowledge Domain = "knowledge_search"
	DomainHITL      Domain = "hitl_request"
)

// State is a lifecycle state. Which states are reachable depends on the
// domain; Terminal states are absorbing for all of them.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateAssigned  State = "assigned"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateResolved  State = "resolved"
	StateExpired   State = "expired"
)

// Terminal reports whether no further transition is accepted from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateResolved, StateExpired:
		return true
	default:
		return false
	}
}

// Snapshot is an immutable view of one streaming lifecycle record.
type Snapshot struct {
	ID     string
	Domain Domain
	State  State

	// Agent execution / tool call fields.
	AgentID       string
	ToolName      string
	Chunks        []string
	FinalResponse string
	Usage         protocol.TokenUsage
	ToolsUsed     []string
	Result        []byte

	// Knowledge search fields.
	Query       string
	ResultCount int
	Sources     []string

	// HITL fields.
	Action         string
	Priority       string
	Assignee       string
	Decision       string
	Reasoning      string
	ResolvedBy     string
	FallbackAction string
	ExpiresAt      time.Time

	Err       error
	Retryable bool

	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Output returns the accumulated streamed text in arrival order.
func (s Snapshot) Output() string {
	return strings.Join(s.Chunks, "")
}

type record struct {
	snap     Snapshot
	watchers []chan Snapshot
	expiry   *time.Timer
}

func (r *record) snapshot() Snapshot {
	out := r.snap
	out.Chunks = append([]string(nil), r.snap.Chunks...)
	out.ToolsUsed = append([]string(nil), r.snap.ToolsUsed...)
	out.Sources = append([]string(nil), r.snap.Sources...)
	out.Result = append([]byte(nil), r.snap.Result...)
	return out
}
