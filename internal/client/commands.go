package client

import (
	"context"

	otelPkg "github.com/basket/agentlink/internal/otel"
	"github.com/basket/agentlink/internal/protocol"
	"github.com/basket/agentlink/internal/shared"
	"github.com/basket/agentlink/internal/track"
)

// StartExecution asks the gateway to run an agent and returns the assigned
// execution id. The lifecycle is pre-registered with the tracker so the
// caller can Watch or Await before the first push message lands.
func (c *Client) StartExecution(ctx context.Context, req protocol.StartExecutionRequest) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "command.start_execution",
		otelPkg.AttrAgentID.String(req.AgentID))
	defer span.End()

	reply, err := c.Request(ctx, protocol.TypeCommandStartExecution, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var ack protocol.StartExecutionAck
	if err := reply.Decode(&ack); err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(otelPkg.AttrExecutionID.String(ack.ExecutionID))
	c.tracker.Begin(ack.ExecutionID, track.DomainExecution)
	return ack.ExecutionID, nil
}

// CancelExecution cancels a tracked lifecycle. The local record flips to
// cancelled immediately; the gateway is advised with a fire-and-forget
// message and any late completion for the id is ignored.
func (c *Client) CancelExecution(ctx context.Context, executionID, reason string) error {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "command.cancel_execution",
		otelPkg.AttrExecutionID.String(executionID))
	defer span.End()

	ctx = shared.WithExecutionID(ctx, executionID)
	c.tracker.Cancel(executionID)
	return c.Notify(ctx, protocol.TypeCommandCancelExecution, protocol.CancelExecutionRequest{
		ExecutionID: executionID,
		Reason:      reason,
	})
}

// CallTool invokes a tool directly and returns the assigned tool-call id.
func (c *Client) CallTool(ctx context.Context, req protocol.CallToolRequest) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "command.call_tool",
		otelPkg.AttrToolName.String(req.ToolName))
	defer span.End()

	reply, err := c.Request(ctx, protocol.TypeCommandCallTool, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var ack protocol.CallToolAck
	if err := reply.Decode(&ack); err != nil {
		span.RecordError(err)
		return "", err
	}
	c.tracker.Begin(ack.ToolCallID, track.DomainToolCall)
	return ack.ToolCallID, nil
}

// SearchKnowledge runs a knowledge search and returns the assigned search
// id. Results arrive as a knowledge.search_performed push for that id.
func (c *Client) SearchKnowledge(ctx context.Context, req protocol.SearchKnowledgeRequest) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "command.search_knowledge")
	defer span.End()

	reply, err := c.Request(ctx, protocol.TypeCommandSearchKnowledge, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var ack protocol.SearchKnowledgeAck
	if err := reply.Decode(&ack); err != nil {
		span.RecordError(err)
		return "", err
	}
	c.tracker.Begin(ack.SearchID, track.DomainKnowledge)
	return ack.SearchID, nil
}

// CreateHITLRequest opens a human approval request and returns its id.
func (c *Client) CreateHITLRequest(ctx context.Context, req protocol.CreateHITLRequest) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "command.create_hitl")
	defer span.End()

	reply, err := c.Request(ctx, protocol.TypeCommandCreateHITL, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var ack protocol.CreateHITLAck
	if err := reply.Decode(&ack); err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(otelPkg.AttrRequestID.String(ack.RequestID))
	c.tracker.Begin(ack.RequestID, track.DomainHITL)
	return ack.RequestID, nil
}

// RespondHITL submits a decision for a pending approval request.
func (c *Client) RespondHITL(ctx context.Context, req protocol.RespondHITLRequest) error {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "command.respond_hitl",
		otelPkg.AttrRequestID.String(req.RequestID))
	defer span.End()

	_, err := c.Request(ctx, protocol.TypeCommandRespondHITL, req)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// PauseStream asks the gateway to stop sending chunks for an execution.
// Queued while disconnected, like all stream control.
func (c *Client) PauseStream(ctx context.Context, executionID string) error {
	return c.Notify(ctx, protocol.TypeStreamPause, protocol.StreamControlPayload{ExecutionID: executionID})
}

// ResumeStream resumes chunk delivery for a paused execution.
func (c *Client) ResumeStream(ctx context.Context, executionID string) error {
	return c.Notify(ctx, protocol.TypeStreamResume, protocol.StreamControlPayload{ExecutionID: executionID})
}

// ReportWidgetEvent sends a widget analytics event. Fire-and-forget.
func (c *Client) ReportWidgetEvent(ctx context.Context, typ protocol.Type, ev protocol.WidgetEventPayload) error {
	return c.Notify(ctx, typ, ev)
}
