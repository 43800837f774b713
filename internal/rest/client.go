// Package rest is the HTTP fallback for environments where the persistent
// connection is unavailable. It covers one-shot execution and knowledge
// search; streaming, approvals, and push messages need the socket.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/agentlink/internal/protocol"
)

// Client talks to the gateway's REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// ExecutionResult is the synchronous response to a one-shot execution.
// No chunk streaming on this path; the gateway aggregates before replying.
type ExecutionResult struct {
	ExecutionID   string              `json:"execution_id"`
	FinalResponse string              `json:"final_response"`
	Usage         protocol.TokenUsage `json:"usage"`
	ToolsUsed     []string            `json:"tools_used,omitempty"`
}

// SearchResult is one knowledge search hit.
type SearchResult struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Execute runs an agent execution synchronously and returns the aggregated
// result.
func (c *Client) Execute(ctx context.Context, req protocol.StartExecutionRequest) (ExecutionResult, error) {
	var result ExecutionResult
	err := c.post(ctx, "/v1/executions", req, &result)
	return result, err
}

// SearchKnowledge runs a knowledge search and returns the hits.
func (c *Client) SearchKnowledge(ctx context.Context, req protocol.SearchKnowledgeRequest) ([]SearchResult, error) {
	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.post(ctx, "/v1/knowledge/search", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &protocol.ConnectionError{Op: "http " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &protocol.ValidationError{Message: fmt.Sprintf("undecodable %s response: %v", path, err)}
	}
	return nil
}

// errorFromResponse maps HTTP status codes onto the same error taxonomy
// the socket path uses, so callers handle failures uniformly.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload protocol.ErrorPayload
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &protocol.AuthenticationError{Reason: msg}
	case http.StatusForbidden:
		return &protocol.PermissionError{Message: msg}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &protocol.ValidationError{Message: msg, Fields: payload.Fields}
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(payload.RetryAfterSeconds) * time.Second
		if retryAfter == 0 {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &protocol.RateLimitError{Message: msg, RetryAfter: retryAfter}
	case http.StatusGone:
		return &protocol.SessionExpiredError{SessionID: resp.Header.Get("X-Session-Id")}
	case http.StatusGatewayTimeout:
		return &protocol.TimeoutError{Op: "gateway request"}
	default:
		return &protocol.ExecutionError{
			Code:      strconv.Itoa(resp.StatusCode),
			Message:   msg,
			Retryable: resp.StatusCode >= 500,
		}
	}
}
