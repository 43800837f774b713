// Package client maintains one persistent bidirectional connection to an
// agent session gateway and multiplexes executions, tool calls, knowledge
// searches, and approval requests over it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/basket/agentlink/internal/protocol"
)

// Transport defines the framed message layer under the client. Production
// uses WebSocket; tests substitute an in-memory pipe.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// DialFunc opens a Transport to the gateway. The client owns retry policy;
// a DialFunc performs exactly one attempt.
type DialFunc func(ctx context.Context, url, token string) (Transport, error)

// WSTransport implements Transport over a WebSocket connection.
type WSTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialWebSocket opens a WebSocket to url, authenticating with a bearer
// token. A 401 or 403 during the handshake is surfaced as an
// AuthenticationError so callers know not to retry.
func DialWebSocket(ctx context.Context, url, token string) (Transport, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &protocol.AuthenticationError{
				Reason: fmt.Sprintf("handshake rejected with status %d", resp.StatusCode),
			}
		}
		return nil, &protocol.ConnectionError{Op: "dial", Err: err}
	}
	// Lifecycle frames can be large when executions carry full context.
	conn.SetReadLimit(8 << 20)
	return &WSTransport{conn: conn}, nil
}

func (t *WSTransport) Send(ctx context.Context, msg json.RawMessage) error {
	if err := t.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return &protocol.ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (t *WSTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "receive", Err: err}
	}
	return json.RawMessage(data), nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close(websocket.StatusNormalClosure, "client closing")
}
