// Package audit keeps an append-only JSONL trail of approval decisions
// and authentication events, for after-the-fact review of what the client
// approved, denied, or let expire.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentlink/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// RecordHITL logs a terminal approval outcome: approve, deny, or expired.
func RecordHITL(requestID, action, decision, reason, resolvedBy string) {
	record("hitl", decision, action, reason, requestID+"/"+resolvedBy)
}

// RecordAuth logs an authentication outcome for a connection attempt.
func RecordAuth(decision, reason, gatewayURL string) {
	record("auth", decision, "connect", reason, gatewayURL)
}

func record(kind, decision, action, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	// Secrets never reach the trail.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Decision:  decision,
		Action:    action,
		Reason:    reason,
		Subject:   subject,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
