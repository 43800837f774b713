package main

import (
	"context"
	"fmt"
	"os"
	"time"
)

// statusCommand connects, waits for one heartbeat round trip, and prints
// the link state and session context.
func statusCommand(ctx context.Context) int {
	a, err := setup(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.close()

	printRow := func(label, value string) {
		fmt.Printf("%s %s\n", styled(styleLabel, fmt.Sprintf("%-12s", label)), value)
	}

	printRow("gateway", a.cfg.GatewayURL)
	if err := a.connect(ctx); err != nil {
		printRow("state", styled(styleErr, "unreachable"))
		printRow("error", err.Error())
		return 1
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.client.Latency() == 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 1
		case <-time.After(50 * time.Millisecond):
		}
	}

	printRow("state", styled(styleOK, a.client.State().String()))
	if sess, ok := a.client.Session(); ok {
		printRow("session", sess.SessionID)
		printRow("user", sess.UserID)
		if !sess.ExpiresAt.IsZero() {
			printRow("expires", sess.ExpiresAt.Format(time.RFC3339))
		}
	}
	if lat := a.client.Latency(); lat > 0 {
		printRow("latency", lat.Round(time.Millisecond).String())
	}
	printRow("queued", fmt.Sprintf("%d", a.client.QueuedMessages()))
	printRow("pending", fmt.Sprintf("%d", a.client.PendingRequests()))
	return 0
}
