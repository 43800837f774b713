package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/agentlink/internal/protocol"
	"github.com/basket/agentlink/internal/shared"
	"github.com/basket/agentlink/internal/track"
)

// execCommand runs one agent execution over the live link and prints the
// response. With -stream, chunks are printed as they arrive instead of
// waiting for the final response.
func execCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id to execute (required)")
	prompt := fs.String("prompt", "", "prompt text (required)")
	stream := fs.Bool("stream", false, "print chunks as they arrive")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall execution deadline")
	fs.Parse(args)

	if *agentID == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "exec requires -agent and -prompt")
		fs.Usage()
		return 2
	}

	a, err := setup(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.close()

	if err := a.connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, "connect failed: "+err.Error()))
		return 1
	}

	execCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	execID, err := a.client.StartExecution(execCtx, protocol.StartExecutionRequest{
		AgentID: *agentID,
		Prompt:  *prompt,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, "start failed: "+err.Error()))
		return 1
	}
	execCtx = shared.WithExecutionID(execCtx, execID)
	a.logger.Info("execution started", "execution_id", shared.ExecutionID(execCtx), "agent", *agentID)
	fmt.Fprintln(os.Stderr, styled(styleDim, "execution "+execID))

	if *stream {
		return streamExecution(execCtx, a, execID)
	}

	snap, err := a.tracker.Await(execCtx, execID)
	if err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, err.Error()))
		return 1
	}
	return printOutcome(snap)
}

// streamExecution prints chunk text as it lands, then the usage summary.
func streamExecution(ctx context.Context, a *app, execID string) int {
	snaps, cancel, ok := a.tracker.Watch(execID)
	if !ok {
		fmt.Fprintln(os.Stderr, styled(styleErr, "unknown execution "+execID))
		return 1
	}
	defer cancel()

	printed := 0
	var last track.Snapshot
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, styled(styleErr, "deadline reached"))
			return 1
		case snap, open := <-snaps:
			if !open {
				if last.State.Terminal() {
					fmt.Println()
					return printOutcome(last)
				}
				if final, found := a.tracker.Snapshot(execID); found {
					fmt.Println()
					return printOutcome(final)
				}
				return 1
			}
			last = snap
			for ; printed < len(snap.Chunks); printed++ {
				fmt.Print(snap.Chunks[printed])
			}
			if snap.State.Terminal() {
				fmt.Println()
				return printOutcome(snap)
			}
		}
	}
}

func printOutcome(snap track.Snapshot) int {
	switch snap.State {
	case track.StateCompleted:
		if snap.FinalResponse != "" {
			fmt.Println(snap.FinalResponse)
		}
		summary := fmt.Sprintf("done  tokens=%d+%d", snap.Usage.InputTokens, snap.Usage.OutputTokens)
		if len(snap.ToolsUsed) > 0 {
			summary += "  tools=" + strings.Join(snap.ToolsUsed, ",")
		}
		fmt.Fprintln(os.Stderr, styled(styleDim, summary))
		return 0
	case track.StateCancelled:
		fmt.Fprintln(os.Stderr, styled(styleDim, "cancelled"))
		return 1
	default:
		msg := "failed"
		if snap.Err != nil {
			msg = snap.Err.Error()
			if snap.Retryable {
				msg += " (retryable)"
			}
		}
		fmt.Fprintln(os.Stderr, styled(styleErr, msg))
		return 1
	}
}
