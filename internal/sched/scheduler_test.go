package sched

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentlink/internal/config"
	"github.com/basket/agentlink/internal/protocol"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []protocol.StartExecutionRequest
}

func (f *fakeStarter) StartExecution(ctx context.Context, req protocol.StartExecutionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return "exec-sched", nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNewSchedulerRejectsBadCron(t *testing.T) {
	_, err := NewScheduler(Config{
		Schedules: []config.ScheduleConfig{
			{Name: "broken", Cron: "not a cron", AgentID: "a"},
		},
		Starter: &fakeStarter{},
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	starter := &fakeStarter{}
	s, err := NewScheduler(Config{
		Schedules: []config.ScheduleConfig{
			{Name: "digest", Cron: "*/5 * * * *", AgentID: "digest-agent", Prompt: "summarize"},
		},
		Starter:  starter,
		Logger:   slog.New(slog.DiscardHandler),
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	// Backdate the next run so the first tick fires it.
	s.mu.Lock()
	s.schedules[0].nextRun = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return starter.count() >= 1 })

	starter.mu.Lock()
	req := starter.reqs[0]
	starter.mu.Unlock()
	if req.AgentID != "digest-agent" {
		t.Fatalf("AgentID = %q, want digest-agent", req.AgentID)
	}
	if req.Prompt != "summarize" {
		t.Fatalf("Prompt = %q, want summarize", req.Prompt)
	}
	if req.Metadata["schedule"] != "digest" {
		t.Fatalf("Metadata[schedule] = %q, want digest", req.Metadata["schedule"])
	}

	// The next run moved forward; the schedule must not refire every tick.
	time.Sleep(100 * time.Millisecond)
	if got := starter.count(); got != 1 {
		t.Fatalf("fires = %d, want 1", got)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
