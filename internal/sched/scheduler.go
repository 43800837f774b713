// Package sched fires configured cron schedules by starting agent
// executions through the connected client.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentlink/internal/config"
	"github.com/basket/agentlink/internal/protocol"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ExecutionStarter is the slice of the client the scheduler needs.
type ExecutionStarter interface {
	StartExecution(ctx context.Context, req protocol.StartExecutionRequest) (string, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Schedules []config.ScheduleConfig
	Starter   ExecutionStarter
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

type schedule struct {
	name    string
	agentID string
	prompt  string
	expr    cronlib.Schedule
	nextRun time.Time
}

// Scheduler ticks at a fixed interval and starts an execution for every
// schedule whose next run time has passed.
type Scheduler struct {
	starter  ExecutionStarter
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules []*schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler from the configured schedules. Invalid
// cron expressions are an error; a typo should fail startup, not silently
// never fire.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	schedules := make([]*schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		expr, err := cronParser.Parse(sc.Cron)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, &schedule{
			name:    sc.Name,
			agentID: sc.AgentID,
			prompt:  sc.Prompt,
			expr:    expr,
			nextRun: expr.Next(now),
		})
	}

	return &Scheduler{
		starter:   cfg.Starter,
		logger:    logger,
		interval:  interval,
		schedules: schedules,
	}, nil
}

// Len returns the number of loaded schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "schedules", s.Len(), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*schedule
	for _, sc := range s.schedules {
		if !sc.nextRun.After(now) {
			due = append(due, sc)
			sc.nextRun = sc.expr.Next(now)
		}
	}
	s.mu.Unlock()

	for _, sc := range due {
		s.fire(ctx, sc)
	}
}

func (s *Scheduler) fire(ctx context.Context, sc *schedule) {
	execID, err := s.starter.StartExecution(ctx, protocol.StartExecutionRequest{
		AgentID: sc.agentID,
		Prompt:  sc.prompt,
		Metadata: map[string]string{
			"schedule": sc.name,
		},
	})
	if err != nil {
		// Connection may be down; the schedule fires again on its next
		// cron slot rather than piling up retries.
		s.logger.Error("schedule fire failed", "schedule", sc.name, "agent_id", sc.agentID, "error", err)
		return
	}
	s.logger.Info("schedule fired", "schedule", sc.name, "agent_id", sc.agentID, "execution_id", execID)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
