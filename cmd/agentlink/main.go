package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentlink/internal/audit"
	"github.com/basket/agentlink/internal/client"
	"github.com/basket/agentlink/internal/config"
	"github.com/basket/agentlink/internal/dispatch"
	otelPkg "github.com/basket/agentlink/internal/otel"
	"github.com/basket/agentlink/internal/protocol"
	"github.com/basket/agentlink/internal/sched"
	"github.com/basket/agentlink/internal/shared"
	"github.com/basket/agentlink/internal/telemetry"
	"github.com/basket/agentlink/internal/track"
	"go.opentelemetry.io/otel/metric"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run                      Keep the gateway link up (schedules, reconnection)
  %s exec -agent <id> -prompt <text> [-stream]
                              Run an agent execution and print its output
  %s search -query <text> [-limit N]
                              Run a knowledge search and print the hits
  %s status                   Connect, print link state and session context

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTLINK_HOME          Data directory (default: ~/.agentlink)
  AGENTLINK_GATEWAY_URL   Gateway WebSocket URL
  AGENTLINK_TOKEN         Bearer token for the gateway

EXAMPLES:
  Keep the link up:       %s run
  One-shot execution:     %s exec -agent support -prompt "triage inbox"
  Search the kb:          %s search -query "refund policy"
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runCommand(ctx))
	case "exec":
		os.Exit(execCommand(ctx, args[1:]))
	case "search":
		os.Exit(searchCommand(ctx, args[1:]))
	case "status":
		os.Exit(statusCommand(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app bundles everything a subcommand needs after startup.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *client.Client
	tracker *track.Tracker
	otel    *otelPkg.Provider
	close   func()
}

// setup loads config, builds the logger, telemetry, and a client wired
// with metric hooks. quiet keeps logs off stdout for subcommands that
// print results.
func setup(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logger = logger.With("trace_id", shared.TraceID(ctx))
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("init audit: %w", err)
	}

	exporter := "otlp-http"
	if cfg.Telemetry.Stdout {
		exporter = "stdout"
	}
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	registry := dispatch.New(logger, func(subID string, typ protocol.Type, recovered any) {
		logger.Error("subscriber panicked", "subscription", subID, "type", typ, "panic", recovered)
	})
	tracker := track.New(logger)
	tracker.SetChunkObserver(func() {
		metrics.StreamChunks.Add(context.Background(), 1)
	})

	cl := client.New(client.Options{
		URL:               cfg.GatewayURL,
		Token:             cfg.Token,
		Logger:            logger,
		Tracer:            provider.Tracer,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval(),
		RequestTimeout:    cfg.Connection.RequestTimeout(),
		DialTimeout:       cfg.Connection.DialTimeout(),
		QueueLimit:        cfg.Connection.QueueLimit,
		Backoff: client.Backoff{
			Initial:     cfg.Reconnect.InitialDelay(),
			Max:         cfg.Reconnect.MaxDelay(),
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Hooks: client.Hooks{
			MessageSent: func() {
				metrics.MessagesSent.Add(context.Background(), 1)
			},
			MessageReceived: func() {
				metrics.MessagesReceived.Add(context.Background(), 1)
			},
			Reconnected: func() {
				metrics.Reconnects.Add(context.Background(), 1)
			},
			HeartbeatLatency: func(d time.Duration) {
				metrics.HeartbeatLatency.Record(context.Background(), d.Seconds())
			},
			PendingRequests: func(n int) {
				metrics.PendingRequests.Record(context.Background(), int64(n))
			},
			RequestDone: func(d time.Duration, err error) {
				metrics.RequestDuration.Record(context.Background(), d.Seconds())
				if err != nil {
					metrics.RequestErrors.Add(context.Background(), 1)
				}
			},
			QueueDepth: func(n int) {
				metrics.QueueDepth.Record(context.Background(), int64(n))
			},
		},
	}, registry, tracker)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		client:  cl,
		tracker: tracker,
		otel:    provider,
	}
	a.close = func() {
		cl.Disconnect()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		provider.Shutdown(shutdownCtx)
		cancel()
		audit.Close()
		logCloser.Close()
	}

	// Approval outcomes go to the audit trail; re-registered on every
	// connect since subscriptions clear on disconnect.
	registerAudit := func() {
		cl.Subscribe(protocol.TypeHITLResolved, func(env protocol.Envelope) {
			var p protocol.HITLResolvedPayload
			if env.Decode(&p) == nil {
				audit.RecordHITL(p.RequestID, "", p.Decision, p.Reasoning, p.ResolvedBy)
				metrics.HITLDecisions.Add(context.Background(), 1,
					metric.WithAttributes(otelPkg.AttrDecision.String(p.Decision)))
			}
		}, nil)
		cl.Subscribe(protocol.TypeHITLExpired, func(env protocol.Envelope) {
			var p protocol.HITLExpiredPayload
			if env.Decode(&p) == nil {
				audit.RecordHITL(p.RequestID, p.FallbackAction, "expired", "approval window elapsed", "")
				metrics.HITLDecisions.Add(context.Background(), 1,
					metric.WithAttributes(otelPkg.AttrDecision.String("expired")))
			}
		}, nil)
	}
	cl.OnStateChange(func(ch client.StateChange) {
		if ch.To == client.StateConnected {
			registerAudit()
		}
	})

	logger.Info("agentlink starting",
		"version", Version,
		"gateway", cfg.GatewayURL,
		"config_fingerprint", cfg.Fingerprint(),
	)
	return a, nil
}

// connect dials and audits the outcome.
func (a *app) connect(ctx context.Context) error {
	err := a.client.Connect(ctx)
	if err != nil {
		audit.RecordAuth("deny", err.Error(), a.cfg.GatewayURL)
		return err
	}
	audit.RecordAuth("allow", "handshake ok", a.cfg.GatewayURL)
	return nil
}

// runCommand keeps the link up until interrupted: schedules fire, the
// config watcher reports changes, reconnection is automatic.
func runCommand(ctx context.Context) int {
	a, err := setup(ctx, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.close()

	if err := a.connect(ctx); err != nil {
		a.logger.Error("connect failed", "error", err)
		return 1
	}

	if len(a.cfg.Schedules) > 0 {
		scheduler, err := sched.NewScheduler(sched.Config{
			Schedules: a.cfg.Schedules,
			Starter:   a.client,
			Logger:    a.logger,
		})
		if err != nil {
			a.logger.Error("scheduler init failed", "error", err)
			return 1
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return 0
		case ev, ok := <-watcher.Events():
			if !ok {
				<-ctx.Done()
				return 0
			}
			// Connection settings need a restart; only note the change.
			a.logger.Info("config changed on disk, restart to apply", "path", ev.Path)
		}
	}
}
