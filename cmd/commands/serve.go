package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/conductor/internal/config"
	"github.com/dohr-michael/conductor/internal/deliveries"
	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/gateway"
	"github.com/dohr-michael/conductor/internal/heartbeat"
	"github.com/dohr-michael/conductor/internal/hub"
	"github.com/dohr-michael/conductor/internal/monitor"
	"github.com/dohr-michael/conductor/internal/scheduler"
	"github.com/dohr-michael/conductor/internal/storage"
	"github.com/dohr-michael/conductor/internal/tasks"
	"github.com/dohr-michael/conductor/internal/teams"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestration daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Gateway host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Gateway port to listen on",
			},
			&cli.BoolFlag{
				Name:  "no-gateway",
				Usage: "Do not start the HTTP/WebSocket gateway",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	// Serve is strict: a malformed or invalid config file is fatal.
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	gatewayOn := cfg.Gateway.On() && !cmd.Bool("no-gateway")

	dataDir := config.DataPath()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLogger := storage.NewEventLogger(filepath.Join(dataDir, logsDir), bus)
	defer eventLogger.Close()

	sup := newSupervisor(cfg)

	teamStore := teams.NewFileStore(dataDir, cfg.Orchestrator.SessionName)
	roster := teams.NewRoster(teamStore, sup, bus)

	patterns, err := monitor.CompilePatterns(cfg.Monitor.IdlePatterns)
	if err != nil {
		return fmt.Errorf("monitor patterns: %w", err)
	}
	mon := monitor.New(teamStore, sup, bus, monitor.Options{
		Interval:     cfg.Monitor.Interval.Duration(),
		CycleTimeout: cfg.Monitor.CycleTimeout.Duration(),
		CaptureLines: cfg.Monitor.CaptureLines,
		CaptureBytes: cfg.Monitor.CaptureBytes,
		Patterns:     patterns,
	})

	deliveryLog, err := deliveries.Open(filepath.Join(dataDir, deliveriesDB))
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	defer deliveryLog.Close()

	sched := scheduler.New(scheduler.Config{
		Messages:         scheduler.NewMessageStore(filepath.Join(dataDir, schedulesDir)),
		CheckIns:         scheduler.NewCheckInStore(filepath.Join(dataDir, checkInsDir)),
		Deliveries:       deliveryLog,
		Supervisor:       sup,
		Resolver:         scheduler.TeamResolver{Store: teamStore, Alias: cfg.Orchestrator.Alias},
		Bus:              bus,
		SettleDelay:      cfg.Scheduler.SettleDelay.Duration(),
		ContinuationHint: cfg.Scheduler.ContinuationHint,
	})

	taskCfg := tasks.Config{
		Store:                tasks.NewFileStore(cfg.Tasks.Dir),
		Bus:                  bus,
		MaxValidationRetries: cfg.Tasks.MaxValidationRetries,
	}
	if cfg.Tasks.GateCommand != "" {
		taskCfg.Gate = tasks.CommandGate{Script: cfg.Tasks.GateCommand, Dir: cfg.Tasks.GateDir}
	}
	taskMgr := tasks.NewManager(taskCfg)

	eventHub := hub.New(hub.NewStore(filepath.Join(dataDir, subscriptionsDir)), sup, bus)

	// Startup order: subscriptions first so no event published by the
	// scheduler or monitor is missed, then timers, then polling.
	if err := eventHub.Start(ctx, bus); err != nil {
		return fmt.Errorf("start event hub: %w", err)
	}
	defer eventHub.Stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	mon.Start(ctx)
	defer mon.Stop()

	addr := ""
	if gatewayOn {
		addr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	hb := heartbeat.NewWriter(heartbeatPath(), 0, func() heartbeat.Stats {
		return heartbeat.Stats{
			LiveTimers:    sched.LiveTimers(),
			PendingJobs:   sched.Pending(),
			Subscriptions: len(eventHub.List()),
			GatewayAddr:   addr,
			LastCycle:     mon.LastCycle(),
		}
	})
	hb.Start()
	defer hb.Stop()

	slog.Info("conductor: daemon started",
		"data", dataDir,
		"orchestrator", cfg.Orchestrator.SessionName,
		"monitor_interval", cfg.Monitor.Interval.Duration(),
		"gateway", addr,
	)

	if !gatewayOn {
		<-ctx.Done()
		slog.Info("conductor: shutting down")
		return nil
	}

	server := gateway.NewServer(gateway.Deps{
		Bus:           bus,
		Supervisor:    sup,
		Teams:         teamStore,
		Schedules:     sched,
		Deliveries:    deliveryLog,
		Tasks:         taskMgr,
		Subscriptions: eventHub,
		Control: &gateway.Controller{
			Schedules:     sched,
			Deliveries:    deliveryLog,
			Tasks:         taskMgr,
			Subscriptions: eventHub,
			Roster:        roster,
			Monitor:       mon,
		},
	}, cfg.Gateway.Host, cfg.Gateway.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("conductor: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
