package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/conductor/internal/config"
	"github.com/dohr-michael/conductor/internal/heartbeat"
	"github.com/dohr-michael/conductor/internal/teams"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show daemon liveness and the team roster",
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st := newStyles()

	status, hb, err := heartbeat.Check(heartbeatPath(), 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Daemon: %s (PID %d, uptime %s)\n", st.ok.Render("ALIVE"), hb.PID, hb.Uptime)
	case heartbeat.StatusStale:
		fmt.Printf("Daemon: %s (PID %d, last heartbeat %s ago)\n", st.warn.Render("STALE"),
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Printf("Daemon: %s\n", st.bad.Render("NOT RUNNING"))
	}
	if hb != nil && status == heartbeat.StatusAlive {
		s := hb.Stats
		fmt.Printf("Timers: %d live, %d queued  Subscriptions: %d\n", s.LiveTimers, s.PendingJobs, s.Subscriptions)
		if s.GatewayAddr != "" {
			fmt.Printf("Gateway: %s\n", s.GatewayAddr)
		}
		if c := s.LastCycle; c != nil {
			line := fmt.Sprintf("Last cycle: %s, %d checked, %d changed, %d gone, %d failed",
				c.StartedAt.Local().Format("15:04:05"), c.Checked, c.Changed, c.Gone, c.Failed)
			if c.Abandoned {
				line += " " + st.bad.Render("(abandoned)")
			}
			fmt.Println(line)
		}
	}
	fmt.Println()

	store := teams.NewFileStore(config.DataPath(), cfg.Orchestrator.SessionName)
	orc, err := store.Orchestrator()
	if err != nil {
		return fmt.Errorf("read orchestrator: %w", err)
	}
	list, err := store.ListTeams()
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}
	fmt.Print(renderRoster(st, orc, list))
	return nil
}
