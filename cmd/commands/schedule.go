package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/conductor/internal/config"
	"github.com/dohr-michael/conductor/internal/deliveries"
	"github.com/dohr-michael/conductor/internal/gateway"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/scheduler"
)

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage scheduled messages",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List scheduled messages",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Usage: "Only schedules for this target"},
					&cli.BoolFlag{Name: "active", Usage: "Only active schedules"},
				},
				Action: runScheduleList,
			},
			{
				Name:      "add",
				Usage:     "Schedule a message to a team, session or the orchestrator",
				ArgsUsage: "<target> <message...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Display name"},
					&cli.IntFlag{Name: "every", Aliases: []string{"in"}, Usage: "Delay amount", Value: 30},
					&cli.StringFlag{Name: "unit", Usage: "Delay unit: seconds, minutes or hours", Value: string(scheduler.UnitMinutes)},
					&cli.StringFlag{Name: "cron", Usage: "Cron expression instead of a fixed delay"},
					&cli.BoolFlag{Name: "recurring", Aliases: []string{"r"}, Usage: "Re-arm after each delivery"},
					&cli.IntFlag{Name: "max", Usage: "Stop after this many deliveries (0 = unlimited)"},
				},
				Action: runScheduleAdd,
			},
			scheduleIDCommand("cancel", "Deactivate a schedule or check-in", ws.MethodCancelSchedule, "cancelled"),
			scheduleIDCommand("activate", "Re-activate a scheduled message", ws.MethodActivateSchedule, "activated"),
			scheduleIDCommand("delete", "Delete a schedule or check-in", ws.MethodDeleteSchedule, "deleted"),
			scheduleIDCommand("run", "Deliver a schedule now", ws.MethodRunSchedule, "queued"),
			{
				Name:  "deliveries",
				Usage: "Show the delivery log, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "schedule", Usage: "Only deliveries of this schedule"},
					&cli.StringFlag{Name: "target", Usage: "Only deliveries to this session"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
				},
				Action: runScheduleDeliveries,
			},
			{
				Name:  "clear",
				Usage: "Clear the delivery log",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "schedule", Usage: "Only clear entries of this schedule"},
				},
				Action: runScheduleClear,
			},
		},
		DefaultCommand: "list",
	}
}

func runScheduleList(_ context.Context, cmd *cli.Command) error {
	list, err := scheduler.NewMessageStore(filepath.Join(config.DataPath(), schedulesDir)).List()
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	target, activeOnly := cmd.String("target"), cmd.Bool("active")
	list = slices.DeleteFunc(list, func(m *scheduler.ScheduledMessage) bool {
		return (target != "" && m.TargetTeam != target) || (activeOnly && !m.IsActive)
	})
	if len(list) == 0 {
		fmt.Println("No scheduled messages found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTARGET\tEVERY\tACTIVE\tRUNS\tNEXT\tMESSAGE")
	for _, m := range list {
		every := fmt.Sprintf("%d %s", m.DelayAmount, m.DelayUnit)
		if m.CronSpec != "" {
			every = m.CronSpec
		}
		if !m.IsRecurring {
			every = "once, " + every
		}
		runs := fmt.Sprintf("%d", m.RunCount)
		if m.MaxOccurrences > 0 {
			runs = fmt.Sprintf("%d/%d", m.RunCount, m.MaxOccurrences)
		}
		next := "-"
		if m.IsActive {
			next = formatTime(m.NextRun)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			m.ID, orDash(m.Name), m.TargetTeam, every, m.IsActive, runs, next, truncate(m.Message, 40))
	}
	return w.Flush()
}

func runScheduleAdd(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: conductor schedule add <target> <message...>")
	}
	m := scheduler.ScheduledMessage{
		Name:           cmd.String("name"),
		TargetTeam:     args[0],
		Message:        strings.Join(args[1:], " "),
		DelayAmount:    cmd.Int("every"),
		DelayUnit:      scheduler.DelayUnit(cmd.String("unit")),
		CronSpec:       cmd.String("cron"),
		IsRecurring:    cmd.Bool("recurring"),
		MaxOccurrences: cmd.Int("max"),
	}
	var created scheduler.ScheduledMessage
	if err := callDaemon(ctx, cmd, ws.MethodScheduleMessage, m, &created); err != nil {
		return err
	}
	fmt.Printf("Scheduled %s, next run %s.\n", created.ID, formatTime(created.NextRun))
	return nil
}

func scheduleIDCommand(name, usage string, method ws.Method, done string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "schedule "+name+" <id>")
			if err != nil {
				return err
			}
			if err := callDaemon(ctx, cmd, method, gateway.IDParams{ID: id}, nil); err != nil {
				return err
			}
			fmt.Printf("Schedule %s %s.\n", id, done)
			return nil
		},
	}
}

func runScheduleDeliveries(ctx context.Context, cmd *cli.Command) error {
	log, err := deliveries.Open(filepath.Join(config.DataPath(), deliveriesDB))
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	defer log.Close()

	list, err := log.List(ctx, deliveries.Filter{
		ScheduleID: cmd.String("schedule"),
		Target:     cmd.String("target"),
		Limit:      cmd.Int("limit"),
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No deliveries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSENT\tSCHEDULE\tTARGET\tRESULT\tMESSAGE")
	for _, e := range list {
		result := "ok"
		if !e.Success {
			result = "failed: " + e.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, formatTime(&e.SentAt), e.ScheduleID, e.Target, truncate(result, 40), truncate(e.Message, 40))
	}
	return w.Flush()
}

func runScheduleClear(ctx context.Context, cmd *cli.Command) error {
	var res struct {
		Cleared int64 `json:"cleared"`
	}
	if err := callDaemon(ctx, cmd, ws.MethodClearDeliveries, gateway.ClearParams{ScheduleID: cmd.String("schedule")}, &res); err != nil {
		return err
	}
	fmt.Printf("Cleared %d deliveries.\n", res.Cleared)
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
