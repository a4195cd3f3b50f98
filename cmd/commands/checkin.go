package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/conductor/internal/config"
	"github.com/dohr-michael/conductor/internal/gateway"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/scheduler"
)

// NewCheckInCommand returns the checkin subcommand.
func NewCheckInCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkin",
		Usage: "Manage check-in reminders",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List check-ins",
				Action: runCheckInList,
			},
			{
				Name:      "add",
				Usage:     "Remind a session in N minutes",
				ArgsUsage: "<session> <minutes> <message...>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recurring", Aliases: []string{"r"}, Usage: "Repeat every N minutes"},
					&cli.IntFlag{Name: "max", Usage: "Stop after this many reminders (0 = unlimited)"},
				},
				Action: runCheckInAdd,
			},
			scheduleIDCommand("cancel", "Cancel a check-in", ws.MethodCancelSchedule, "cancelled"),
		},
		DefaultCommand: "list",
	}
}

func runCheckInList(_ context.Context, _ *cli.Command) error {
	list, err := scheduler.NewCheckInStore(filepath.Join(config.DataPath(), checkInsDir)).List()
	if err != nil {
		return fmt.Errorf("list check-ins: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No check-ins found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tFIRES\tEVERY\tACTIVE\tRUNS\tMESSAGE")
	for _, c := range list {
		every := "-"
		if c.Recurring() {
			every = fmt.Sprintf("%dm", c.IntervalMinutes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			c.ID, c.TargetSession, formatTime(&c.FireAt), every, c.IsActive, c.RunCount, truncate(c.Message, 40))
	}
	return w.Flush()
}

func runCheckInAdd(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 3 {
		return fmt.Errorf("usage: conductor checkin add <session> <minutes> <message...>")
	}
	var minutes int
	if _, err := fmt.Sscanf(args[1], "%d", &minutes); err != nil || minutes <= 0 {
		return fmt.Errorf("invalid minutes %q", args[1])
	}
	var c scheduler.CheckIn
	err := callDaemon(ctx, cmd, ws.MethodScheduleCheckIn, gateway.CheckInParams{
		TargetSession:  args[0],
		Minutes:        minutes,
		Message:        strings.Join(args[2:], " "),
		Recurring:      cmd.Bool("recurring"),
		MaxOccurrences: cmd.Int("max"),
	}, &c)
	if err != nil {
		return err
	}
	fmt.Printf("Check-in %s fires at %s.\n", c.ID, formatTime(&c.FireAt))
	return nil
}
