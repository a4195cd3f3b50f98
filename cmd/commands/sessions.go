package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

// NewSessionsCommand returns the sessions subcommand.
func NewSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Inspect tmux sessions",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List live sessions",
				Action: runSessionsList,
			},
			{
				Name:      "capture",
				Usage:     "Print the recent content of a session's pane",
				ArgsUsage: "<session>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "lines", Aliases: []string{"n"}, Value: 50, Usage: "Number of lines to capture"},
				},
				Action: runSessionsCapture,
			},
		},
		DefaultCommand: "list",
	}
}

// NewSendCommand returns the send subcommand.
func NewSendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Type a message into a session and submit it",
		ArgsUsage: "<session> <message...>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "Send a named key (Enter, Escape, C-c, ...) instead of a message"},
		},
		Action: runSend,
	}
}

func runSessionsList(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	list, err := newSupervisor(cfg).ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tWINDOWS\tATTACHED\tCREATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", s.Name, s.Windows, s.Attached, formatTime(&s.Created))
	}
	return w.Flush()
}

func runSessionsCapture(ctx context.Context, cmd *cli.Command) error {
	name, err := requireArg(cmd, "sessions capture <session>")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := newSupervisor(cfg).CapturePane(ctx, name, cmd.Int("lines"))
	if err != nil {
		return fmt.Errorf("capture %s: %w", name, err)
	}
	fmt.Println(out)
	return nil
}

func runSend(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	key := cmd.String("key")
	if len(args) < 1 || (key == "" && len(args) < 2) {
		return fmt.Errorf("usage: conductor send <session> <message...>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sup := newSupervisor(cfg)
	if key != "" {
		return sup.SendKey(ctx, args[0], key)
	}
	return sup.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
}
