package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/conductor/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "conductor",
		Usage: "Supervise a fleet of terminal-hosted coding agents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:    "gateway",
				Usage:   "WebSocket URL of a running daemon (defaults to the configured gateway)",
				Sources: cli.EnvVars("CONDUCTOR_GATEWAY"),
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewSessionsCommand(),
			NewSendCommand(),
			NewTeamCommand(),
			NewScheduleCommand(),
			NewCheckInCommand(),
			NewTaskCommand(),
			NewSubscriptionsCommand(),
			NewEventsCommand(),
		},
	}
}
