package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/conductor/internal/config"
	"github.com/dohr-michael/conductor/internal/gateway"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/teams"
)

// NewTeamCommand returns the team subcommand.
func NewTeamCommand() *cli.Command {
	return &cli.Command{
		Name:  "team",
		Usage: "Manage teams and their members",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List teams",
				Action: runTeamList,
			},
			{
				Name:      "create",
				Usage:     "Create a team",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "project", Usage: "Current project"},
					&cli.StringSliceFlag{
						Name:  "member",
						Usage: "Member as name:role:session[:dir] (repeatable)",
					},
					&cli.StringFlag{Name: "command", Usage: "Start command for every member's session"},
				},
				Action: runTeamCreate,
			},
			memberCommand("start", "Start a member's session and mark it activating", ws.MethodMemberStart),
			memberCommand("register", "Mark an activating member as active", ws.MethodMemberRegister),
			memberCommand("stop", "Kill a member's session and mark it inactive", ws.MethodMemberStop),
		},
		DefaultCommand: "list",
	}
}

func teamStore(cmd *cli.Command) (*teams.FileStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return teams.NewFileStore(config.DataPath(), cfg.Orchestrator.SessionName), nil
}

func runTeamList(_ context.Context, cmd *cli.Command) error {
	store, err := teamStore(cmd)
	if err != nil {
		return err
	}
	list, err := store.ListTeams()
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No teams found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMEMBERS\tPROJECT")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.Status, len(t.Members), orDash(t.CurrentProject))
	}
	return w.Flush()
}

// parseMember reads name:role:session[:dir].
func parseMember(spec, command string) (teams.Member, error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) < 3 || parts[0] == "" || parts[2] == "" {
		return teams.Member{}, fmt.Errorf("invalid member %q: want name:role:session[:dir]", spec)
	}
	m := teams.Member{Name: parts[0], Role: parts[1], SessionName: parts[2]}
	if len(parts) == 4 {
		m.Dir = parts[3]
	}
	if command != "" {
		m.Command = strings.Fields(command)
	}
	return m, nil
}

func runTeamCreate(_ context.Context, cmd *cli.Command) error {
	name, err := requireArg(cmd, "team create <name> --member name:role:session")
	if err != nil {
		return err
	}
	var members []teams.Member
	for _, spec := range cmd.StringSlice("member") {
		m, err := parseMember(spec, cmd.String("command"))
		if err != nil {
			return err
		}
		members = append(members, m)
	}
	store, err := teamStore(cmd)
	if err != nil {
		return err
	}
	t, err := store.CreateTeam(name, cmd.String("project"), members)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	fmt.Printf("Team %s created (%s, %d members).\n", t.Name, t.ID, len(t.Members))
	return nil
}

func memberCommand(name, usage string, method ws.Method) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<session>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			session, err := requireArg(cmd, "team "+name+" <session>")
			if err != nil {
				return err
			}
			var m teams.Member
			if err := callDaemon(ctx, cmd, method, gateway.SessionParams{Session: session}, &m); err != nil {
				return err
			}
			fmt.Printf("%s (%s): agent %s, working %s\n", m.Name, m.SessionName, m.AgentStatus, m.WorkingStatus)
			return nil
		},
	}
}
