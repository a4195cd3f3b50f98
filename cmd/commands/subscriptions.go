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
	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/gateway"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/hub"
)

// NewSubscriptionsCommand returns the subscriptions subcommand.
func NewSubscriptionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "subscriptions",
		Aliases: []string{"subs"},
		Usage:   "Manage event subscriptions",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List subscriptions",
				Action: runSubscriptionsList,
			},
			{
				Name:      "add",
				Usage:     "Notify a session when an event occurs",
				ArgsUsage: "<event_type> <session>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "filter",
						Aliases: []string{"f"},
						Usage:   "Payload filter key=glob (repeatable, all must match)",
					},
					&cli.BoolFlag{Name: "once", Usage: "Remove after the first notification"},
				},
				Action: runSubscriptionsAdd,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Remove a subscription",
				ArgsUsage: "<id>",
				Action:    runSubscriptionsRemove,
			},
		},
		DefaultCommand: "list",
	}
}

func runSubscriptionsList(_ context.Context, _ *cli.Command) error {
	list, err := hub.NewStore(filepath.Join(config.DataPath(), subscriptionsDir)).List()
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No subscriptions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tSESSION\tFILTER\tONCE\tNOTIFIED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n",
			s.ID, s.EventType, s.SubscriberSession, orDash(formatFilter(s.Filter)), s.OneShot, s.Notified)
	}
	return w.Flush()
}

func parseFilter(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		k, v, ok := strings.Cut(spec, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", spec)
		}
		out[k] = v
	}
	return out, nil
}

func formatFilter(f map[string]string) string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}

func runSubscriptionsAdd(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: conductor subscriptions add <event_type> <session>")
	}
	filter, err := parseFilter(cmd.StringSlice("filter"))
	if err != nil {
		return err
	}
	var sub hub.Subscription
	err = callDaemon(ctx, cmd, ws.MethodSubscribe, hub.SubscribeRequest{
		EventType:         events.EventType(args[0]),
		SubscriberSession: args[1],
		Filter:            filter,
		OneShot:           cmd.Bool("once"),
	}, &sub)
	if err != nil {
		return err
	}
	fmt.Printf("Subscription %s created.\n", sub.ID)
	return nil
}

func runSubscriptionsRemove(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "subscriptions remove <id>")
	if err != nil {
		return err
	}
	if err := callDaemon(ctx, cmd, ws.MethodUnsubscribe, gateway.IDParams{ID: id}, nil); err != nil {
		return err
	}
	fmt.Printf("Subscription %s removed.\n", id)
	return nil
}
