package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/conductor/clients/ws"
	"github.com/dohr-michael/conductor/internal/gateway"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/tasks"
)

// NewTaskCommand returns the task subcommand.
func NewTaskCommand() *cli.Command {
	return &cli.Command{
		Name:    "task",
		Aliases: []string{"tasks"},
		Usage:   "Manage the task lifecycle",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "open, in_progress, blocked or done"},
					&cli.StringFlag{Name: "milestone"},
					&cli.StringFlag{Name: "assignee"},
					&cli.StringFlag{Name: "member", Usage: "Tasks whose delegation chain contains this member"},
				},
				Action: runTaskList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTaskShow,
			},
			{
				Name:      "create",
				Usage:     "Create an open task",
				ArgsUsage: "<title...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}},
					&cli.StringFlag{Name: "milestone", Aliases: []string{"m"}},
					&cli.StringFlag{Name: "priority", Value: string(tasks.PriorityNormal)},
					&cli.StringFlag{Name: "schema", Usage: "JSON schema the completion output must satisfy"},
					&cli.StringFlag{Name: "actor"},
				},
				Action: runTaskCreate,
			},
			{
				Name:      "assign",
				Usage:     "Assign a task to a member",
				ArgsUsage: "<task_id> <member>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "actor"}},
				Action: taskAction(2, func(args []string, cmd *cli.Command) (ws.Method, any) {
					return ws.MethodTaskAssign, gateway.TaskMemberParams{ID: args[0], Member: args[1], Actor: cmd.String("actor")}
				}),
			},
			{
				Name:      "accept",
				Usage:     "Accept a task and start working on it",
				ArgsUsage: "<task_id> <member>",
				Action: taskAction(2, func(args []string, _ *cli.Command) (ws.Method, any) {
					return ws.MethodTaskAccept, gateway.TaskMemberParams{ID: args[0], Member: args[1]}
				}),
			},
			{
				Name:      "delegate",
				Usage:     "Hand a task to another member",
				ArgsUsage: "<task_id> <from> <to>",
				Action: taskAction(3, func(args []string, _ *cli.Command) (ws.Method, any) {
					return ws.MethodTaskDelegate, gateway.TaskDelegateParams{ID: args[0], From: args[1], To: args[2]}
				}),
			},
			{
				Name:      "block",
				Usage:     "Mark an in-progress task as blocked",
				ArgsUsage: "<task_id> <reason...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "member"},
					&cli.StringSliceFlag{Name: "question", Aliases: []string{"q"}, Usage: "Question for the orchestrator (repeatable)"},
					&cli.StringFlag{Name: "urgency", Value: string(tasks.UrgencyNormal)},
				},
				Action: taskAction(2, func(args []string, cmd *cli.Command) (ws.Method, any) {
					return ws.MethodTaskBlock, gateway.TaskBlockParams{
						ID: args[0],
						BlockRequest: tasks.BlockRequest{
							Member:    cmd.String("member"),
							Reason:    strings.Join(args[1:], " "),
							Questions: cmd.StringSlice("question"),
							Urgency:   tasks.Urgency(cmd.String("urgency")),
						},
					}
				}),
			},
			{
				Name:      "unblock",
				Usage:     "Resume a blocked task",
				ArgsUsage: "<task_id> [note...]",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "actor"}},
				Action: taskAction(1, func(args []string, cmd *cli.Command) (ws.Method, any) {
					return ws.MethodTaskUnblock, gateway.TaskUnblockParams{ID: args[0], Note: strings.Join(args[1:], " "), Actor: cmd.String("actor")}
				}),
			},
			{
				Name:      "complete",
				Usage:     "Complete an in-progress task",
				ArgsUsage: "<task_id> <summary...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "member"},
					&cli.StringFlag{Name: "output", Usage: "Structured output as JSON"},
					&cli.BoolFlag{Name: "skip-gates", Usage: "Bypass the quality gate"},
				},
				Action: runTaskComplete,
			},
		},
		DefaultCommand: "list",
	}
}

func taskStore(cmd *cli.Command) (*tasks.FileStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return tasks.NewFileStore(cfg.Tasks.Dir), nil
}

func runTaskList(_ context.Context, cmd *cli.Command) error {
	store, err := taskStore(cmd)
	if err != nil {
		return err
	}
	list, err := store.List(tasks.Filter{
		Status:    tasks.Status(cmd.String("status")),
		Milestone: cmd.String("milestone"),
		Assignee:  cmd.String("assignee"),
		Member:    cmd.String("member"),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMILESTONE\tASSIGNEE\tCHAIN\tTITLE")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Milestone, orDash(t.Assignee), orDash(strings.Join(t.DelegationChain, ">")), t.Title)
	}
	return w.Flush()
}

func runTaskShow(_ context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "task show <task_id>")
	if err != nil {
		return err
	}
	store, err := taskStore(cmd)
	if err != nil {
		return err
	}
	t, err := store.Get(id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Milestone:   %s\n", t.Milestone)
	fmt.Printf("Assignee:    %s\n", orDash(t.Assignee))
	if len(t.DelegationChain) > 0 {
		fmt.Printf("Chain:       %s\n", strings.Join(t.DelegationChain, " > "))
	}
	fmt.Printf("Created:     %s\n", formatTime(&t.CreatedAt))
	if t.AcceptedAt != nil {
		fmt.Printf("Accepted:    %s\n", formatTime(t.AcceptedAt))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", formatTime(t.CompletedAt))
	}
	fmt.Printf("File:        %s\n", t.Path)

	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}
	if b := t.Blocker; b != nil {
		fmt.Printf("\nBlocked (%s) by %s: %s\n", b.Urgency, orDash(b.By), b.Reason)
		for _, q := range b.Questions {
			fmt.Printf("  ? %s\n", q)
		}
	}
	if t.Summary != "" {
		fmt.Printf("\nSummary:\n%s\n", t.Summary)
	}
	if len(t.History) > 0 {
		fmt.Println("\nHistory:")
		for _, h := range t.History {
			line := fmt.Sprintf("  [%s] %s %s -> %s", formatTime(&h.At), h.Action, orDash(string(h.From)), h.To)
			if h.Actor != "" {
				line += " by " + h.Actor
			}
			if h.Note != "" {
				line += ": " + h.Note
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runTaskCreate(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("usage: conductor task create <title...>")
	}
	var t tasks.Task
	err := callDaemon(ctx, cmd, ws.MethodTaskCreate, tasks.CreateRequest{
		Title:        strings.Join(args, " "),
		Description:  cmd.String("description"),
		Milestone:    cmd.String("milestone"),
		Priority:     tasks.Priority(cmd.String("priority")),
		OutputSchema: cmd.String("schema"),
		Actor:        cmd.String("actor"),
	}, &t)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s created in %s.\n", t.ID, t.Milestone)
	return nil
}

func runTaskComplete(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: conductor task complete <task_id> <summary...>")
	}
	req := tasks.CompleteRequest{
		Member:    cmd.String("member"),
		Summary:   strings.Join(args[1:], " "),
		SkipGates: cmd.Bool("skip-gates"),
	}
	if out := cmd.String("output"); out != "" {
		if !json.Valid([]byte(out)) {
			return fmt.Errorf("--output is not valid JSON")
		}
		req.Output = json.RawMessage(out)
	}
	return printTransition(callTask(ctx, cmd, ws.MethodTaskComplete, gateway.TaskCompleteParams{ID: args[0], CompleteRequest: req}))
}

func taskAction(minArgs int, build func(args []string, cmd *cli.Command) (ws.Method, any)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		args := cmd.Args().Slice()
		if len(args) < minArgs {
			return fmt.Errorf("usage: conductor task %s %s", cmd.Name, cmd.ArgsUsage)
		}
		method, params := build(args, cmd)
		return printTransition(callTask(ctx, cmd, method, params))
	}
}

func callTask(ctx context.Context, cmd *cli.Command, method ws.Method, params any) (*tasks.Task, error) {
	var t tasks.Task
	if err := callDaemon(ctx, cmd, method, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func printTransition(t *tasks.Task, err error) error {
	if err != nil {
		if wsclient.IsKind(err, tasks.KindDelegationLoop) {
			return fmt.Errorf("refused, the member already appears in the delegation chain (%w)", err)
		}
		return err
	}
	line := fmt.Sprintf("Task %s is %s", t.ID, t.Status)
	if t.Assignee != "" {
		line += ", assigned to " + t.Assignee
	}
	fmt.Println(line + ".")
	return nil
}
