package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/conductor/clients/ws"
	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Stream engine events from the running daemon",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Only these event types (repeatable)",
			},
			&cli.IntFlag{
				Name:    "history",
				Aliases: []string{"n"},
				Usage:   "Print this many past events first",
			},
		},
		Action: runEvents,
	}
}

func runEvents(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := wsclient.Dial(ctx, gatewayURL(cmd, cfg))
	if err != nil {
		return fmt.Errorf("connect to daemon (is `conductor serve` running?): %w", err)
	}
	defer client.Close()

	types := cmd.StringSlice("type")
	if len(types) > 0 {
		if err := client.Call(ctx, ws.MethodSetFilter, ws.SetFilterParams{Types: types}, nil); err != nil {
			return err
		}
	}
	if n := cmd.Int("history"); n > 0 {
		var past []events.Event
		if err := client.Call(ctx, ws.MethodHistory, ws.HistoryParams{Limit: n}, &past); err != nil {
			return err
		}
		for _, e := range past {
			if len(types) == 0 || slices.Contains(types, string(e.Type)) {
				fmt.Println(formatEvent(e.Timestamp, string(e.Type), e.SessionID, e.Payload))
			}
		}
	}

	go func() {
		<-ctx.Done()
		client.Close()
	}()
	for {
		f, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if f.Type != ws.FrameTypeEvent {
			continue
		}
		var payload map[string]any
		_ = json.Unmarshal(f.Payload, &payload)
		fmt.Println(formatEvent(time.Now(), f.Event, f.SessionID, payload))
	}
}

// summaryKeys are printed first, in this order, when present.
var summaryKeys = []string{"sessionName", "memberName", "agentStatus", "workingStatus", "taskId", "status", "assignee", "scheduleId", "target"}

func formatEvent(at time.Time, typ, session string, payload map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-24s", at.Local().Format("15:04:05"), typ)
	if session != "" {
		fmt.Fprintf(&b, " [%s]", session)
	}
	for _, k := range summaryKeys {
		if v, ok := payload[k]; ok && v != "" && v != nil {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	}
	return b.String()
}
