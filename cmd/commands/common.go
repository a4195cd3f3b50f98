package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/conductor/clients/ws"
	"github.com/dohr-michael/conductor/internal/config"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// Directory layout under the data path.
const (
	schedulesDir     = "schedules"
	checkInsDir      = "checkins"
	subscriptionsDir = "subscriptions"
	logsDir          = "logs"
	deliveriesDB     = "deliveries.db"
	heartbeatFile    = "heartbeat.json"
)

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	return ctx, nil
}

// loadConfig reads the config file named by --config. A missing file yields
// defaults; a malformed one is an error.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, err
}

func heartbeatPath() string {
	return filepath.Join(config.DataPath(), heartbeatFile)
}

func newSupervisor(cfg *config.Config) *tmux.Client {
	return tmux.NewClient(tmux.ExecRunner{Binary: cfg.Tmux.Binary}, tmux.Options{
		CommandTimeout:  cfg.Tmux.CommandTimeout.Duration(),
		SubmitDelay:     cfg.Tmux.SubmitDelay.Duration(),
		MaxCaptureBytes: cfg.Tmux.MaxCaptureBytes,
	})
}

func gatewayURL(cmd *cli.Command, cfg *config.Config) string {
	if u := cmd.String("gateway"); u != "" {
		return u
	}
	return fmt.Sprintf("ws://%s:%d/api/ws", cfg.Gateway.Host, cfg.Gateway.Port)
}

// callDaemon sends one control request to the running daemon.
func callDaemon(ctx context.Context, cmd *cli.Command, method ws.Method, params, out any) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := wsclient.Dial(dialCtx, gatewayURL(cmd, cfg))
	if err != nil {
		return fmt.Errorf("connect to daemon (is `conductor serve` running?): %w", err)
	}
	defer client.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 2*time.Minute)
	defer cancelCall()
	return client.Call(callCtx, method, params, out)
}

func requireArg(cmd *cli.Command, usage string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("usage: conductor %s", usage)
	}
	return v, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
