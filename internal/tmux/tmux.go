// Package tmux supervises terminal sessions hosted by a tmux server.
//
// Every operation spawns one short-lived tmux process bounded by its own
// timeout. A call against a session that does not exist fails with
// ErrSessionNotFound; a call that exceeds its budget fails with ErrTimeout.
// Callers treat both as "session gone" for the unit of work at hand.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTimeout         = errors.New("tmux call timed out")
	ErrUnknownKey      = errors.New("unknown key")
)

// IsGone reports whether err means the target session can no longer be reached.
func IsGone(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrTimeout)
}

// Session is one live tmux session.
type Session struct {
	Name     string    `json:"name"`
	Windows  int       `json:"windows"`
	Attached bool      `json:"attached"`
	Created  time.Time `json:"created"`
}

// Supervisor is the session contract the monitor, scheduler and hub use.
type Supervisor interface {
	ListSessions(ctx context.Context) ([]Session, error)
	SessionExists(ctx context.Context, name string) (bool, error)
	SendMessage(ctx context.Context, target, text string) error
	SendKey(ctx context.Context, target, key string) error
	CapturePane(ctx context.Context, target string, maxLines int) (string, error)
	CreateSession(ctx context.Context, name, cwd string, command ...string) error
	KillSession(ctx context.Context, name string) error
	CreateWindow(ctx context.Context, session, name, cwd string) error
	KillWindow(ctx context.Context, session, window string) error
}

const (
	chunkSize  = 4096
	chunkDelay = 50 * time.Millisecond
)

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	CommandTimeout  time.Duration
	SubmitDelay     time.Duration
	MaxCaptureBytes int
}

// Client implements Supervisor on top of a Runner. Input sent to one
// session is serialized, so a message's text and its Enter are never split
// by another sender.
type Client struct {
	runner          Runner
	timeout         time.Duration
	submitDelay     time.Duration
	maxCaptureBytes int

	mu     sync.Mutex
	inputs map[string]*sync.Mutex
}

var _ Supervisor = (*Client)(nil)

// NewClient creates a Client. A nil runner uses the tmux binary on PATH.
func NewClient(runner Runner, opts Options) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.SubmitDelay < 0 {
		opts.SubmitDelay = 0
	}
	if opts.MaxCaptureBytes <= 0 {
		opts.MaxCaptureBytes = 64 * 1024
	}
	return &Client{
		runner:          runner,
		timeout:         opts.CommandTimeout,
		submitDelay:     opts.SubmitDelay,
		maxCaptureBytes: opts.MaxCaptureBytes,
		inputs:          make(map[string]*sync.Mutex),
	}
}

// lockInput takes the input lock of the session target belongs to.
func (c *Client) lockInput(target string) func() {
	session, _, _ := strings.Cut(target, ":")
	session = strings.TrimPrefix(session, "=")
	c.mu.Lock()
	l, ok := c.inputs[session]
	if !ok {
		l = &sync.Mutex{}
		c.inputs[session] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// run executes a single bounded tmux call and maps its failure modes.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Run(callCtx, args...)
	if err == nil {
		return out, nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		slog.Debug("tmux: call timed out", "args", args, "timeout", c.timeout)
		return nil, fmt.Errorf("%s: %w", args[0], ErrTimeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if isMissingTarget(err) {
		return nil, fmt.Errorf("%s: %w: %w", args[0], ErrSessionNotFound, err)
	}
	return nil, err
}

func isMissingTarget(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"can't find session",
		"can't find window",
		"can't find pane",
		"session not found",
		"no server running",
		"no such file or directory",
		"error connecting to",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ListSessions returns every live session. A missing tmux server yields an
// empty list.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := c.run(ctx, "list-sessions", "-F",
		"#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_created}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessions(string(out)), nil
}

func parseSessions(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		s := Session{Name: fields[0]}
		if len(fields) > 1 {
			s.Windows, _ = strconv.Atoi(fields[1])
		}
		if len(fields) > 2 {
			n, _ := strconv.Atoi(fields[2])
			s.Attached = n > 0
		}
		if len(fields) > 3 {
			if ts, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
				s.Created = time.Unix(ts, 0)
			}
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// SessionExists reports whether a session with exactly this name is live.
func (c *Client) SessionExists(ctx context.Context, name string) (bool, error) {
	_, err := c.run(ctx, "has-session", "-t", exact(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		// has-session exits 1 without a recognisable message on some builds.
		return false, nil
	}
	return false, err
}

// SendMessage types text literally into target, waits the submit delay and
// presses Enter. Text above 4 KiB is sent in newline-aligned chunks.
func (c *Client) SendMessage(ctx context.Context, target, text string) error {
	defer c.lockInput(target)()
	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		if _, err := c.run(ctx, "send-keys", "-l", "-t", paneTarget(target), "--", chunk); err != nil {
			if len(chunks) > 1 {
				return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return err
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, chunkDelay); err != nil {
				return err
			}
		}
	}
	if err := sleep(ctx, c.submitDelay); err != nil {
		return err
	}
	_, err := c.run(ctx, "send-keys", "-t", paneTarget(target), "Enter")
	return err
}

// SendKey presses a single named key in target.
func (c *Client) SendKey(ctx context.Context, target, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	defer c.lockInput(target)()
	_, err := c.run(ctx, "send-keys", "-t", paneTarget(target), key)
	return err
}

// CapturePane returns the visible pane of target plus up to maxLines of
// history, keeping the newest content when the byte cap is exceeded.
func (c *Client) CapturePane(ctx context.Context, target string, maxLines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", paneTarget(target)}
	if maxLines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(maxLines))
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return TruncateFront(LastLines(string(out), maxLines), c.maxCaptureBytes), nil
}

// CreateSession starts a detached session. The optional command is quoted
// word by word and handed to tmux as a single shell command.
func (c *Client) CreateSession(ctx context.Context, name, cwd string, command ...string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if len(command) > 0 {
		line, err := shellJoin(command)
		if err != nil {
			return err
		}
		args = append(args, line)
	}
	_, err := c.run(ctx, args...)
	return err
}

// KillSession terminates a session and every process in it.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", exact(name))
	return err
}

// CreateWindow opens a detached window in session.
func (c *Client) CreateWindow(ctx context.Context, session, name, cwd string) error {
	args := []string{"new-window", "-d", "-t", exact(session) + ":", "-n", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	_, err := c.run(ctx, args...)
	return err
}

// KillWindow closes one window of session.
func (c *Client) KillWindow(ctx context.Context, session, window string) error {
	_, err := c.run(ctx, "kill-window", "-t", exact(session)+":"+window)
	return err
}

// exact prevents tmux from prefix-matching session names.
func exact(name string) string {
	return "=" + name
}

// paneTarget pins the session part of a "session[:window[.pane]]" target
// to an exact name. Without a window part it addresses the active pane.
func paneTarget(target string) string {
	session, rest, ok := strings.Cut(target, ":")
	if !ok {
		return exact(target) + ":"
	}
	return exact(strings.TrimPrefix(session, "=")) + ":" + rest
}

func shellJoin(words []string) (string, error) {
	quoted := make([]string, len(words))
	for i, w := range words {
		q, err := syntax.Quote(w, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quote %q: %w", w, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
