// Package tmuxtest provides an in-memory tmux.Supervisor for tests.
package tmuxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dohr-michael/conductor/internal/tmux"
)

type session struct {
	windows []string
	pane    string
	sent    []string
	keys    []string
}

// Fake is an in-memory Supervisor. The zero value is not usable; call New.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*session
	failures map[string]error

	// OnSend runs after a message has been recorded, outside the lock.
	OnSend func(target, text string)
	// OnCapture runs before a capture; a non-nil error fails the call.
	OnCapture func(ctx context.Context, target string) error
}

var _ tmux.Supervisor = (*Fake)(nil)

// New creates a Fake holding the given live sessions.
func New(names ...string) *Fake {
	f := &Fake{
		sessions: make(map[string]*session),
		failures: make(map[string]error),
	}
	for _, n := range names {
		f.sessions[n] = &session{windows: []string{"0"}}
	}
	return f
}

// AddSession makes name live.
func (f *Fake) AddSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		f.sessions[name] = &session{windows: []string{"0"}}
	}
}

// RemoveSession simulates a session dying out of band.
func (f *Fake) RemoveSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// SetPane replaces the captured content of name.
func (f *Fake) SetPane(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.pane = content
	}
}

// Fail makes every call of method (e.g. "SendMessage") return err until
// cleared with a nil err.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Sent returns the messages delivered to name, oldest first.
func (f *Fake) Sent(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([]string(nil), s.sent...)
	}
	return nil
}

// Keys returns the named keys pressed in name.
func (f *Fake) Keys(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([]string(nil), s.keys...)
	}
	return nil
}

// Windows returns the window names of name.
func (f *Fake) Windows(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([]string(nil), s.windows...)
	}
	return nil
}

func (f *Fake) lookup(method, name string) (*session, error) {
	if err := f.failures[method]; err != nil {
		return nil, err
	}
	s, ok := f.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", method, name, tmux.ErrSessionNotFound)
	}
	return s, nil
}

func (f *Fake) ListSessions(ctx context.Context) ([]tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ListSessions"]; err != nil {
		return nil, err
	}
	out := make([]tmux.Session, 0, len(f.sessions))
	for name, s := range f.sessions {
		out = append(out, tmux.Session{Name: name, Windows: len(s.windows)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) SessionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["SessionExists"]; err != nil {
		return false, err
	}
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *Fake) SendMessage(ctx context.Context, target, text string) error {
	f.mu.Lock()
	s, err := f.lookup("SendMessage", target)
	if err == nil {
		s.sent = append(s.sent, text)
	}
	hook := f.OnSend
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(target, text)
	}
	return nil
}

func (f *Fake) SendKey(ctx context.Context, target, key string) error {
	if err := tmux.ValidateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup("SendKey", target)
	if err != nil {
		return err
	}
	s.keys = append(s.keys, key)
	return nil
}

func (f *Fake) CapturePane(ctx context.Context, target string, maxLines int) (string, error) {
	f.mu.Lock()
	hook := f.OnCapture
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, target); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup("CapturePane", target)
	if err != nil {
		return "", err
	}
	return tmux.LastLines(s.pane, maxLines), nil
}

func (f *Fake) CreateSession(ctx context.Context, name, cwd string, command ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["CreateSession"]; err != nil {
		return err
	}
	if _, ok := f.sessions[name]; ok {
		return fmt.Errorf("duplicate session: %s", name)
	}
	f.sessions[name] = &session{windows: []string{"0"}}
	return nil
}

func (f *Fake) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup("KillSession", name); err != nil {
		return err
	}
	delete(f.sessions, name)
	return nil
}

func (f *Fake) CreateWindow(ctx context.Context, sessionName, name, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup("CreateWindow", sessionName)
	if err != nil {
		return err
	}
	s.windows = append(s.windows, name)
	return nil
}

func (f *Fake) KillWindow(ctx context.Context, sessionName, window string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup("KillWindow", sessionName)
	if err != nil {
		return err
	}
	for i, w := range s.windows {
		if w == window {
			s.windows = append(s.windows[:i], s.windows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("window %s:%s: %w", sessionName, window, tmux.ErrSessionNotFound)
}
