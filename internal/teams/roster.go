package teams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// Roster drives explicit member lifecycle operations: start, registration
// completion and stop. It owns AgentStatus; the activity monitor does not.
type Roster struct {
	store *FileStore
	sup   tmux.Supervisor
	bus   events.Publisher
}

// NewRoster creates a Roster.
func NewRoster(store *FileStore, sup tmux.Supervisor, bus events.Publisher) *Roster {
	return &Roster{store: store, sup: sup, bus: bus}
}

// Store returns the underlying roster store.
func (r *Roster) Store() *FileStore { return r.store }

// Ref locates a member: TeamID is empty for the orchestrator.
type Ref struct {
	TeamID string
	Member Member
}

// FindBySession resolves a session name to its member.
func (r *Roster) FindBySession(sessionName string) (Ref, error) {
	orc, err := r.store.Orchestrator()
	if err != nil {
		return Ref{}, err
	}
	if orc.SessionName == sessionName {
		return Ref{Member: *orc}, nil
	}
	teams, err := r.store.ListTeams()
	if err != nil {
		return Ref{}, err
	}
	for _, t := range teams {
		for _, m := range t.Members {
			if m.SessionName == sessionName {
				return Ref{TeamID: t.ID, Member: m}, nil
			}
		}
	}
	return Ref{}, fmt.Errorf("%w: session %s", ErrMemberNotFound, sessionName)
}

func (r *Roster) merge(teamID, memberID string, patch MemberPatch) (Member, error) {
	var before, after Member
	var err error
	if teamID == "" && memberID == OrchestratorID {
		before, after, err = r.store.MergeOrchestrator(patch)
	} else {
		before, after, err = r.store.MergeMember(teamID, memberID, patch)
	}
	if err != nil {
		return Member{}, err
	}
	if r.bus != nil {
		for _, e := range TransitionEvents(events.SourceRoster, teamID, before, after) {
			r.bus.Publish(e)
		}
	}
	return after, nil
}

func (r *Roster) lookup(teamID, memberID string) (Member, error) {
	if teamID == "" && memberID == OrchestratorID {
		m, err := r.store.Orchestrator()
		if err != nil {
			return Member{}, err
		}
		return *m, nil
	}
	t, err := r.store.GetTeam(teamID)
	if err != nil {
		return Member{}, err
	}
	m := t.Member(memberID)
	if m == nil {
		return Member{}, fmt.Errorf("%w: %s/%s", ErrMemberNotFound, teamID, memberID)
	}
	return *m, nil
}

// StartMember ensures the member's session exists and marks it activating.
// The member becomes active only through CompleteRegistration.
func (r *Roster) StartMember(ctx context.Context, teamID, memberID string) (Member, error) {
	m, err := r.lookup(teamID, memberID)
	if err != nil {
		return Member{}, err
	}
	if m.SessionName == "" {
		return Member{}, fmt.Errorf("member %s has no session name", memberID)
	}
	exists, err := r.sup.SessionExists(ctx, m.SessionName)
	if err != nil {
		return Member{}, fmt.Errorf("check session %s: %w", m.SessionName, err)
	}
	if !exists {
		if err := r.sup.CreateSession(ctx, m.SessionName, m.Dir, m.Command...); err != nil {
			return Member{}, fmt.Errorf("create session %s: %w", m.SessionName, err)
		}
		slog.Info("roster: session created", "session", m.SessionName, "member", memberID)
	}
	return r.merge(teamID, memberID, MemberPatch{AgentStatus: Ptr(AgentActivating)})
}

// CompleteRegistration moves the member bound to sessionName to active.
func (r *Roster) CompleteRegistration(sessionName string) (Member, error) {
	ref, err := r.FindBySession(sessionName)
	if err != nil {
		return Member{}, err
	}
	return r.merge(ref.TeamID, ref.Member.ID, MemberPatch{
		AgentStatus:   Ptr(AgentActive),
		WorkingStatus: Ptr(WorkingIdle),
	})
}

// StopMember kills the member's session (if any) and marks it inactive.
func (r *Roster) StopMember(ctx context.Context, teamID, memberID string) (Member, error) {
	m, err := r.lookup(teamID, memberID)
	if err != nil {
		return Member{}, err
	}
	if m.SessionName != "" {
		if err := r.sup.KillSession(ctx, m.SessionName); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			return Member{}, fmt.Errorf("kill session %s: %w", m.SessionName, err)
		}
	}
	return r.merge(teamID, memberID, MemberPatch{
		AgentStatus:        Ptr(AgentInactive),
		WorkingStatus:      Ptr(WorkingIdle),
		LastTerminalOutput: Ptr(""),
	})
}
