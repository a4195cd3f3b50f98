package scheduler

import (
	"errors"
	"fmt"

	"github.com/dohr-michael/conductor/internal/teams"
)

// ErrNoTarget is returned when a target resolves to no session.
var ErrNoTarget = errors.New("target has no session")

// Resolver maps schedule targets onto tmux session names.
type Resolver interface {
	// Session resolves a check-in target: the orchestrator alias or a
	// literal session name.
	Session(target string) (string, error)
	// Targets resolves a message target: the orchestrator alias, a team id
	// or name (every member with a session), or a literal session name.
	Targets(target string) ([]string, error)
}

// TeamResolver resolves targets against the team roster.
type TeamResolver struct {
	Store teams.Store
	Alias string
}

var _ Resolver = TeamResolver{}

func (r TeamResolver) alias() string {
	if r.Alias == "" {
		return teams.OrchestratorID
	}
	return r.Alias
}

func (r TeamResolver) Session(target string) (string, error) {
	if target != r.alias() {
		return target, nil
	}
	orc, err := r.Store.Orchestrator()
	if err != nil {
		return "", fmt.Errorf("resolve orchestrator: %w", err)
	}
	if orc.SessionName == "" {
		return "", fmt.Errorf("%w: %s", ErrNoTarget, target)
	}
	return orc.SessionName, nil
}

func (r TeamResolver) Targets(target string) ([]string, error) {
	if target == r.alias() {
		name, err := r.Session(target)
		if err != nil {
			return nil, err
		}
		return []string{name}, nil
	}

	team, err := r.Store.GetTeam(target)
	if errors.Is(err, teams.ErrTeamNotFound) {
		team, err = r.byName(target)
	}
	if err != nil {
		return nil, err
	}
	if team == nil {
		return []string{target}, nil
	}

	var out []string
	for _, m := range team.Members {
		if m.SessionName != "" {
			out = append(out, m.SessionName)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: team %s", ErrNoTarget, target)
	}
	return out, nil
}

func (r TeamResolver) byName(name string) (*teams.Team, error) {
	list, err := r.Store.ListTeams()
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}
