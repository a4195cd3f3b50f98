// Package teams holds the roster of team members and the orchestrator.
package teams

import (
	"errors"
	"time"
)

var (
	ErrTeamNotFound   = errors.New("team not found")
	ErrMemberNotFound = errors.New("member not found")
)

// AgentStatus is the authoritative lifecycle state of a member.
type AgentStatus string

const (
	AgentInactive   AgentStatus = "inactive"
	AgentActivating AgentStatus = "activating"
	AgentActive     AgentStatus = "active"
)

// WorkingStatus is derived from terminal activity and may be overwritten freely.
type WorkingStatus string

const (
	WorkingIdle       WorkingStatus = "idle"
	WorkingInProgress WorkingStatus = "in_progress"
)

// OrchestratorID is the member id of the orchestrator document.
const OrchestratorID = "orchestrator"

// Member is a participant bound to one terminal session.
type Member struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Role               string        `json:"role"`
	SessionName        string        `json:"sessionName"`
	Command            []string      `json:"command,omitempty"`
	Dir                string        `json:"dir,omitempty"`
	AgentStatus        AgentStatus   `json:"agentStatus"`
	WorkingStatus      WorkingStatus `json:"workingStatus"`
	LastActivityCheck  time.Time     `json:"lastActivityCheck,omitzero"`
	LastTerminalOutput string        `json:"lastTerminalOutput,omitempty"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Team is an ordered list of members.
type Team struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	CurrentProject string    `json:"currentProject,omitempty"`
	Members        []Member  `json:"members"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Member returns a pointer into t.Members, or nil.
func (t *Team) Member(id string) *Member {
	for i := range t.Members {
		if t.Members[i].ID == id {
			return &t.Members[i]
		}
	}
	return nil
}

// MemberPatch names the member fields a writer owns. Nil fields are left
// untouched so concurrent writers with disjoint fields never clobber each other.
type MemberPatch struct {
	AgentStatus        *AgentStatus
	WorkingStatus      *WorkingStatus
	LastActivityCheck  *time.Time
	LastTerminalOutput *string

	// KeepAgentStatus lists current statuses that AgentStatus must not replace.
	KeepAgentStatus []AgentStatus
}

// Empty reports whether the patch would change nothing.
func (p MemberPatch) Empty() bool {
	return p.AgentStatus == nil && p.WorkingStatus == nil && p.LastActivityCheck == nil && p.LastTerminalOutput == nil
}

// apply merges p into m and reports whether any field changed.
func (p MemberPatch) apply(m *Member) bool {
	changed := false
	if p.AgentStatus != nil && m.AgentStatus != *p.AgentStatus && !p.keeps(m.AgentStatus) {
		m.AgentStatus = *p.AgentStatus
		changed = true
	}
	if p.WorkingStatus != nil && m.WorkingStatus != *p.WorkingStatus {
		m.WorkingStatus = *p.WorkingStatus
		changed = true
	}
	if p.LastActivityCheck != nil && !m.LastActivityCheck.Equal(*p.LastActivityCheck) {
		m.LastActivityCheck = *p.LastActivityCheck
		changed = true
	}
	if p.LastTerminalOutput != nil && m.LastTerminalOutput != *p.LastTerminalOutput {
		m.LastTerminalOutput = *p.LastTerminalOutput
		changed = true
	}
	return changed
}

func (p MemberPatch) keeps(current AgentStatus) bool {
	for _, s := range p.KeepAgentStatus {
		if s == current {
			return true
		}
	}
	return false
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }
