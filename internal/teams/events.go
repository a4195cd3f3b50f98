package teams

import "github.com/dohr-michael/conductor/internal/events"

// TransitionEvents returns the agent events implied by a member going from
// before to after: agent:active/agent:inactive for liveness, agent:busy/
// agent:idle for activity, and one agent:status_changed when anything moved.
func TransitionEvents(source events.EventSource, teamID string, before, after Member) []events.Event {
	var kinds []events.EventType
	if before.AgentStatus != after.AgentStatus {
		switch after.AgentStatus {
		case AgentActive:
			kinds = append(kinds, events.EventAgentActive)
		case AgentInactive:
			kinds = append(kinds, events.EventAgentInactive)
		}
	}
	if before.WorkingStatus != after.WorkingStatus {
		switch after.WorkingStatus {
		case WorkingInProgress:
			kinds = append(kinds, events.EventAgentBusy)
		case WorkingIdle:
			kinds = append(kinds, events.EventAgentIdle)
		}
	}
	if before.AgentStatus != after.AgentStatus || before.WorkingStatus != after.WorkingStatus {
		kinds = append(kinds, events.EventAgentStatusChanged)
	}

	out := make([]events.Event, 0, len(kinds))
	for _, k := range kinds {
		p := events.AgentEventPayload{
			Kind:                  k,
			TeamID:                teamID,
			MemberID:              after.ID,
			MemberName:            after.Name,
			Role:                  after.Role,
			SessionName:           after.SessionName,
			AgentStatus:           string(after.AgentStatus),
			WorkingStatus:         string(after.WorkingStatus),
			PreviousAgentStatus:   string(before.AgentStatus),
			PreviousWorkingStatus: string(before.WorkingStatus),
		}
		out = append(out, events.NewTypedEventWithSession(source, p, after.SessionName))
	}
	return out
}
