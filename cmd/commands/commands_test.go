package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/conductor/internal/teams"
)

func TestParseMember(t *testing.T) {
	tests := []struct {
		spec    string
		want    teams.Member
		wantErr bool
	}{
		{spec: "alice:backend:dev-1", want: teams.Member{Name: "alice", Role: "backend", SessionName: "dev-1"}},
		{spec: "bob::dev-2:/src/app", want: teams.Member{Name: "bob", SessionName: "dev-2", Dir: "/src/app"}},
		{spec: "carol:qa", wantErr: true},
		{spec: ":qa:dev-3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := parseMember(tt.spec, "")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMember: %v", err)
			}
			if got.Name != tt.want.Name || got.Role != tt.want.Role || got.SessionName != tt.want.SessionName || got.Dir != tt.want.Dir {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}

	m, err := parseMember("dave:dev:dev-4", "claude --resume")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Command) != 2 || m.Command[0] != "claude" {
		t.Errorf("expected split command, got %v", m.Command)
	}
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter([]string{"sessionName=dev-*", "urgency=high"})
	if err != nil {
		t.Fatalf("parseFilter: %v", err)
	}
	if f["sessionName"] != "dev-*" || f["urgency"] != "high" {
		t.Errorf("unexpected filter %v", f)
	}
	if got := formatFilter(f); got != "sessionName=dev-*,urgency=high" {
		t.Errorf("expected sorted filter, got %q", got)
	}

	if _, err := parseFilter([]string{"=x"}); err == nil {
		t.Error("expected error for empty key")
	}
	if f, err := parseFilter(nil); err != nil || f != nil {
		t.Errorf("expected nil filter, got %v, %v", f, err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short, got %q", got)
	}
	if got := truncate("line one\nline   two", 40); got != "line one line two" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Errorf("expected abcde..., got %q", got)
	}
}

func TestRenderRoster(t *testing.T) {
	st := newStyles()
	orc := &teams.Member{Name: "Orchestrator", SessionName: "conductor-orc", AgentStatus: teams.AgentActive, WorkingStatus: teams.WorkingIdle}
	list := []*teams.Team{{
		Name: "backend",
		Members: []teams.Member{
			{Name: "alice", Role: "dev", SessionName: "dev-1", AgentStatus: teams.AgentActive, WorkingStatus: teams.WorkingInProgress},
			{Name: "bob", SessionName: "dev-2", AgentStatus: teams.AgentInactive, WorkingStatus: teams.WorkingIdle},
		},
	}}

	out := renderRoster(st, orc, list)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d:\n%s", len(lines), out)
	}
	for _, want := range []string{"conductor-orc", "alice", "dev-1", "in_progress", "bob", "inactive"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if got := renderRoster(st, nil, nil); !strings.Contains(got, "No members.") {
		t.Errorf("expected empty roster message, got %q", got)
	}
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	got := formatEvent(at, "agent:idle", "dev-1", map[string]any{
		"workingStatus": "idle",
		"memberName":    "alice",
		"role":          "dev",
	})
	if !strings.HasPrefix(got, "03:04:05 agent:idle") {
		t.Errorf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "[dev-1] memberName=alice workingStatus=idle") {
		t.Errorf("unexpected summary: %q", got)
	}
	if strings.Contains(got, "role=") {
		t.Errorf("expected only summary keys, got %q", got)
	}
}
