package teams

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/conductor/internal/storage"
	"github.com/dohr-michael/conductor/internal/storage/dirstore"
)

// Store is the roster persistence contract. MergeMember and
// MergeOrchestrator always re-read the latest document before writing.
type Store interface {
	ListTeams() ([]*Team, error)
	GetTeam(id string) (*Team, error)
	MergeMember(teamID, memberID string, patch MemberPatch) (before, after Member, err error)
	Orchestrator() (*Member, error)
	MergeOrchestrator(patch MemberPatch) (before, after Member, err error)
}

// FileStore persists one document per team plus the orchestrator document.
// Layout: <base>/teams/<id>/meta.json and <base>/orchestrator/current/meta.json.
type FileStore struct {
	teams *dirstore.DirStore
	orc   *dirstore.DirStore
	now   func() time.Time

	orcSession string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at baseDir. orchestratorSession is
// used when the orchestrator document does not exist yet.
func NewFileStore(baseDir, orchestratorSession string) *FileStore {
	return &FileStore{
		teams:      dirstore.NewDirStore(filepath.Join(baseDir, "teams"), "team"),
		orc:        dirstore.NewDirStore(filepath.Join(baseDir, "orchestrator"), "orchestrator"),
		now:        time.Now,
		orcSession: orchestratorSession,
	}
}

func generateTeamID() string {
	return "team_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}

func generateMemberID() string {
	return "mem_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}

// CreateTeam persists a new team. Members without ids get one; members
// without statuses start inactive and idle.
func (fs *FileStore) CreateTeam(name, currentProject string, members []Member) (*Team, error) {
	fs.teams.Lock()
	defer fs.teams.Unlock()

	now := fs.now()
	t := &Team{
		ID:             generateTeamID(),
		Name:           name,
		Status:         "active",
		CurrentProject: currentProject,
		Members:        make([]Member, 0, len(members)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range members {
		t.Members = append(t.Members, normalizeMember(m, now))
	}
	if err := fs.teams.EnsureDir(t.ID); err != nil {
		return nil, storage.Unavailable("create team", err)
	}
	if err := fs.teams.WriteMeta(t.ID, t); err != nil {
		return nil, storage.Unavailable("create team", err)
	}
	return t, nil
}

func normalizeMember(m Member, now time.Time) Member {
	if m.ID == "" {
		m.ID = generateMemberID()
	}
	if m.AgentStatus == "" {
		m.AgentStatus = AgentInactive
	}
	if m.WorkingStatus == "" {
		m.WorkingStatus = WorkingIdle
	}
	m.UpdatedAt = now
	return m
}

// GetTeam reads one team.
func (fs *FileStore) GetTeam(id string) (*Team, error) {
	fs.teams.RLock()
	defer fs.teams.RUnlock()
	return fs.readTeam(id)
}

func (fs *FileStore) readTeam(id string) (*Team, error) {
	var t Team
	if err := fs.teams.ReadMeta(id, &t); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, id)
		}
		return nil, storage.Unavailable("read team", err)
	}
	return &t, nil
}

// ListTeams returns all teams sorted by name.
func (fs *FileStore) ListTeams() ([]*Team, error) {
	fs.teams.RLock()
	defer fs.teams.RUnlock()

	list, err := dirstore.ListMeta[Team](fs.teams)
	if err != nil {
		return nil, storage.Unavailable("list teams", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// UpdateTeam applies fn to the latest copy of a team and writes the whole
// document back. Used by management operations that own every field.
func (fs *FileStore) UpdateTeam(id string, fn func(*Team) error) (*Team, error) {
	fs.teams.Lock()
	defer fs.teams.Unlock()

	t, err := fs.readTeam(id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	now := fs.now()
	for i := range t.Members {
		if t.Members[i].ID == "" || t.Members[i].AgentStatus == "" {
			t.Members[i] = normalizeMember(t.Members[i], now)
		}
	}
	t.UpdatedAt = now
	if err := fs.teams.WriteMeta(id, t); err != nil {
		return nil, storage.Unavailable("update team", err)
	}
	return t, nil
}

// DeleteTeam removes a team document.
func (fs *FileStore) DeleteTeam(id string) error {
	fs.teams.Lock()
	defer fs.teams.Unlock()

	if !fs.teams.Exists(id) {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, id)
	}
	return storage.Unavailable("delete team", fs.teams.RemoveDir(id))
}

// MergeMember re-reads the team under the store lock and applies only the
// fields set in patch. Fields written concurrently by other writers survive.
func (fs *FileStore) MergeMember(teamID, memberID string, patch MemberPatch) (Member, Member, error) {
	fs.teams.Lock()
	defer fs.teams.Unlock()

	t, err := fs.readTeam(teamID)
	if err != nil {
		return Member{}, Member{}, err
	}
	m := t.Member(memberID)
	if m == nil {
		return Member{}, Member{}, fmt.Errorf("%w: %s/%s", ErrMemberNotFound, teamID, memberID)
	}
	before := *m
	if !patch.apply(m) {
		return before, *m, nil
	}
	now := fs.now()
	m.UpdatedAt = now
	t.UpdatedAt = now
	if err := fs.teams.WriteMeta(teamID, t); err != nil {
		return before, before, storage.Unavailable("merge member", err)
	}
	return before, *m, nil
}

const orchestratorDoc = "current"

// Orchestrator returns the orchestrator document, synthesising an inactive
// one when none has been written.
func (fs *FileStore) Orchestrator() (*Member, error) {
	fs.orc.RLock()
	defer fs.orc.RUnlock()
	return fs.readOrchestrator()
}

func (fs *FileStore) readOrchestrator() (*Member, error) {
	var m Member
	if err := fs.orc.ReadMeta(orchestratorDoc, &m); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return &Member{
				ID:            OrchestratorID,
				Name:          "Orchestrator",
				Role:          OrchestratorID,
				SessionName:   fs.orcSession,
				AgentStatus:   AgentInactive,
				WorkingStatus: WorkingIdle,
			}, nil
		}
		return nil, storage.Unavailable("read orchestrator", err)
	}
	return &m, nil
}

// MergeOrchestrator applies patch to the latest orchestrator document.
func (fs *FileStore) MergeOrchestrator(patch MemberPatch) (Member, Member, error) {
	fs.orc.Lock()
	defer fs.orc.Unlock()

	m, err := fs.readOrchestrator()
	if err != nil {
		return Member{}, Member{}, err
	}
	before := *m
	if !patch.apply(m) {
		return before, *m, nil
	}
	m.UpdatedAt = fs.now()
	if err := fs.orc.EnsureDir(orchestratorDoc); err != nil {
		return before, before, storage.Unavailable("merge orchestrator", err)
	}
	if err := fs.orc.WriteMeta(orchestratorDoc, m); err != nil {
		return before, before, storage.Unavailable("merge orchestrator", err)
	}
	return before, *m, nil
}
