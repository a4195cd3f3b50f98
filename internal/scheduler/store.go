package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dohr-michael/conductor/internal/storage"
	"github.com/dohr-michael/conductor/internal/storage/dirstore"
)

// MessageStore persists scheduled messages as directories with meta.json.
type MessageStore struct {
	ds *dirstore.DirStore
}

// NewMessageStore creates a MessageStore rooted at baseDir.
func NewMessageStore(baseDir string) *MessageStore {
	return &MessageStore{ds: dirstore.NewDirStore(baseDir, "schedule")}
}

// Save writes m, creating its directory when needed.
func (s *MessageStore) Save(m *ScheduledMessage) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if m.ID == "" {
		m.ID = GenerateMessageID()
	}
	if err := s.ds.EnsureDir(m.ID); err != nil {
		return storage.Unavailable("save schedule", err)
	}
	return storage.Unavailable("save schedule", s.ds.WriteMeta(m.ID, m))
}

// Get reads a scheduled message by ID.
func (s *MessageStore) Get(id string) (*ScheduledMessage, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	var m ScheduledMessage
	if err := s.ds.ReadMeta(id, &m); err != nil {
		return nil, notFound(err, id)
	}
	return &m, nil
}

// Delete removes a scheduled message.
func (s *MessageStore) Delete(id string) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if !s.ds.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return storage.Unavailable("delete schedule", s.ds.RemoveDir(id))
}

// List returns all scheduled messages, oldest first.
func (s *MessageStore) List() ([]*ScheduledMessage, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	list, err := dirstore.ListMeta[ScheduledMessage](s.ds)
	if err != nil {
		return nil, storage.Unavailable("list schedules", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// CheckInStore persists check-ins as directories with meta.json.
type CheckInStore struct {
	ds *dirstore.DirStore
}

// NewCheckInStore creates a CheckInStore rooted at baseDir.
func NewCheckInStore(baseDir string) *CheckInStore {
	return &CheckInStore{ds: dirstore.NewDirStore(baseDir, "check-in")}
}

// Save writes c, creating its directory when needed.
func (s *CheckInStore) Save(c *CheckIn) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if c.ID == "" {
		c.ID = GenerateCheckInID()
	}
	if err := s.ds.EnsureDir(c.ID); err != nil {
		return storage.Unavailable("save check-in", err)
	}
	return storage.Unavailable("save check-in", s.ds.WriteMeta(c.ID, c))
}

// Get reads a check-in by ID.
func (s *CheckInStore) Get(id string) (*CheckIn, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	var c CheckIn
	if err := s.ds.ReadMeta(id, &c); err != nil {
		return nil, notFound(err, id)
	}
	return &c, nil
}

// Delete removes a check-in.
func (s *CheckInStore) Delete(id string) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if !s.ds.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return storage.Unavailable("delete check-in", s.ds.RemoveDir(id))
}

// List returns all check-ins ordered by fire time.
func (s *CheckInStore) List() ([]*CheckIn, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	list, err := dirstore.ListMeta[CheckIn](s.ds)
	if err != nil {
		return nil, storage.Unavailable("list check-ins", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FireAt.Before(list[j].FireAt) })
	return list, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, dirstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return storage.Unavailable("read schedule", err)
}
