package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/storage"
	"github.com/dohr-michael/conductor/internal/storage/dirstore"
)

var (
	ErrNotFound         = errors.New("subscription not found")
	ErrUnsupportedEvent = errors.New("event type cannot be subscribed to")
	ErrInvalidFilter    = errors.New("invalid subscription filter")
)

// Subscription asks for a notification in SubscriberSession whenever an
// event of EventType whose payload matches Filter is published.
type Subscription struct {
	ID                string            `json:"id"`
	EventType         events.EventType  `json:"eventType"`
	SubscriberSession string            `json:"subscriberSession"`
	Filter            map[string]string `json:"filter,omitempty"`
	OneShot           bool              `json:"oneShot"`
	Notified          int               `json:"notified"`
	LastNotifiedAt    *time.Time        `json:"lastNotifiedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Validate checks the event type and filter patterns.
func (s *Subscription) Validate() error {
	if !events.IsSubscribable(s.EventType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, s.EventType)
	}
	if strings.TrimSpace(s.SubscriberSession) == "" {
		return fmt.Errorf("%w: subscriber session is required", ErrInvalidFilter)
	}
	for key, pattern := range s.Filter {
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidFilter)
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: %s=%q", ErrInvalidFilter, key, pattern)
		}
	}
	return nil
}

// Matches reports whether every filter key is present in payload and its
// value matches the key's glob pattern. An empty filter matches everything.
func (s *Subscription) Matches(payload map[string]any) bool {
	for key, pattern := range s.Filter {
		v, ok := payload[key]
		if !ok || v == nil {
			return false
		}
		value, ok := v.(string)
		if !ok {
			value = fmt.Sprint(v)
		}
		matched, err := doublestar.Match(pattern, value)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// GenerateID creates a subscription identifier with "sub_" prefix.
func GenerateID() string {
	return "sub_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}

// Store persists subscriptions as directories with meta.json.
type Store struct {
	ds *dirstore.DirStore
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{ds: dirstore.NewDirStore(baseDir, "subscription")}
}

func (s *Store) Save(sub *Subscription) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if sub.ID == "" {
		sub.ID = GenerateID()
	}
	if err := s.ds.EnsureDir(sub.ID); err != nil {
		return storage.Unavailable("save subscription", err)
	}
	return storage.Unavailable("save subscription", s.ds.WriteMeta(sub.ID, sub))
}

func (s *Store) Delete(id string) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if !s.ds.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return storage.Unavailable("delete subscription", s.ds.RemoveDir(id))
}

// List returns every subscription, oldest first.
func (s *Store) List() ([]*Subscription, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	list, err := dirstore.ListMeta[Subscription](s.ds)
	if err != nil {
		return nil, storage.Unavailable("list subscriptions", err)
	}
	sortSubs(list)
	return list, nil
}

func sortSubs(list []*Subscription) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
