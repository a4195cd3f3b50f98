package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/conductor/internal/storage"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status    Status `json:"status,omitempty"`
	Milestone string `json:"milestone,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	// Member matches tasks whose delegation chain contains the member.
	Member string `json:"member,omitempty"`
}

func (f Filter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Milestone != "" && t.Milestone != f.Milestone {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.Member != "" && !t.InChain(f.Member) {
		return false
	}
	return true
}

var milestoneRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidMilestone reports whether name can be used as a milestone directory.
func ValidMilestone(name string) bool {
	return milestoneRe.MatchString(name) && !strings.Contains(name, "..")
}

// FileStore persists tasks as markdown files bucketed by milestone and
// status: <root>/<milestone>/<status>/<id>.md. A status change moves the file.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the store directory.
func (fs *FileStore) Root() string { return fs.root }

func bucketPath(t *Task) string {
	return path.Join(t.Milestone, string(t.Status), t.ID+".md")
}

// Create persists a new task, generating its ID when empty.
func (fs *FileStore) Create(t *Task) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if t.ID == "" {
		t.ID = GenerateTaskID()
	}
	if _, err := fs.find(t.ID); err == nil {
		return fmt.Errorf("%w: task %s already exists", ErrInvalidArgument, t.ID)
	}
	return fs.write(t)
}

// Get reads a task by ID.
func (fs *FileStore) Get(id string) (*Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rel, err := fs.find(id)
	if err != nil {
		return nil, err
	}
	return fs.load(rel)
}

// Load reads the task file at rel, a path relative to the store root.
func (fs *FileStore) Load(rel string) (*Task, error) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if !fs.inRoot(rel) {
		return nil, fmt.Errorf("%w: %s is outside the task store", ErrInvalidArgument, rel)
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.load(rel)
}

func (fs *FileStore) inRoot(rel string) bool {
	return rel != "" && !path.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, "../")
}

// Save writes t into the bucket matching its status and milestone, removing
// the previous file when the task moved.
func (fs *FileStore) Save(t *Task) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prev := t.Path
	if prev == "" {
		if rel, err := fs.find(t.ID); err == nil {
			prev = rel
		}
	}
	if err := fs.write(t); err != nil {
		return err
	}
	if prev != "" && prev != t.Path {
		if err := os.Remove(filepath.Join(fs.root, filepath.FromSlash(prev))); err != nil && !os.IsNotExist(err) {
			slog.Warn("tasks: stale task file left behind", "id", t.ID, "path", prev, "error", err)
		}
	}
	return nil
}

// Delete removes a task file.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rel, err := fs.find(id)
	if err != nil {
		return err
	}
	return storage.Unavailable("delete task", os.Remove(filepath.Join(fs.root, filepath.FromSlash(rel))))
}

// List returns tasks matching f, most recently updated first. Unreadable
// files are skipped.
func (fs *FileStore) List(f Filter) ([]*Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	pattern := "*/*/*.md"
	if f.Milestone != "" {
		if !ValidMilestone(f.Milestone) {
			return nil, fmt.Errorf("%w: milestone %q", ErrInvalidArgument, f.Milestone)
		}
		pattern = f.Milestone + "/*/*.md"
	}
	matches, err := fs.glob(pattern)
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, rel := range matches {
		t, err := fs.load(rel)
		if err != nil {
			slog.Warn("tasks: skipping unreadable task", "path", rel, "error", err)
			continue
		}
		if f.match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Milestones returns the milestone directories present in the store.
func (fs *FileStore) Milestones() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storage.Unavailable("list milestones", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidMilestone(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (fs *FileStore) glob(pattern string) ([]string, error) {
	if _, err := os.Stat(fs.root); os.IsNotExist(err) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(fs.root), pattern)
	if err != nil {
		return nil, storage.Unavailable("scan tasks", err)
	}
	return matches, nil
}

func (fs *FileStore) find(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\*?[]{}`) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	matches, err := fs.glob("*/*/" + id + ".md")
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return matches[0], nil
}

func (fs *FileStore) load(rel string) (*Task, error) {
	data, err := os.ReadFile(filepath.Join(fs.root, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, storage.Unavailable("read task", err)
	}
	t, err := parseTaskFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	t.Path = rel
	return t, nil
}

// write renders t to its bucket with a temp file + rename and sets t.Path.
func (fs *FileStore) write(t *Task) error {
	rel := bucketPath(t)
	abs := filepath.Join(fs.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return storage.Unavailable("write task", err)
	}
	data, err := renderTaskFile(t)
	if err != nil {
		return err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storage.Unavailable("write task", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return storage.Unavailable("write task", err)
	}
	t.Path = rel
	return nil
}
