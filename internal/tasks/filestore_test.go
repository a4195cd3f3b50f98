package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStoreCRUD(t *testing.T) {
	store := NewFileStore(t.TempDir())

	task := &Task{
		Title:       "Wire the gateway",
		Description: "Expose read-only routes.",
		Status:      StatusOpen,
		Priority:    PriorityNormal,
		Milestone:   "m1",
		CreatedAt:   time.Now(),
	}
	if err := store.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected non-empty task ID")
	}
	if want := "m1/open/" + task.ID + ".md"; task.Path != want {
		t.Fatalf("expected path %q, got %q", want, task.Path)
	}

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Wire the gateway" || got.Description != "Expose read-only routes." {
		t.Errorf("unexpected task %+v", got)
	}

	got.Status = StatusInProgress
	got.DelegationChain = []string{"dev-1"}
	if err := store.Save(got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "m1", "open", task.ID+".md")); !os.IsNotExist(err) {
		t.Error("expected the old bucket file to be removed")
	}
	moved, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get after move: %v", err)
	}
	if moved.Status != StatusInProgress || moved.Path != "m1/in_progress/"+task.ID+".md" {
		t.Errorf("unexpected moved task %+v", moved)
	}
	if len(moved.DelegationChain) != 1 || moved.DelegationChain[0] != "dev-1" {
		t.Errorf("expected chain to round-trip, got %v", moved.DelegationChain)
	}

	if err := store.Delete(task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileStoreFileFormat(t *testing.T) {
	store := NewFileStore(t.TempDir())
	task := &Task{ID: "task_abc", Title: "Doc", Status: StatusOpen, Milestone: "m1", Description: "# Body\n\nText."}
	if err := store.Create(task); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(store.Root(), "m1", "open", "task_abc.md"))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.HasPrefix(s, "---\n") || !strings.Contains(s, "\n---\n\n# Body") {
		t.Fatalf("expected frontmatter followed by body, got:\n%s", s)
	}
	if !strings.Contains(s, "title: Doc") {
		t.Errorf("expected yaml title, got:\n%s", s)
	}

	loaded, err := store.Load("m1/open/task_abc.md")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Description != "# Body\n\nText." {
		t.Errorf("unexpected body %q", loaded.Description)
	}

	if _, err := store.Load("../outside.md"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for path escape, got %v", err)
	}
}

func TestFileStoreList(t *testing.T) {
	store := NewFileStore(t.TempDir())
	base := time.Now()
	for i, spec := range []struct {
		milestone string
		status    Status
		assignee  string
	}{
		{"m1", StatusOpen, ""},
		{"m1", StatusInProgress, "dev-1"},
		{"m2", StatusInProgress, "dev-2"},
		{"m2", StatusDone, "dev-1"},
	} {
		task := &Task{
			Title:     "t",
			Status:    spec.status,
			Milestone: spec.milestone,
			Assignee:  spec.assignee,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if spec.assignee != "" {
			task.DelegationChain = []string{spec.assignee}
		}
		if err := store.Create(task); err != nil {
			t.Fatal(err)
		}
	}
	// Unparseable files are skipped.
	if err := os.WriteFile(filepath.Join(store.Root(), "m1", "open", "junk.md"), []byte("no frontmatter"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"milestone", Filter{Milestone: "m2"}, 2},
		{"status", Filter{Status: StatusInProgress}, 2},
		{"assignee", Filter{Assignee: "dev-1"}, 2},
		{"member and status", Filter{Member: "dev-1", Status: StatusDone}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			list, err := store.List(tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != tc.want {
				t.Fatalf("expected %d tasks, got %d", tc.want, len(list))
			}
		})
	}

	list, _ := store.List(Filter{})
	if list[0].Milestone != "m2" || list[0].Status != StatusDone {
		t.Errorf("expected most recently updated first, got %+v", list[0])
	}

	milestones, err := store.Milestones()
	if err != nil || len(milestones) != 2 {
		t.Errorf("expected 2 milestones, got %v, %v", milestones, err)
	}
}

func TestFileStoreEmptyRoot(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing"))
	list, err := store.List(Filter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v, %v", list, err)
	}
	if _, err := store.Get("task_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
