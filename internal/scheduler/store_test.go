package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestMessageStore_CRUD(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	m := &ScheduledMessage{
		Name:        "standup",
		TargetTeam:  "core",
		Message:     "status?",
		DelayAmount: 5,
		DelayUnit:   UnitMinutes,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	if err := store.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected ID to be generated")
	}

	got, err := store.Get(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "standup" || got.DelayUnit != UnitMinutes {
		t.Fatalf("unexpected message %+v", got)
	}

	got.IsActive = false
	if err := store.Save(got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := store.Get(m.ID)
	if again.IsActive {
		t.Fatal("expected update to persist")
	}

	list, err := store.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 message, got %d, %v", len(list), err)
	}

	if err := store.Delete(m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCheckInStore_ListOrder(t *testing.T) {
	store := NewCheckInStore(t.TempDir())
	now := time.Now()

	late := &CheckIn{TargetSession: "dev-1", Message: "late", FireAt: now.Add(time.Hour), IsActive: true}
	early := &CheckIn{TargetSession: "dev-1", Message: "early", FireAt: now.Add(time.Minute), IsActive: true}
	for _, c := range []*CheckIn{late, early} {
		if err := store.Save(c); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Message != "early" {
		t.Fatalf("expected earliest check-in first, got %+v", list)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  ScheduledMessage
		want error
	}{
		{"valid", ScheduledMessage{TargetTeam: "core", Message: "hi", DelayAmount: 1, DelayUnit: UnitSeconds}, nil},
		{"bad unit", ScheduledMessage{TargetTeam: "core", Message: "hi", DelayAmount: 1, DelayUnit: "days"}, ErrInvalidDelayUnit},
		{"no target", ScheduledMessage{Message: "hi", DelayAmount: 1, DelayUnit: UnitSeconds}, ErrInvalidSchedule},
		{"zero delay", ScheduledMessage{TargetTeam: "core", Message: "hi", DelayUnit: UnitSeconds}, ErrInvalidSchedule},
		{"cron instead of delay", ScheduledMessage{TargetTeam: "core", Message: "hi", CronSpec: "0 9 * * 1-5"}, nil},
		{"bad cron", ScheduledMessage{TargetTeam: "core", Message: "hi", CronSpec: "nope"}, ErrInvalidSchedule},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
