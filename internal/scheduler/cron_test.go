package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseCron_Valid(t *testing.T) {
	expr, err := ParseCron("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	if expr.String() != "*/5 * * * *" {
		t.Fatalf("expected raw %q, got %q", "*/5 * * * *", expr.String())
	}
}

func TestParseCron_Invalid(t *testing.T) {
	_, err := ParseCron("not a cron")
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}

func TestCronExpr_Next(t *testing.T) {
	expr, err := ParseCron("0 12 * * *") // every day at noon
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	next := expr.Next(base)

	expected := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Fatalf("expected next %v, got %v", expected, next)
	}
}

func TestParseCron_Descriptor(t *testing.T) {
	expr, err := ParseCron("@hourly")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	base := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	if got := expr.Next(base); !got.Equal(time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next activation %v", got)
	}
}
