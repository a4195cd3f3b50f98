package scheduler

import (
	"testing"
	"time"
)

func TestAdvance(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	hourly, _ := ParseCron("0 * * * *")

	tests := []struct {
		name string
		plan plan
		want Outcome
		next time.Time
	}{
		{"one-off deactivates", plan{active: true, interval: time.Minute, runCount: 1}, Deactivated, time.Time{}},
		{"inactive deactivates", plan{active: false, recurring: true, interval: time.Minute, runCount: 1}, Deactivated, time.Time{}},
		{"recurring rearms", plan{active: true, recurring: true, interval: 5 * time.Minute, runCount: 3}, Rearmed, now.Add(5 * time.Minute)},
		{"cap not reached", plan{active: true, recurring: true, interval: time.Minute, maxOccurrences: 3, runCount: 2}, Rearmed, now.Add(time.Minute)},
		{"cap reached", plan{active: true, recurring: true, interval: time.Minute, maxOccurrences: 3, runCount: 3}, Deactivated, time.Time{}},
		{"cron rearms on schedule", plan{active: true, recurring: true, cron: hourly, runCount: 1}, Rearmed, now.Add(time.Hour)},
		{"recurring without interval", plan{active: true, recurring: true, runCount: 1}, Deactivated, time.Time{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := advance(tc.plan, now)
			if got.Outcome != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Outcome)
			}
			if !got.Next.Equal(tc.next) {
				t.Fatalf("expected next %v, got %v", tc.next, got.Next)
			}
		})
	}
}

func TestAdvanceCapFiresExactlyN(t *testing.T) {
	p := plan{active: true, recurring: true, interval: time.Minute, maxOccurrences: 4}
	now := time.Now()
	fires := 0
	for i := 0; i < 10; i++ {
		fires++
		p.runCount++
		if advance(p, now).Outcome == Deactivated {
			break
		}
	}
	if fires != 4 {
		t.Fatalf("expected exactly 4 firings, got %d", fires)
	}
}
