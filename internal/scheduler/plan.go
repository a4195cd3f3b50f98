package scheduler

import "time"

// Outcome is the state a schedule reaches after it fired.
type Outcome int

const (
	Rearmed Outcome = iota
	Deactivated
)

func (o Outcome) String() string {
	if o == Rearmed {
		return "rearmed"
	}
	return "deactivated"
}

// plan is the recurrence-relevant view of a schedule after a firing.
type plan struct {
	active         bool
	recurring      bool
	interval       time.Duration
	cron           *CronExpr
	maxOccurrences int
	runCount       int
}

// Transition is the result of advance.
type Transition struct {
	Outcome Outcome
	Next    time.Time
}

// advance decides what a schedule does after a firing that brought its run
// count to p.runCount. Delivery, successful or not, counts as a firing.
func advance(p plan, now time.Time) Transition {
	if !p.active || !p.recurring {
		return Transition{Outcome: Deactivated}
	}
	if p.maxOccurrences > 0 && p.runCount >= p.maxOccurrences {
		return Transition{Outcome: Deactivated}
	}
	if p.cron != nil {
		return Transition{Outcome: Rearmed, Next: p.cron.Next(now)}
	}
	if p.interval <= 0 {
		return Transition{Outcome: Deactivated}
	}
	return Transition{Outcome: Rearmed, Next: now.Add(p.interval)}
}

func messagePlan(m *ScheduledMessage) plan {
	p := plan{
		active:         m.IsActive,
		recurring:      m.IsRecurring,
		interval:       m.delay(),
		maxOccurrences: m.MaxOccurrences,
		runCount:       m.RunCount,
	}
	if m.CronSpec != "" {
		p.cron, _ = ParseCron(m.CronSpec)
	}
	return p
}

func checkInPlan(c *CheckIn) plan {
	return plan{
		active:         c.IsActive,
		recurring:      c.Recurring(),
		interval:       time.Duration(c.IntervalMinutes) * time.Minute,
		maxOccurrences: c.MaxOccurrences,
		runCount:       c.RunCount,
	}
}
