package monitor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dohr-michael/conductor/internal/teams"
)

// defaultIdlePatterns recognise a terminal waiting on its operator: a bare
// prompt at the end of output, completion phrases, explicit waits and
// confirmation prompts.
var defaultIdlePatterns = []string{
	`(?m)^\s*[>❯›$#%]\s*\z`,
	`(?i)waiting for (your )?(input|instructions|response)`,
	`(?i)\b(task|work|job)s? (is |are )?(complete|completed|done|finished)\b`,
	`(?i)ready for (the )?(next|new) (task|instructions?)`,
	`(?i)(\(|\[)y/n(\)|\])`,
	`(?i)do you want to (proceed|continue)\?`,
	`(?i)press enter to continue`,
	`(?i)\? for shortcuts`,
}

// Patterns is a compiled idle-pattern set.
type Patterns []*regexp.Regexp

// CompilePatterns returns the default idle patterns plus extra.
func CompilePatterns(extra []string) (Patterns, error) {
	all := append(append([]string(nil), defaultIdlePatterns...), extra...)
	out := make(Patterns, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("idle pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// DefaultPatterns returns the built-in idle patterns.
func DefaultPatterns() Patterns {
	p, _ := CompilePatterns(nil)
	return p
}

// Classification is the verdict for one captured snapshot.
type Classification struct {
	IsIdle           bool
	ActivityDetected bool
}

// WorkingStatus maps the classification to a member working status.
func (c Classification) WorkingStatus() teams.WorkingStatus {
	if c.ActivityDetected {
		return teams.WorkingInProgress
	}
	return teams.WorkingIdle
}

// Classify compares output against the previous snapshot. Output matching
// any idle pattern is idle whether or not it changed.
func Classify(output, previous string, patterns Patterns) Classification {
	idle := false
	for _, re := range patterns {
		if re.MatchString(output) {
			idle = true
			break
		}
	}
	return Classification{
		IsIdle:           idle,
		ActivityDetected: output != previous && !idle,
	}
}

// normalize strips trailing whitespace per line; pane resizes pad lines.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
