package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// QualityGate vets a task's work before it may move to done.
type QualityGate interface {
	Check(ctx context.Context, t *Task, summary string) error
}

// GateFunc adapts a function to QualityGate.
type GateFunc func(ctx context.Context, t *Task, summary string) error

func (f GateFunc) Check(ctx context.Context, t *Task, summary string) error {
	return f(ctx, t, summary)
}

// CommandGate runs a shell snippet in-process. A non-zero exit status fails
// the gate with a *GateError carrying the combined output. The task is
// exposed through TASK_ID, TASK_TITLE, TASK_ASSIGNEE, TASK_MILESTONE and
// TASK_SUMMARY.
type CommandGate struct {
	Script  string
	Dir     string
	Timeout time.Duration
}

const maxGateOutput = 4096

func (g CommandGate) Check(ctx context.Context, t *Task, summary string) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(g.Script), "gate")
	if err != nil {
		return fmt.Errorf("parse quality gate: %w", err)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := append(os.Environ(),
		"TASK_ID="+t.ID,
		"TASK_TITLE="+t.Title,
		"TASK_ASSIGNEE="+t.Assignee,
		"TASK_MILESTONE="+t.Milestone,
		"TASK_SUMMARY="+summary,
	)
	var out bytes.Buffer
	opts := []interp.RunnerOption{
		interp.StdIO(nil, &out, &out),
		interp.Env(expand.ListEnviron(env...)),
	}
	if g.Dir != "" {
		opts = append(opts, interp.Dir(g.Dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return fmt.Errorf("quality gate: %w", err)
	}

	err = runner.Run(ctx, file)
	if err == nil {
		return nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		output := out.String()
		if len(output) > maxGateOutput {
			output = output[len(output)-maxGateOutput:]
		}
		return &GateError{TaskID: t.ID, Status: int(status), Output: output}
	}
	return fmt.Errorf("quality gate: %w", err)
}
