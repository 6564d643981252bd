package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/noodles/scheduler"
	"github.com/gammadia/noodles/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestEventLine(t *testing.T) {
	startedAt := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	for _, test := range []struct {
		name  string
		event scheduler.Event
		line  string
	}{
		{
			"global command",
			scheduler.EventGlobalCommandFinished{Phase: scheduler.PhaseSetup, Command: "mkdir -p out"},
			"✓ before_all $ mkdir -p out",
		},
		{
			"failed global command",
			scheduler.EventGlobalCommandFinished{Phase: scheduler.PhaseCleanup, Command: "false", ReturnCode: 1, Err: errors.New("exited with code 1")},
			"✗ after_all $ false: exited with code 1",
		},
		{
			"round started",
			scheduler.EventRoundStarted{Round: 2, Ready: []string{"exp2", "exp3"}, Blocked: []string{"exp4"}},
			"  Round 2   ready: exp2 exp3 (blocked: exp4)",
		},
		{
			"server excluded",
			scheduler.EventServerExcluded{Round: 1, Server: "gpu2", Reason: "connection refused"},
			"! gpu2 excluded from round 1: connection refused",
		},
		{
			"admitted",
			scheduler.EventDeploymentAdmitted{Round: 1, Experiment: "exp1", Server: "gpu1"},
			"→ exp1@gpu1 admitted",
		},
		{
			"skipped",
			scheduler.EventDeploymentSkipped{Round: 1, Experiment: "exp1", Server: "gpu2", Reason: "lock is held by another scheduler"},
			"- exp1@gpu2 skipped: lock is held by another scheduler",
		},
		{
			"command",
			scheduler.EventCommandFinished{Experiment: "exp1", Server: "gpu1", Command: "python train.py", Attempt: 1, Duration: 1500 * time.Millisecond, Action: spec.ActionContinue},
			"  exp1@gpu1 $ python train.py → exit 0 (1.5s)",
		},
		{
			"retried command",
			scheduler.EventCommandFinished{Experiment: "exp1", Server: "gpu1", Command: "python train.py", Attempt: 3, ReturnCode: 1, Duration: time.Second, Action: spec.ActionRetry},
			"  exp1@gpu1 $ python train.py → exit 1, retry, attempt 3 (1s)",
		},
		{
			"succeeded",
			scheduler.EventDeploymentFinished{Record: scheduler.Record{Experiment: "exp1", Server: "gpu1", Status: scheduler.StatusSucceeded, StartedAt: startedAt, EndedAt: startedAt.Add(61 * time.Second)}},
			"✓ exp1@gpu1 succeeded (1m1s)",
		},
		{
			"failed",
			scheduler.EventDeploymentFinished{Record: scheduler.Record{Experiment: "exp1", Server: "gpu1", Status: scheduler.StatusFailed, Error: "command 'train' failed (exit code 2)"}},
			"✗ exp1@gpu1 failed: command 'train' failed (exit code 2)",
		},
		{
			"round finished",
			scheduler.EventRoundFinished{Round: 1, Succeeded: 2, Failed: 1, Pending: 3},
			"  Round 1 finished: 2 succeeded, 1 failed, 3 pending",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			line, ok := eventLine(test.event)
			require.True(t, ok)
			assert.Equal(t, test.line, line)
		})
	}
}

func TestEventLine_Silent(t *testing.T) {
	for _, event := range []scheduler.Event{
		scheduler.EventDeploymentFinished{Record: scheduler.Record{Status: scheduler.StatusSkipped}},
		scheduler.EventRunFinished{},
	} {
		_, ok := eventLine(event)
		assert.False(t, ok)
	}
}

func TestConsole_Verbose(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf, true, "bench-1", 2)

	c.handle(scheduler.EventRoundStarted{Round: 1, Ready: []string{"exp1"}})
	c.handle(scheduler.EventDeploymentAdmitted{Round: 1, Experiment: "exp1", Server: "gpu1"})
	c.handle(scheduler.EventRoundFinished{Round: 1, Succeeded: 1, Pending: 1})
	c.finish(&scheduler.Result{Rounds: 1}, nil)

	assert.Equal(t, "  Run bench-1  \n  Round 1   ready: exp1\n→ exp1@gpu1 admitted\n  Round 1 finished: 1 succeeded, 0 failed, 1 pending\n", buf.String())
	assert.Equal(t, "Round 1 (1/2 experiments done)", c.progress())
}
