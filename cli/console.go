package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gammadia/noodles/cli/ui"
	"github.com/gammadia/noodles/scheduler"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

// console renders scheduler events while a run is in progress: a spinner
// with the round progress, or one line per event in verbose mode.
type console struct {
	out     io.Writer
	verbose bool
	spinner *ui.Spinner

	experiments int
	finished    int
	round       int
}

func newConsole(out io.Writer, verbose bool, runID string, experiments int) *console {
	c := &console{out: out, verbose: verbose, experiments: experiments}
	if verbose {
		fmt.Fprintln(out, ui.SectionHeaderColor.Sprintf("  Run %s  ", runID))
	} else {
		c.spinner = ui.NewSpinner(fmt.Sprintf("Starting run '%s'", runID))
	}
	return c
}

func (c *console) handle(event scheduler.Event) {
	switch event := event.(type) {
	case scheduler.EventRoundStarted:
		c.round = event.Round
	case scheduler.EventRoundFinished:
		c.finished = event.Succeeded + event.Failed
	}

	c.spinner.UpdateMessage(c.progress())
	if c.verbose {
		if line, ok := eventLine(event); ok {
			fmt.Fprintln(c.out, line)
		}
	}
}

func (c *console) progress() string {
	if c.round == 0 {
		return "Running global setup"
	}
	return fmt.Sprintf("Round %d (%d/%d experiments done)", c.round, c.finished, c.experiments)
}

// finish stops the spinner with the outcome of the run.
func (c *console) finish(result *scheduler.Result, err error) {
	switch {
	case err != nil:
		c.spinner.Fail(fmt.Sprintf("Run failed: %s", err))
	case result.Aborted:
		c.spinner.Fail("Run aborted")
	case result.Canceled:
		c.spinner.Warn("Run interrupted")
	case result.ErrorFlag:
		c.spinner.Warn("Run finished with errors")
	default:
		c.spinner.Success(fmt.Sprintf("Run finished after %d rounds", result.Rounds))
	}
}

func deployment(experiment, server string) string {
	return experiment + "@" + server
}

// eventLine formats event for verbose output.
func eventLine(event scheduler.Event) (string, bool) {
	switch event := event.(type) {
	case scheduler.EventGlobalCommandFinished:
		if event.Err != nil {
			return ui.FailedColor.Sprintf("✗ %s $ %s: %s", event.Phase, event.Command, event.Err), true
		}
		return ui.SucceededColor.Sprintf("✓ %s $ %s", event.Phase, event.Command), true

	case scheduler.EventRoundStarted:
		line := ui.SectionHeaderColor.Sprintf("  Round %d  ", event.Round) + " ready: " + strings.Join(event.Ready, " ")
		if len(event.Blocked) > 0 {
			line += ui.SkippedColor.Sprintf(" (blocked: %s)", strings.Join(event.Blocked, " "))
		}
		return line, true

	case scheduler.EventServerExcluded:
		return ui.WarningColor.Sprintf("! %s excluded from round %d: %s", event.Server, event.Round, event.Reason), true

	case scheduler.EventDeploymentAdmitted:
		return ui.InfoColor.Sprintf("→ %s admitted", deployment(event.Experiment, event.Server)), true

	case scheduler.EventDeploymentSkipped:
		return ui.SkippedColor.Sprintf("- %s skipped: %s", deployment(event.Experiment, event.Server), event.Reason), true

	case scheduler.EventCommandFinished:
		line := fmt.Sprintf("  %s $ %s → exit %d", deployment(event.Experiment, event.Server), event.Command, event.ReturnCode)
		if event.Action != spec.ActionContinue {
			line += fmt.Sprintf(", %s", event.Action)
		}
		if event.Attempt > 1 {
			line += fmt.Sprintf(", attempt %d", event.Attempt)
		}
		line += fmt.Sprintf(" (%s)", event.Duration.Round(time.Millisecond))
		return lo.Ternary(event.ReturnCode == 0, line, ui.WarningColor.Sprint(line)), true

	case scheduler.EventDeploymentFinished:
		record := event.Record
		name := deployment(record.Experiment, record.Server)
		switch record.Status {
		case scheduler.StatusSucceeded:
			return ui.SucceededColor.Sprintf("✓ %s succeeded (%s)", name, record.EndedAt.Sub(record.StartedAt).Truncate(time.Second)), true
		case scheduler.StatusFailed:
			return ui.FailedColor.Sprintf("✗ %s failed: %s", name, record.Error), true
		}
		return "", false

	case scheduler.EventRoundFinished:
		return fmt.Sprintf("  Round %d finished: %d succeeded, %d failed, %d pending", event.Round, event.Succeeded, event.Failed, event.Pending), true
	}

	return "", false
}
