package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/noodles/graph"
	"github.com/gammadia/noodles/handler"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/scheduler/internal"
	"github.com/gammadia/noodles/spec"
)

var errCanceled = errors.New("run canceled")

// ending is how a deployment finished.
type ending struct {
	status Status
	// outcome of the experiment, Pending leaves it to a later round
	outcome     graph.Outcome
	err         error
	unreachable bool
}

func succeeded() ending {
	return ending{status: StatusSucceeded, outcome: graph.Succeeded}
}

func canceled() ending {
	return ending{status: StatusFailed, outcome: graph.Pending, err: errCanceled}
}

func disconnected(err error) ending {
	return ending{status: StatusFailed, outcome: graph.Pending, err: err, unreachable: true}
}

// deploy locks experiment on server and runs it. It reports whether the
// experiment was admitted, and whether server is still reachable.
func (s *Scheduler) deploy(ctx context.Context, r *run, round int, server spec.Server, experiment *spec.Experiment, env map[string]string) (bool, bool) {
	log := r.log.With("round", round, "server", server.Name, "experiment", experiment.Name)
	record := r.newRecord(experiment.Name, server.Name, round)

	acquired, err := r.locks.Acquire(context.WithoutCancel(ctx), server, experiment.Name)
	if err != nil || !acquired {
		r.unclaim(experiment.Name, server.Name)

		reason := "lock is held by another scheduler"
		if err != nil {
			reason = err.Error()
		}
		log.Info("Deployment skipped", "reason", reason)

		finished := r.update(record, func(record *Record) {
			record.Status = StatusSkipped
			record.EndedAt = time.Now()
			if err != nil {
				record.Error = reason
			}
		})
		s.broadcast(EventDeploymentSkipped{Round: round, Experiment: experiment.Name, Server: server.Name, Reason: reason})
		s.broadcast(EventDeploymentFinished{Record: finished})

		if remote.IsConnectionError(err) {
			s.exclude(r, round, server, err)
			return false, false
		}
		return false, true
	}

	r.hold(record, experiment.PersistLock)
	log.Info("Deployment admitted")
	s.broadcast(EventDeploymentAdmitted{Round: round, Experiment: experiment.Name, Server: server.Name})

	end := s.execute(ctx, r, record, server, experiment, env, log)

	if end.outcome != graph.Pending {
		r.setOutcome(experiment.Name, end.outcome)
	}
	finished := r.update(record, func(record *Record) {
		record.Status = end.status
		record.EndedAt = time.Now()
		if end.err != nil {
			record.Error = end.err.Error()
		}
	})

	switch {
	case end.status == StatusSucceeded:
		log.Info("Deployment succeeded", "attempts", finished.Attempts, "duration", finished.EndedAt.Sub(finished.StartedAt))
	case end.outcome == graph.Failed:
		log.Warn("Experiment failed", "error", end.err, "action", finished.Action)
	default:
		log.Warn("Deployment failed, experiment stays pending", "error", end.err)
	}
	s.broadcast(EventDeploymentFinished{Record: finished})

	if end.unreachable {
		s.exclude(r, round, server, end.err)
		return true, false
	}
	return true, true
}

// execute uploads the inputs, runs the command sequence, and downloads the
// results of a successful sequence.
func (s *Scheduler) execute(ctx context.Context, r *run, record *Record, server spec.Server, experiment *spec.Experiment, env map[string]string, log *slog.Logger) ending {
	gatewayCtx := context.WithoutCancel(ctx)

	for _, upload := range experiment.Uploads {
		if err := s.gateway.Push(gatewayCtx, server, upload.Source, upload.Destination); err != nil {
			if remote.IsConnectionError(err) {
				return disconnected(err)
			}
			return ending{status: StatusFailed, outcome: graph.Failed, err: fmt.Errorf("failed to upload '%s': %w", upload.Source, err)}
		}
	}

	r.update(record, func(record *Record) { record.Status = StatusRunning })

	for i, command := range experiment.Commands {
		if i > 0 && !internal.Sleep(ctx, r.spec.CommandInterval) {
			return canceled()
		}

		end, done := s.command(ctx, r, record, server, experiment, env, command, log)
		if done {
			if end.status == StatusSucceeded {
				s.download(gatewayCtx, r, record, server, experiment, log)
			}
			return end
		}
	}

	s.download(gatewayCtx, r, record, server, experiment, log)
	return succeeded()
}

// command runs one command until the error handlers let the sequence go on.
// done is set when the deployment ends with this command.
func (s *Scheduler) command(ctx context.Context, r *run, record *Record, server spec.Server, experiment *spec.Experiment, env map[string]string, command string, log *slog.Logger) (ending, bool) {
	scheme, script, err := spec.SplitScheme(command)
	if err != nil {
		return ending{status: StatusFailed, outcome: graph.Failed, err: err}, true
	}

	gateway, target := s.gateway, server
	if scheme == spec.SchemeLocal {
		gateway, target = s.local, controller
	}

	for {
		if ctx.Err() != nil {
			return canceled(), true
		}

		result, err := gateway.Exec(context.WithoutCancel(ctx), target, remote.Command{Script: script, Env: env, Timeout: r.spec.CommandTimeout})
		if err != nil {
			return disconnected(err), true
		}

		if experiment.WriteOutput {
			if err := r.collector.Command(experiment.Name, server.Name, record.Round, command, result); err != nil {
				log.Warn("Failed to write command output", "error", err)
			}
		}

		decision := handler.Evaluate(experiment.ErrorHandlers, result)
		if decision.Flags() && r.spec.CheckAnyErrors {
			r.raise()
		}
		attempt := r.update(record, func(record *Record) {
			record.Attempts++
			record.ExitCode = result.ReturnCode
			record.Action = decision.Action
		}).Attempts

		log.Debug("Command finished", "command", command, "exit-code", result.ReturnCode, "duration", result.Duration, "decision", decision)
		s.broadcast(EventCommandFinished{
			Round:      record.Round,
			Experiment: experiment.Name,
			Server:     server.Name,
			Command:    command,
			Attempt:    attempt,
			ReturnCode: result.ReturnCode,
			Duration:   result.Duration,
			Action:     decision.Action,
		})

		switch decision.Action {
		case spec.ActionContinue:
			return ending{}, false

		case spec.ActionIgnore:
			return succeeded(), true

		case spec.ActionRetry:
			if r.fail(experiment.Name, server.Name, experiment.MaxAttempts) {
				err := fmt.Errorf("command '%s' still failing after %d attempts (exit code %d)", command, experiment.MaxAttempts, result.ReturnCode)
				if r.exhaust(experiment.Name, server.Name) {
					return ending{status: StatusFailed, outcome: graph.Failed, err: err}, true
				}
				return ending{status: StatusFailed, outcome: graph.Pending, err: err}, true
			}

			log.Info("Retrying command", "command", command, "exit-code", result.ReturnCode)
			r.update(record, func(record *Record) { record.Status = StatusRetrying })
			if !internal.Sleep(ctx, r.spec.CommandInterval) {
				return canceled(), true
			}
			r.update(record, func(record *Record) { record.Status = StatusRunning })

		case spec.ActionAbortAll:
			log.Error("Aborting the run", "command", command, "exit-code", result.ReturnCode, "decision", decision)
			r.abortAll()
			return ending{status: StatusFailed, outcome: graph.Failed, err: fmt.Errorf("command '%s' aborted the run (exit code %d)", command, result.ReturnCode)}, true

		default:
			return ending{status: StatusFailed, outcome: graph.Failed, err: fmt.Errorf("command '%s' failed (exit code %d)", command, result.ReturnCode)}, true
		}
	}
}

func (s *Scheduler) download(ctx context.Context, r *run, record *Record, server spec.Server, experiment *spec.Experiment, log *slog.Logger) {
	for _, download := range experiment.Downloads {
		destination := r.collector.DownloadPath(experiment.Name, server.Name, download)
		if err := s.gateway.Pull(ctx, server, download.Source, destination); err != nil {
			log.Warn("Failed to download", "source", download.Source, "error", err)
			r.update(record, func(record *Record) { record.Error = fmt.Sprintf("failed to download '%s': %s", download.Source, err) })
			if r.spec.CheckAnyErrors {
				r.raise()
			}
			continue
		}
		log.Debug("Downloaded", "source", download.Source, "destination", destination)
	}
}
