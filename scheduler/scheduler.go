package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/noodles/graph"
	"github.com/gammadia/noodles/lock"
	"github.com/gammadia/noodles/output"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/requirement"
	"github.com/gammadia/noodles/scheduler/internal"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Phase of the global commands.
type Phase string

const (
	PhaseSetup   Phase = "before_all"
	PhaseCleanup Phase = "after_all"
)

// controller is the machine running noodles, for global and "local:" commands.
var controller = spec.Server{Name: "localhost", Hostname: "localhost"}

type Scheduler struct {
	gateway remote.Gateway
	local   remote.Gateway
	config  Config
	log     *slog.Logger

	listeners      []chan Event
	listenersMutex sync.RWMutex
}

// New returns a scheduler deploying through gateway. local runs global
// commands and commands with the "local:" scheme.
func New(gateway remote.Gateway, local remote.Gateway, config Config) *Scheduler {
	return &Scheduler{
		gateway: gateway,
		local:   local,
		config:  config,
		log:     config.Logger.With("component", "scheduler"),
	}
}

// Subscribe returns a channel of every event published from now on. Events
// are dropped when the subscriber does not keep up.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.listenersMutex.Lock()
	defer s.listenersMutex.Unlock()

	channel := make(chan Event, 1024)
	s.listeners = append(s.listeners, channel)

	return channel, func() {
		s.listenersMutex.Lock()
		defer s.listenersMutex.Unlock()

		for i, listener := range s.listeners {
			if listener == channel {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				close(channel)
				return
			}
		}
	}
}

func (s *Scheduler) broadcast(event Event) {
	s.listenersMutex.RLock()
	defer s.listenersMutex.RUnlock()

	for _, listener := range s.listeners {
		select {
		case listener <- event:
		default:
			s.log.Warn("Event listener is full, dropping event", "event", fmt.Sprintf("%T", event))
		}
	}
}

// Run executes the selected action of s until every experiment has an
// outcome, an abort_all decision fires, ctx is cancelled, or the round budget
// is spent. It only returns an error for configuration errors, which are
// detected before any command runs, and for a failed global setup.
func (s *Scheduler) Run(ctx context.Context, sp *spec.Spec) (*Result, error) {
	if err := validatePacing(sp); err != nil {
		return nil, &spec.ConfigurationError{Err: err}
	}
	g, err := graph.New(sp.Experiments)
	if err != nil {
		return nil, &spec.ConfigurationError{Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := s.log.With("run", s.config.RunID)
	r := &run{
		id:        s.config.RunID,
		spec:      sp,
		graph:     g,
		evaluator: requirement.New(s.gateway, sp.Probes, log),
		locks:     lock.New(s.gateway, sp.LockDir, s.config.RunID, log),
		collector: output.New(sp.OutputDir, s.config.RunID, log),
		startedAt: time.Now(),
		abort:     cancel,
		log:       log,
		outcomes: lo.SliceToMap(sp.Experiments, func(e spec.Experiment) (string, graph.Outcome) {
			return e.Name, graph.Pending
		}),
		failures:  map[pair]int{},
		exhausted: map[pair]bool{},
	}

	log.Info("Run started", "name", sp.Name, "action", sp.Action, "experiments", len(sp.Experiments), "servers", len(sp.Servers))

	var runErr error
	if err := s.global(ctx, r, PhaseSetup, sp.BeforeAll); err != nil {
		runErr = fmt.Errorf("global setup failed: %w", err)
		r.raise()
		log.Error("Global setup failed, skipping every round", "error", err)
	} else {
		s.rounds(ctx, r)
	}
	canceled := ctx.Err() != nil

	// Cleanup also runs after an abort or a cancellation
	if err := s.global(context.WithoutCancel(ctx), r, PhaseCleanup, sp.AfterAll); err != nil {
		log.Error("Global cleanup failed", "error", err)
		if sp.CheckAnyErrors {
			r.raise()
		}
	}

	result := r.result(canceled)
	log.Info("Run finished",
		"rounds", result.Rounds,
		"succeeded", result.Count(ExperimentSucceeded),
		"failed", result.Count(ExperimentFailed),
		"pending", result.Count(ExperimentPending)+result.Count(ExperimentBlocked),
		"error-flag", result.ErrorFlag,
	)

	if sp.StatusPath != "" {
		if err := output.WriteReport(sp.StatusPath, result.Report(runErr)); err != nil {
			log.Error("Failed to write status report", "path", sp.StatusPath, "error", err)
		}
	}

	s.broadcast(EventRunFinished{Result: result})
	return result, runErr
}

// global runs the before_all or after_all commands on the controller. Setup
// stops at the first failure; cleanup runs every command.
func (s *Scheduler) global(ctx context.Context, r *run, phase Phase, commands []string) error {
	env := r.globalEnv(phase == PhaseCleanup)
	log := r.log.With("phase", phase)

	var errs []error
	for _, command := range commands {
		if ctx.Err() != nil {
			return fmt.Errorf("run canceled: %w", ctx.Err())
		}

		// The scheme is meaningless for global commands, they always run locally
		_, script, err := spec.SplitScheme(command)
		if err != nil {
			return err
		}

		result, err := s.local.Exec(context.WithoutCancel(ctx), controller, remote.Command{Script: script, Env: env, Timeout: r.spec.CommandTimeout})
		if err == nil && !result.Success() {
			err = fmt.Errorf("command '%s' exited with code %d: %s", command, result.ReturnCode, strings.TrimSpace(result.Stderr))
		}
		s.broadcast(EventGlobalCommandFinished{Phase: phase, Command: command, ReturnCode: result.ReturnCode, Err: err})

		if err != nil {
			if phase == PhaseSetup {
				return err
			}
			log.Warn("Global command failed", "command", command, "error", err)
			errs = append(errs, err)
			continue
		}
		log.Debug("Global command succeeded", "command", command, "duration", result.Duration)
	}

	return errors.Join(errs...)
}

func (s *Scheduler) rounds(ctx context.Context, r *run) {
	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return
		}
		if r.spec.MaxRounds > 0 && round > r.spec.MaxRounds {
			r.log.Warn("Round budget is spent", "max-rounds", r.spec.MaxRounds)
			return
		}

		// Experiments unblocked during a round wait for the next one
		outcomes := r.snapshot()
		ready := r.graph.Ready(outcomes)
		if len(ready) == 0 {
			return
		}

		if round > 1 && !internal.Sleep(ctx, r.spec.RoundInterval) {
			return
		}
		s.round(ctx, r, round, ready, r.graph.Blocked(outcomes))
	}
}

func (s *Scheduler) round(ctx context.Context, r *run, round int, ready []string, blocked []string) {
	r.startRound(round)
	log := r.log.With("round", round)
	log.Info("Round started", "ready", ready, "blocked", blocked)
	s.broadcast(EventRoundStarted{Round: round, Ready: ready, Blocked: blocked})

	experiments := lo.FilterMap(ready, func(name string, _ int) (*spec.Experiment, bool) {
		experiment, _ := r.spec.Experiment(name)
		if experiment.Empty() {
			log.Info("Nothing to run, experiment succeeded", "experiment", name)
			r.setOutcome(name, graph.Succeeded)
			return nil, false
		}
		return experiment, true
	})

	start := time.Now()
	var group errgroup.Group
	for i, server := range r.spec.Servers {
		group.Go(func() error {
			if internal.Sleep(ctx, time.Until(start.Add(internal.StartOffset(i, r.spec.DeploymentInterval)))) {
				s.serve(ctx, r, round, server, experiments)
			}
			return nil
		})
	}
	_ = group.Wait()

	s.releaseLocks(ctx, r)

	counts := map[graph.Outcome]int{}
	for _, outcome := range r.snapshot() {
		counts[outcome]++
	}
	log.Info("Round finished", "succeeded", counts[graph.Succeeded], "failed", counts[graph.Failed], "pending", counts[graph.Pending])
	s.broadcast(EventRoundFinished{
		Round:     round,
		Succeeded: counts[graph.Succeeded],
		Failed:    counts[graph.Failed],
		Pending:   counts[graph.Pending],
	})
}

// serve walks the ready experiments in declaration order on behalf of
// server, and deploys those it is eligible for and no other server took.
func (s *Scheduler) serve(ctx context.Context, r *run, round int, server spec.Server, experiments []*spec.Experiment) {
	log := r.log.With("round", round, "server", server.Name)
	admitted := 0

	for _, experiment := range experiments {
		if ctx.Err() != nil || internal.Slots(r.spec.DeploymentsPerServer, admitted) == 0 {
			return
		}
		if !r.available(experiment.Name, server.Name) {
			continue
		}

		env := r.env(round, experiment, server)
		report := r.evaluator.Eligible(context.WithoutCancel(ctx), server, env, experiment.Requirements)
		if report.Unreachable {
			s.exclude(r, round, server, report.Err)
			return
		}
		if !report.Satisfied {
			reason := "requirements are not satisfied"
			if diagnostic, ok := report.Failed(); ok {
				reason = diagnostic.String()
			}
			log.Debug("Server is not eligible", "experiment", experiment.Name, "reason", reason)
			s.broadcast(EventDeploymentSkipped{Round: round, Experiment: experiment.Name, Server: server.Name, Reason: reason})
			continue
		}

		if !r.claim(experiment.Name, server.Name) {
			continue
		}

		deployed, reachable := s.deploy(ctx, r, round, server, experiment, env)
		if deployed {
			admitted++
		}
		if !reachable {
			return
		}
	}
}

func (s *Scheduler) exclude(r *run, round int, server spec.Server, err error) {
	if !r.exclude(server.Name) {
		return
	}

	reason := lo.Ternary(err != nil, fmt.Sprint(err), "unreachable")
	r.log.Warn("Server excluded for this round", "round", round, "server", server.Name, "reason", reason)
	s.broadcast(EventServerExcluded{Round: round, Server: server.Name, Reason: reason})
}

func (s *Scheduler) releaseLocks(ctx context.Context, r *run) {
	for _, held := range r.heldLocks() {
		if r.persists(held) {
			r.log.Debug("Lock marker persists", "experiment", held.experiment, "server", held.server)
			continue
		}

		server := lo.Must(lo.Find(r.spec.Servers, func(s spec.Server) bool { return s.Name == held.server }))
		if err := r.locks.Release(context.WithoutCancel(ctx), server, held.experiment); err != nil {
			r.log.Error("Failed to release lock", "experiment", held.experiment, "server", held.server, "error", err)
			continue
		}
		r.update(held.record, func(record *Record) { record.LockHeld = false })
	}
}
