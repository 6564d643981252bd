package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/noodles/graph"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/remote/fake"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestConfig() Config {
	return Config{
		Logger: slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
		RunID:  "test-run",
	}
}

var (
	gpu1 = spec.Server{Name: "gpu1", Hostname: "gpu1.lab", Port: 22, Username: "lab"}
	gpu2 = spec.Server{Name: "gpu2", Hostname: "gpu2.lab", Port: 2222}
)

func newTestSpec(t *testing.T, experiments ...spec.Experiment) *spec.Spec {
	return &spec.Spec{
		Name:                 "test",
		Action:               "run",
		Servers:              []spec.Server{gpu1},
		Experiments:          experiments,
		DeploymentsPerServer: 1,
		LockDir:              "/tmp/noodles-locks",
		OutputDir:            t.TempDir(),
	}
}

func experiment(name string, commands ...string) spec.Experiment {
	return spec.Experiment{Name: name, Commands: commands}
}

func after(e spec.Experiment, dependencies ...string) spec.Experiment {
	e.DependsOn = dependencies
	return e
}

func newTestScheduler(gateway *fake.Gateway, local *fake.Gateway) *Scheduler {
	return New(gateway, local, newTestConfig())
}

func mustRun(t *testing.T, s *Scheduler, sp *spec.Spec) *Result {
	t.Helper()
	result, err := s.Run(context.Background(), sp)
	require.NoError(t, err)
	return result
}

func state(t *testing.T, result *Result, name string) ExperimentState {
	t.Helper()
	experiment, ok := result.Experiment(name)
	require.True(t, ok, "experiment %s is not in the result", name)
	return experiment.State
}

func waitForEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-time.After(5 * time.Second):
			var zero T
			t.Fatalf("timed out waiting for event %T", zero)
			return zero
		}
	}
}

// collectEvents drains the events published so far.
func collectEvents[T Event](events <-chan Event) []T {
	var collected []T
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				collected = append(collected, typed)
			}
		default:
			return collected
		}
	}
}

func firstIndex(calls []fake.Call, script string) int {
	return slices.IndexFunc(calls, func(c fake.Call) bool { return c.Script == script })
}

func lastIndex(calls []fake.Call, script string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Script == script {
			return i
		}
	}
	return -1
}

// --- Dependencies ---

func TestRunDependenciesBeforeRunning(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())

	sp := newTestSpec(t,
		experiment("prepare", "make data"),
		after(experiment("train", "python train.py"), "prepare"),
		after(experiment("evaluate", "python eval.py"), "train", "prepare"),
		experiment("standalone", "echo hi"),
	)
	sp.Servers = []spec.Server{gpu1, gpu2}
	sp.DeploymentsPerServer = 0

	result := mustRun(t, s, sp)
	for _, name := range []string{"prepare", "train", "evaluate", "standalone"} {
		assert.Equal(t, ExperimentSucceeded, state(t, result, name))
	}
	assert.Equal(t, 3, result.Rounds)

	calls := gateway.Calls()
	assert.Greater(t, firstIndex(calls, "python train.py"), lastIndex(calls, "make data"))
	assert.Greater(t, firstIndex(calls, "python eval.py"), lastIndex(calls, "python train.py"))

	rounds := lo.SliceToMap(result.Records, func(r Record) (string, int) { return r.Experiment, r.Round })
	assert.Equal(t, map[string]int{"prepare": 1, "standalone": 1, "train": 2, "evaluate": 3}, rounds)
}

func TestRunNextRoundPromotion(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())
	events, unsub := s.Subscribe()
	defer unsub()

	sp := newTestSpec(t, experiment("exp1", "echo one"), after(experiment("exp2", "echo two"), "exp1"))
	sp.DeploymentsPerServer = 0

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "exp1"))
	assert.Equal(t, ExperimentSucceeded, state(t, result, "exp2"))
	assert.Equal(t, 2, result.Rounds)

	first := waitForEvent[EventRoundStarted](t, events)
	assert.Equal(t, 1, first.Round)
	assert.Equal(t, []string{"exp1"}, first.Ready)

	second := waitForEvent[EventRoundStarted](t, events)
	assert.Equal(t, 2, second.Round)
	assert.Equal(t, []string{"exp2"}, second.Ready)

	require.Len(t, result.Deployments("exp2"), 1)
	assert.Equal(t, 2, result.Deployments("exp2")[0].Round)
}

func TestRunCycleRejectedBeforeRoundZero(t *testing.T) {
	gateway, local := fake.New(), fake.New()
	s := newTestScheduler(gateway, local)

	sp := newTestSpec(t, after(experiment("A", "echo a"), "B"), after(experiment("B", "echo b"), "A"))
	sp.BeforeAll = []string{"echo setup"}

	result, err := s.Run(context.Background(), sp)
	assert.Nil(t, result)

	var configErr *spec.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	var cycleErr *graph.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"A", "B"}, cycleErr.Members)
	assert.Contains(t, err.Error(), "{A, B}")

	assert.Empty(t, gateway.Calls())
	assert.Empty(t, local.Calls())
}

func TestRunBlockedByFailedDependency(t *testing.T) {
	gateway := fake.New().On("make data", fake.Exit(2, "disk full"))
	s := newTestScheduler(gateway, fake.New())

	sp := newTestSpec(t, experiment("prepare", "make data"), after(experiment("train", "python train.py"), "prepare"))

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentFailed, state(t, result, "prepare"))
	assert.Equal(t, ExperimentBlocked, state(t, result, "train"))
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, 0, gateway.Count("python train.py"))
}

func TestRunEmptyExperimentSucceeds(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())

	sp := newTestSpec(t, experiment("nothing"), after(experiment("train", "python train.py"), "nothing"))

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "nothing"))
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	assert.Empty(t, result.Deployments("nothing"))
	assert.Equal(t, 2, result.Rounds)
}

// --- Admission ---

func TestRunConcurrentSchedulers(t *testing.T) {
	markers := fake.NewMarkers()
	gateways := []*fake.Gateway{fake.New(), fake.New()}
	for _, gateway := range gateways {
		gateway.Markers = markers
		gateway.On("python train.py", fake.Delay(300*time.Millisecond, fake.Output("done")))
	}

	var wg sync.WaitGroup
	results := make([]*Result, len(gateways))
	errs := make([]error, len(gateways))
	for i, gateway := range gateways {
		sp := newTestSpec(t, experiment("train", "python train.py"))
		sp.MaxRounds = 1

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = newTestScheduler(gateway, fake.New()).Run(context.Background(), sp)
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	records := append(results[0].Records, results[1].Records...)
	statuses := lo.Map(records, func(r Record, _ int) Status { return r.Status })
	assert.ElementsMatch(t, []Status{StatusSucceeded, StatusSkipped}, statuses)
	assert.Equal(t, 1, gateways[0].Count("python train.py")+gateways[1].Count("python train.py"))

	_, held := markers.Holder("gpu1", "/tmp/noodles-locks/train.lock")
	assert.False(t, held, "the lock is released at the end of the round")
}

func TestRunLockHeldElsewhere(t *testing.T) {
	gateway := fake.New()
	gateway.Markers.Set("gpu1", "/tmp/noodles-locks/train.lock", "other-run@lab")
	s := newTestScheduler(gateway, fake.New())
	events, unsub := s.Subscribe()
	defer unsub()

	sp := newTestSpec(t, experiment("train", "python train.py"))
	sp.MaxRounds = 2

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentPending, state(t, result, "train"))
	assert.Equal(t, 0, gateway.Count("python train.py"))

	records := result.Deployments("train")
	require.Len(t, records, 2)
	assert.Equal(t, StatusSkipped, records[0].Status)
	assert.False(t, records[0].LockHeld)

	skipped := waitForEvent[EventDeploymentSkipped](t, events)
	assert.Equal(t, "lock is held by another scheduler", skipped.Reason)

	holder, _ := gateway.Markers.Holder("gpu1", "/tmp/noodles-locks/train.lock")
	assert.Equal(t, "other-run@lab", holder, "a foreign marker is left alone")
}

func TestRunPersistLock(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())

	persisted := experiment("train", "python train.py")
	persisted.PersistLock = true
	sp := newTestSpec(t, persisted, experiment("evaluate", "python eval.py"))
	sp.DeploymentsPerServer = 0

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))

	holder, held := gateway.Markers.Holder("gpu1", "/tmp/noodles-locks/train.lock")
	assert.True(t, held)
	assert.Contains(t, holder, "test-run@")
	assert.True(t, result.Deployments("train")[0].LockHeld)

	_, held = gateway.Markers.Holder("gpu1", "/tmp/noodles-locks/evaluate.lock")
	assert.False(t, held)
	assert.False(t, result.Deployments("evaluate")[0].LockHeld)
}

func TestRunPersistLockReleasedWhilePending(t *testing.T) {
	lost := func(server spec.Server, _ remote.Command) (remote.Result, error) {
		return remote.Result{}, &remote.ConnectionError{Server: server.Name, Err: errors.New("connection reset by peer")}
	}
	gateway := fake.New().On("python train.py", fake.Sequence(lost, fake.Output("done")))
	s := newTestScheduler(gateway, fake.New())

	persisted := experiment("train", "python train.py")
	persisted.PersistLock = true
	sp := newTestSpec(t, persisted)
	sp.MaxRounds = 4

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	assert.Equal(t, 2, gateway.Count("python train.py"))

	records := result.Deployments("train")
	require.Len(t, records, 2)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.False(t, records[0].LockHeld, "released while the experiment is pending")
	assert.Equal(t, StatusSucceeded, records[1].Status)
	assert.Equal(t, 2, records[1].Round)
	assert.True(t, records[1].LockHeld)

	_, held := gateway.Markers.Holder("gpu1", "/tmp/noodles-locks/train.lock")
	assert.True(t, held)
}

func TestRunClaimsExperimentOncePerRound(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())

	sp := newTestSpec(t, experiment("train", "python train.py"))
	sp.Servers = []spec.Server{gpu1, gpu2}
	sp.DeploymentsPerServer = 0

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	assert.Equal(t, 1, gateway.Count("python train.py"))
	assert.Len(t, result.Records, 1)
}

func TestRunDeploymentsPerServer(t *testing.T) {
	tests := []struct {
		limit  int
		rounds int
	}{
		{limit: 1, rounds: 3},
		{limit: 2, rounds: 2},
		{limit: 0, rounds: 1},
	}

	for _, tt := range tests {
		s := newTestScheduler(fake.New(), fake.New())
		sp := newTestSpec(t, experiment("a", "echo a"), experiment("b", "echo b"), experiment("c", "echo c"))
		sp.DeploymentsPerServer = tt.limit

		result := mustRun(t, s, sp)
		assert.Equal(t, 3, result.Count(ExperimentSucceeded))
		assert.Equal(t, tt.rounds, result.Rounds, "deployments_per_server: %d", tt.limit)
	}
}

func TestRunStaggersServers(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())

	sp := newTestSpec(t, experiment("a", "echo a"), experiment("b", "echo b"))
	sp.Servers = []spec.Server{gpu1, gpu2}
	sp.DeploymentInterval = 200 * time.Millisecond

	result := mustRun(t, s, sp)
	assert.Equal(t, 2, result.Count(ExperimentSucceeded))
	assert.Equal(t, 1, result.Rounds)

	calls := gateway.Calls()
	first, _ := lo.Find(calls, func(c fake.Call) bool { return c.Server == "gpu1" })
	second, _ := lo.Find(calls, func(c fake.Call) bool { return c.Server == "gpu2" })
	assert.GreaterOrEqual(t, second.At.Sub(first.At), 150*time.Millisecond)
}

// --- Requirements & connectivity ---

func TestRunUnreachableServerExcluded(t *testing.T) {
	gateway := fake.New().On("/proc/stat", fake.Output("10"))
	gateway.SetUnreachable("gpu1", true)
	s := newTestScheduler(gateway, fake.New())
	events, unsub := s.Subscribe()
	defer unsub()

	train := experiment("train", "python train.py")
	train.Requirements = []spec.Requirement{lo.Must(spec.ParseRequirement("cpu_usage <= 50"))}
	sp := newTestSpec(t, train)
	sp.Servers = []spec.Server{gpu1, gpu2}

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	require.Len(t, result.Records, 1)
	assert.Equal(t, "gpu2", result.Records[0].Server)

	excluded := waitForEvent[EventServerExcluded](t, events)
	assert.Equal(t, "gpu1", excluded.Server)
	assert.Equal(t, 1, excluded.Round)
}

func TestRunUnreachableOnlyServer(t *testing.T) {
	gateway := fake.New()
	gateway.SetUnreachable("gpu1", true)
	s := newTestScheduler(gateway, fake.New())
	events, unsub := s.Subscribe()
	defer unsub()

	train := experiment("train", "python train.py")
	train.Requirements = []spec.Requirement{lo.Must(spec.ParseRequirement("cpu_usage <= 50"))}
	sp := newTestSpec(t, train)
	sp.MaxRounds = 3

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentPending, state(t, result, "train"))
	assert.Equal(t, 3, result.Rounds)
	assert.Empty(t, result.Records)
	assert.Len(t, collectEvents[EventServerExcluded](events), 3, "excluded again every round")
}

func TestRunRequirementNotSatisfied(t *testing.T) {
	gateway := fake.New().On("nvidia-smi", fake.Sequence(fake.Output("95\n90"), fake.Output("5\n0")))
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "python train.py")
	train.Requirements = []spec.Requirement{lo.Must(spec.ParseRequirement("gpu_usage < 20"))}
	sp := newTestSpec(t, train)

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	assert.Equal(t, 2, result.Rounds, "probed again in the next round")
	assert.Equal(t, 2, gateway.Count("nvidia-smi"))
}

func TestRunConnectionLostDuringCommand(t *testing.T) {
	lost := func(server spec.Server, _ remote.Command) (remote.Result, error) {
		return remote.Result{}, &remote.ConnectionError{Server: server.Name, Err: errors.New("connection reset by peer")}
	}
	gateway := fake.New().On("python train.py", fake.Sequence(lost, fake.Output("done")))
	s := newTestScheduler(gateway, fake.New())

	result := mustRun(t, s, newTestSpec(t, experiment("train", "python train.py")))
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))

	records := result.Deployments("train")
	require.Len(t, records, 2)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "connection reset by peer")
	assert.Equal(t, StatusSucceeded, records[1].Status)
	assert.Equal(t, 2, records[1].Round)
}

// --- Error handlers ---

func TestRunRuleOrder(t *testing.T) {
	gateway := fake.New().On("python train.py", fake.Exit(1, "OOM"))
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "python train.py")
	train.ErrorHandlers = []spec.Rule{
		spec.MustRule("oom", spec.StreamStderr, "OOM", spec.ActionAbortExperiment),
		spec.MustRule("flaky", spec.StreamReturnCode, "!= 0", spec.ActionRetry),
	}

	result := mustRun(t, s, newTestSpec(t, train))
	assert.Equal(t, ExperimentFailed, state(t, result, "train"))
	assert.Equal(t, 1, gateway.Count("python train.py"))
	assert.Equal(t, spec.ActionAbortExperiment, result.Records[0].Action)
}

func TestRunRetryUntilAttemptCap(t *testing.T) {
	gateway := fake.New().On("python train.py", fake.Exit(1, "flaky"))
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "python train.py")
	train.ErrorHandlers = []spec.Rule{spec.MustRule("", spec.StreamReturnCode, "!= 0", spec.ActionRetry)}
	train.MaxAttempts = 5

	result := mustRun(t, s, newTestSpec(t, train))
	assert.Equal(t, ExperimentFailed, state(t, result, "train"))
	assert.Equal(t, 5, gateway.Count("python train.py"))
	assert.Equal(t, 0, gateway.Overlaps())

	require.Len(t, result.Records, 1)
	assert.Equal(t, 5, result.Records[0].Attempts)
	assert.Equal(t, 1, result.Records[0].ExitCode)
	assert.Contains(t, result.Records[0].Error, "after 5 attempts")
}

func TestRunRetryUntilCanceled(t *testing.T) {
	gateway := fake.New().On("python train.py", fake.Exit(1, "flaky"))
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "python train.py")
	train.ErrorHandlers = []spec.Rule{spec.MustRule("", spec.StreamReturnCode, "!= 0", spec.ActionRetry)}
	sp := newTestSpec(t, train)
	sp.CommandInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	result, err := s.Run(ctx, sp)
	require.NoError(t, err)
	assert.True(t, result.Canceled)
	assert.Equal(t, ExperimentPending, state(t, result, "train"))
	assert.Greater(t, gateway.Count("python train.py"), 5, "keeps retrying until the run is canceled")
	assert.Equal(t, 0, gateway.Overlaps())
}

func TestRunRetryExhaustedOnOneServer(t *testing.T) {
	gateway := fake.New().On("python train.py", fake.PerServer(
		map[string]fake.Handler{"gpu1": fake.Exit(137, "killed")},
		fake.Output("done"),
	))
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "python train.py")
	train.ErrorHandlers = []spec.Rule{spec.MustRule("", spec.StreamReturnCode, "137", spec.ActionRetry)}
	train.MaxAttempts = 2
	sp := newTestSpec(t, train)
	sp.Servers = []spec.Server{gpu1, gpu2}
	sp.DeploymentInterval = 100 * time.Millisecond

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))

	records := result.Deployments("train")
	require.Len(t, records, 2)
	assert.Equal(t, "gpu1", records[0].Server)
	assert.Equal(t, 1, records[0].Round)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Equal(t, 137, records[0].ExitCode)

	assert.Equal(t, "gpu2", records[1].Server)
	assert.Equal(t, 2, records[1].Round)
	assert.Equal(t, StatusSucceeded, records[1].Status)
	assert.Equal(t, []string{"python train.py", "python train.py"}, gateway.Scripts("gpu1"), "gpu1 is not retried once exhausted")
}

func TestRunIgnoreStopsSequence(t *testing.T) {
	gateway := fake.New().On("./check.sh", fake.Output("results already there\n"))
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "./check.sh", "python train.py")
	train.ErrorHandlers = []spec.Rule{spec.MustRule("done", spec.StreamStdout, "already there", spec.ActionIgnore)}
	sp := newTestSpec(t, train, after(experiment("evaluate", "python eval.py"), "train"))
	sp.CheckAnyErrors = true

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	assert.Equal(t, ExperimentSucceeded, state(t, result, "evaluate"))
	assert.Equal(t, 0, gateway.Count("python train.py"))
	assert.True(t, result.ErrorFlag, "ignore is a flagged decision")
}

func TestRunAbortAll(t *testing.T) {
	gateway := fake.New().On("./crash.sh", fake.Exit(3, "fatal: corrupted dataset"))
	local := fake.New()
	s := newTestScheduler(gateway, local)

	crash := experiment("crash", "./crash.sh")
	crash.ErrorHandlers = []spec.Rule{spec.MustRule("", spec.StreamStderr, "^fatal:", spec.ActionAbortAll)}
	sp := newTestSpec(t, crash, experiment("later", "python train.py"))
	sp.DeploymentsPerServer = 0
	sp.CheckAnyErrors = true
	sp.AfterAll = []string{"./notify.sh"}

	result, err := s.Run(context.Background(), sp)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.False(t, result.Canceled)
	assert.True(t, result.ErrorFlag)
	assert.Equal(t, ExperimentFailed, state(t, result, "crash"))
	assert.Equal(t, ExperimentPending, state(t, result, "later"))
	assert.Equal(t, 0, gateway.Count("python train.py"))

	calls := local.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "./notify.sh", calls[0].Script)
	assert.Equal(t, "1", calls[0].Env[EnvRunError])
}

// --- Global commands ---

func TestRunGlobalCommands(t *testing.T) {
	gateway, local := fake.New(), fake.New()
	s := newTestScheduler(gateway, local)

	sp := newTestSpec(t, experiment("train", "python train.py"))
	sp.BeforeAll = []string{"mkdir -p results", "local: ./fetch.sh"}
	sp.AfterAll = []string{"./notify.sh"}

	result := mustRun(t, s, sp)
	assert.False(t, result.ErrorFlag)

	scripts := lo.Map(local.Calls(), func(c fake.Call, _ int) string { return c.Script })
	assert.Equal(t, []string{"mkdir -p results", "./fetch.sh", "./notify.sh"}, scripts)
	assert.Equal(t, "test-run", local.Calls()[0].Env[EnvRunID])
	assert.Equal(t, "0", local.Calls()[2].Env[EnvRunError])
}

func TestRunSetupFailure(t *testing.T) {
	gateway := fake.New()
	local := fake.New().On("./setup.sh", fake.Exit(3, "boom"))
	s := newTestScheduler(gateway, local)

	sp := newTestSpec(t, experiment("train", "python train.py"))
	sp.BeforeAll = []string{"./setup.sh", "./never.sh"}
	sp.AfterAll = []string{"./cleanup.sh"}

	result, err := s.Run(context.Background(), sp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global setup failed: command './setup.sh' exited with code 3: boom")
	require.NotNil(t, result)
	assert.True(t, result.ErrorFlag)
	assert.Equal(t, 0, result.Rounds)
	assert.Empty(t, gateway.Calls())

	assert.Equal(t, 0, local.Count("./never.sh"))
	cleanup, ok := lo.Find(local.Calls(), func(c fake.Call) bool { return c.Script == "./cleanup.sh" })
	require.True(t, ok, "cleanup runs after a failed setup")
	assert.Equal(t, "1", cleanup.Env[EnvRunError])
}

// --- Commands ---

func TestRunEnvironmentAndLocalCommands(t *testing.T) {
	gateway, local := fake.New(), fake.New()
	s := newTestScheduler(gateway, local)

	train := experiment("train", "local: make dataset", "python train.py")
	train.Env = map[string]string{"SEED": "42", EnvRound: "overridden"}

	mustRun(t, s, newTestSpec(t, train))

	localCalls := local.Calls()
	require.Len(t, localCalls, 1)
	assert.Equal(t, "make dataset", localCalls[0].Script)
	assert.Equal(t, "gpu1", localCalls[0].Env[EnvServerName])

	remoteCall, ok := lo.Find(gateway.Calls(), func(c fake.Call) bool { return c.Script == "python train.py" })
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"SEED":                  "42",
		EnvRunID:                "test-run",
		EnvRound:                "1",
		EnvExperimentName:       "train",
		EnvServerName:           "gpu1",
		EnvServerHostname:       "gpu1.lab",
		EnvServerPort:           "22",
		EnvServerUsername:       "lab",
		EnvServerAuthority:      "lab@gpu1.lab",
		EnvServerPrivateKeyPath: "",
	}, remoteCall.Env)
}

func TestRunStopsSequenceOnFailure(t *testing.T) {
	gateway := fake.New().On("make", fake.Exit(2, "no rule to make target"))
	s := newTestScheduler(gateway, fake.New())

	result := mustRun(t, s, newTestSpec(t, experiment("train", "make", "python train.py")))
	assert.Equal(t, ExperimentFailed, state(t, result, "train"))
	assert.Equal(t, []string{"make"}, gateway.Scripts("gpu1"))
	assert.Equal(t, 2, result.Records[0].ExitCode)
}

// --- Output ---

func TestRunOutputAndStatusReport(t *testing.T) {
	gateway := fake.New().On("python train.py", fake.Output("accuracy=0.98\n"))
	gateway.SetFile("gpu1", "/srv/results/metrics.json", []byte(`{"accuracy": 0.98}`))
	s := newTestScheduler(gateway, fake.New())

	upload := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(upload, []byte(`{"lr": 0.1}`), 0o644))

	train := experiment("train", "python train.py")
	train.WriteOutput = true
	train.Uploads = []spec.Transfer{{Source: upload, Destination: "/srv/params.json"}}
	train.Downloads = []spec.Transfer{{Source: "/srv/results/metrics.json", Destination: "metrics.json"}}
	sp := newTestSpec(t, train)
	sp.StatusPath = filepath.Join(t.TempDir(), "status.json")

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))

	pushed, ok := gateway.File("gpu1", "/srv/params.json")
	require.True(t, ok)
	assert.Equal(t, `{"lr": 0.1}`, string(pushed))

	runDir := filepath.Join(sp.OutputDir, "test-run")
	stdout, err := os.ReadFile(filepath.Join(runDir, "train@gpu1.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "accuracy=0.98\n")

	metrics, err := os.ReadFile(filepath.Join(runDir, "train@gpu1", "metrics.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"accuracy": 0.98}`, string(metrics))

	content, err := os.ReadFile(sp.StatusPath)
	require.NoError(t, err)
	var report struct {
		RunID       string `json:"run_id"`
		Experiments []struct {
			Name   string `json:"name"`
			State  string `json:"state"`
			Server string `json:"server"`
		} `json:"experiments"`
	}
	require.NoError(t, json.Unmarshal(content, &report))
	assert.Equal(t, "test-run", report.RunID)
	require.Len(t, report.Experiments, 1)
	assert.Equal(t, "succeeded", report.Experiments[0].State)
	assert.Equal(t, "gpu1", report.Experiments[0].Server)
}

func TestRunFailedDownloadFlagsError(t *testing.T) {
	gateway := fake.New()
	s := newTestScheduler(gateway, fake.New())

	train := experiment("train", "python train.py")
	train.Downloads = []spec.Transfer{{Source: "/srv/missing"}}
	sp := newTestSpec(t, train)
	sp.CheckAnyErrors = true

	result := mustRun(t, s, sp)
	assert.Equal(t, ExperimentSucceeded, state(t, result, "train"))
	assert.True(t, result.ErrorFlag)
	assert.Contains(t, result.Records[0].Error, "failed to download '/srv/missing'")
}

// --- Events ---

func TestSubscribe(t *testing.T) {
	s := newTestScheduler(fake.New(), fake.New())
	events, unsub := s.Subscribe()

	mustRun(t, s, newTestSpec(t, experiment("train", "python train.py")))

	admitted := waitForEvent[EventDeploymentAdmitted](t, events)
	assert.Equal(t, EventDeploymentAdmitted{Round: 1, Experiment: "train", Server: "gpu1"}, admitted)

	finished := waitForEvent[EventCommandFinished](t, events)
	assert.Equal(t, "python train.py", finished.Command)
	assert.Equal(t, spec.ActionContinue, finished.Action)

	done := waitForEvent[EventRunFinished](t, events)
	assert.Equal(t, 1, done.Result.Count(ExperimentSucceeded))

	unsub()
	_, open := <-events
	assert.False(t, open)
}

func TestRunRejectsNegativePacing(t *testing.T) {
	s := newTestScheduler(fake.New(), fake.New())
	sp := newTestSpec(t, experiment("train", "python train.py"))
	sp.RoundInterval = -time.Second

	_, err := s.Run(context.Background(), sp)
	var configErr *spec.ConfigurationError
	require.ErrorAs(t, err, &configErr)
}
