package scheduler

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gammadia/noodles/graph"
	"github.com/gammadia/noodles/lock"
	"github.com/gammadia/noodles/output"
	"github.com/gammadia/noodles/requirement"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

// Environment exported to experiment commands, probes and global commands.
const (
	EnvRunID                = "NOODLES_RUN_ID"
	EnvRunError             = "NOODLES_RUN_ERROR"
	EnvRound                = "NOODLES_ROUND"
	EnvExperimentName       = "NOODLES_EXPERIMENT_NAME"
	EnvServerName           = "NOODLES_SERVER_NAME"
	EnvServerHostname       = "NOODLES_SERVER_HOSTNAME"
	EnvServerPort           = "NOODLES_SERVER_PORT"
	EnvServerUsername       = "NOODLES_SERVER_USERNAME"
	EnvServerAuthority      = "NOODLES_SERVER_AUTHORITY"
	EnvServerPrivateKeyPath = "NOODLES_SERVER_PRIVATE_KEY_PATH"
)

type pair struct {
	experiment string
	server     string
}

type heldLock struct {
	pair
	record  *Record
	persist bool
}

// run is the state of one Run call. It is passed to every scheduling step so
// that concurrent runs of the same Scheduler stay isolated.
type run struct {
	id    string
	spec  *spec.Spec
	graph *graph.Graph

	evaluator *requirement.Evaluator
	locks     *lock.Manager
	collector *output.Collector

	startedAt time.Time
	abort     context.CancelFunc
	log       *slog.Logger

	mutex     sync.Mutex
	outcomes  map[string]graph.Outcome
	records   []*Record
	failures  map[pair]int
	exhausted map[pair]bool
	errorFlag bool
	aborted   bool
	rounds    int

	// Current round
	claims   map[string]string
	excluded map[string]bool
	held     []heldLock
}

func (r *run) startRound(round int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.rounds = round
	r.claims = map[string]string{}
	r.excluded = map[string]bool{}
	r.held = nil
}

func (r *run) snapshot() map[string]graph.Outcome {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return lo.Assign(r.outcomes)
}

func (r *run) setOutcome(experiment string, outcome graph.Outcome) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.outcomes[experiment] = outcome
}

// available reports whether server may still try experiment this round.
func (r *run) available(experiment, server string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, claimed := r.claims[experiment]
	return r.outcomes[experiment] == graph.Pending && !claimed && !r.exhausted[pair{experiment, server}]
}

// claim reserves experiment for server until the end of the round. Only
// one server gets it.
func (r *run) claim(experiment, server string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, claimed := r.claims[experiment]; claimed || r.outcomes[experiment] != graph.Pending {
		return false
	}
	r.claims[experiment] = server
	return true
}

func (r *run) unclaim(experiment, server string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.claims[experiment] == server {
		delete(r.claims, experiment)
	}
}

// exclude returns false when server was already excluded this round.
func (r *run) exclude(server string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.excluded[server] {
		return false
	}
	r.excluded[server] = true
	return true
}

func (r *run) newRecord(experiment, server string, round int) *Record {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record := &Record{
		Experiment: experiment,
		Server:     server,
		Round:      round,
		Status:     StatusAdmitted,
		StartedAt:  time.Now(),
	}
	r.records = append(r.records, record)
	return record
}

// update mutates record under the run lock and returns a copy of it.
func (r *run) update(record *Record, f func(*Record)) Record {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	f(record)
	return *record
}

func (r *run) hold(record *Record, persist bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record.LockHeld = true
	r.held = append(r.held, heldLock{pair{record.Experiment, record.Server}, record, persist})
}

// persists reports whether the marker of held outlives the round. Only
// settled experiments keep theirs, a pending one must be able to lock again.
func (r *run) persists(held heldLock) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return held.persist && held.record.Status.Terminal() && r.outcomes[held.experiment] != graph.Pending
}

func (r *run) heldLocks() []heldLock {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return slices.Clone(r.held)
}

// fail counts a failed attempt of experiment on server and reports whether
// the attempt budget is spent. A budget of 0 is unlimited.
func (r *run) fail(experiment, server string, budget int) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := pair{experiment, server}
	r.failures[key]++
	return budget > 0 && r.failures[key] >= budget
}

// exhaust rules server out for experiment and reports whether no server is
// left for it.
func (r *run) exhaust(experiment, server string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.exhausted[pair{experiment, server}] = true
	return lo.EveryBy(r.spec.Servers, func(s spec.Server) bool {
		return r.exhausted[pair{experiment, s.Name}]
	})
}

func (r *run) raise() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.errorFlag = true
}

func (r *run) raised() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.errorFlag
}

// abortAll stops every server from starting anything new.
func (r *run) abortAll() {
	r.mutex.Lock()
	r.aborted = true
	r.mutex.Unlock()

	r.abort()
}

func (r *run) env(round int, experiment *spec.Experiment, server spec.Server) map[string]string {
	return lo.Assign(experiment.Env, map[string]string{
		EnvRunID:                r.id,
		EnvRound:                strconv.Itoa(round),
		EnvExperimentName:       experiment.Name,
		EnvServerName:           server.Name,
		EnvServerHostname:       server.Hostname,
		EnvServerPort:           strconv.Itoa(server.Port),
		EnvServerUsername:       server.Username,
		EnvServerAuthority:      server.Authority(),
		EnvServerPrivateKeyPath: server.PrivateKeyPath,
	})
}

func (r *run) globalEnv(cleanup bool) map[string]string {
	env := map[string]string{EnvRunID: r.id}
	if cleanup {
		env[EnvRunError] = lo.Ternary(r.raised(), "1", "0")
	}
	return env
}

func (r *run) result(canceled bool) *Result {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	blocked := lo.SliceToMap(r.graph.Blocked(r.outcomes), func(name string) (string, bool) { return name, true })

	result := &Result{
		RunID:     r.id,
		Name:      r.spec.Name,
		Action:    r.spec.Action,
		StartedAt: r.startedAt,
		EndedAt:   time.Now(),
		Rounds:    r.rounds,
		ErrorFlag: r.errorFlag,
		Aborted:   r.aborted,
		Canceled:  canceled && !r.aborted,
	}

	for _, experiment := range r.spec.Experiments {
		state := ExperimentPending
		switch {
		case r.outcomes[experiment.Name] == graph.Succeeded:
			state = ExperimentSucceeded
		case r.outcomes[experiment.Name] == graph.Failed:
			state = ExperimentFailed
		case blocked[experiment.Name]:
			state = ExperimentBlocked
		}
		result.Experiments = append(result.Experiments, ExperimentResult{Name: experiment.Name, State: state})
	}

	result.Records = lo.Map(r.records, func(record *Record, _ int) Record { return *record })
	slices.SortStableFunc(result.Records, func(a, b Record) int {
		return cmp.Or(cmp.Compare(a.Round, b.Round), cmp.Compare(a.Experiment, b.Experiment), cmp.Compare(a.Server, b.Server))
	})

	return result
}
