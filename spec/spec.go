package spec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gammadia/noodles/expr"
	"github.com/samber/lo"
)

// Spec is the validated, in-memory model of a noodlesfile for one action.
type Spec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Action      string `yaml:"action"`

	Servers     []Server     `yaml:"servers"`
	Experiments []Experiment `yaml:"experiments"`

	BeforeAll []string          `yaml:"before_all,omitempty"`
	AfterAll  []string          `yaml:"after_all,omitempty"`
	Probes    map[Metric]string `yaml:"probes,omitempty"`

	RoundInterval        time.Duration `yaml:"round_interval"`
	DeploymentInterval   time.Duration `yaml:"deployment_interval"`
	CommandInterval      time.Duration `yaml:"command_interval"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`
	MaxRounds            int           `yaml:"max_rounds"`
	DeploymentsPerServer int           `yaml:"deployments_per_server"`
	CheckAnyErrors       bool          `yaml:"check_any_errors"`

	LockDir    string `yaml:"lock_dir"`
	StatusPath string `yaml:"status_path,omitempty"`
	OutputDir  string `yaml:"output_dir"`
}

func (s *Spec) Experiment(name string) (*Experiment, bool) {
	for i := range s.Experiments {
		if s.Experiments[i].Name == name {
			return &s.Experiments[i], true
		}
	}
	return nil, false
}

type Server struct {
	Name           string `yaml:"name"`
	Hostname       string `yaml:"hostname"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
}

// Authority returns "user@host", or "host" when no username is configured.
func (s Server) Authority() string {
	if s.Username == "" {
		return s.Hostname
	}
	return fmt.Sprintf("%s@%s", s.Username, s.Hostname)
}

func (s Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// IsLocal reports whether commands for this server run on the controlling host.
func (s Server) IsLocal() bool {
	return s.Hostname == "localhost"
}

type Experiment struct {
	Name          string            `yaml:"name"`
	Commands      []string          `yaml:"commands"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Requirements  []Requirement     `yaml:"requirements,omitempty"`
	ErrorHandlers []Rule            `yaml:"error_handlers,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	WriteOutput   bool              `yaml:"write_output"`
	PersistLock   bool              `yaml:"persist_lock"`
	MaxAttempts   int               `yaml:"max_attempts"`
	Uploads       []Transfer        `yaml:"uploads,omitempty"`
	Downloads     []Transfer        `yaml:"downloads,omitempty"`
}

// Empty reports whether the experiment has nothing to run for the selected action.
func (e Experiment) Empty() bool {
	return len(e.Commands) == 0
}

type Transfer struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// Metrics

type Metric string

const (
	MetricCPUUsage       Metric = "cpu_usage"
	MetricGPUUsage       Metric = "gpu_usage"
	MetricMemoryUsage    Metric = "memory_usage"
	MetricLoadAverage    Metric = "load_average"
	MetricDiskFree       Metric = "disk_free"
	MetricFileExists     Metric = "file_exists"
	MetricLockFileExists Metric = "lock_file_exists"
)

var BuiltinMetrics = []Metric{
	MetricCPUUsage,
	MetricGPUUsage,
	MetricMemoryUsage,
	MetricLoadAverage,
	MetricDiskFree,
	MetricFileExists,
	MetricLockFileExists,
}

// NeedsPath reports whether the metric is measured against a path on the server.
func (m Metric) NeedsPath() bool {
	return m == MetricFileExists || m == MetricLockFileExists
}

type Requirement struct {
	Metric     Metric
	Expression expr.Expression
	Slack      float64
	Path       string
}

func (r Requirement) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s", r.Metric, r.Expression))
	if r.Path != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", r.Path))
	}
	if r.Slack > 0 {
		sb.WriteString(fmt.Sprintf(" ±%s", strconv.FormatFloat(r.Slack, 'g', -1, 64)))
	}
	return sb.String()
}

func (r Requirement) MarshalYAML() (any, error) {
	return r.String(), nil
}

var metricNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*`)

// ParseRequirement parses the "metric expression" shorthand, e.g. "cpu_usage <= 50".
func ParseRequirement(s string) (Requirement, error) {
	metric, rest := splitRequirement(s)
	if metric == "" {
		return Requirement{}, fmt.Errorf("requirement '%s' must start with a metric name", s)
	}

	expression, err := expr.ParseExpression(rest)
	if err != nil {
		return Requirement{}, fmt.Errorf("requirement '%s': %w", s, err)
	}

	return Requirement{Metric: Metric(metric), Expression: expression}, nil
}

func splitRequirement(s string) (string, string) {
	s = strings.TrimSpace(s)
	metric := metricNameRegex.FindString(s)
	return metric, strings.TrimSpace(s[len(metric):])
}

// Error handlers

type Stream string

const (
	StreamStdout     Stream = "stdout"
	StreamStderr     Stream = "stderr"
	StreamReturnCode Stream = "return_code"
)

type Action string

const (
	ActionContinue        Action = "continue"
	ActionRetry           Action = "retry"
	ActionAbortExperiment Action = "abort_experiment"
	ActionAbortAll        Action = "abort_all"
	ActionIgnore          Action = "ignore"
)

var actions = []Action{ActionContinue, ActionRetry, ActionAbortExperiment, ActionAbortAll, ActionIgnore}

func (a Action) Valid() bool {
	return lo.Contains(actions, a)
}

// Rule maps a test over one stream of a command result to an action.
type Rule struct {
	Name   string `yaml:"name,omitempty"`
	Stream Stream `yaml:"stream"`
	Match  string `yaml:"match"`
	Action Action `yaml:"action"`

	pattern    *regexp.Regexp
	expression expr.Expression
}

// NewRule compiles the match test of a rule. Output streams are matched with
// a regular expression search, the return code with a typed expression.
func NewRule(name string, stream Stream, match string, action Action) (Rule, error) {
	rule := Rule{Name: name, Stream: stream, Match: match, Action: action}

	if !action.Valid() {
		return Rule{}, fmt.Errorf("unknown action '%s'", action)
	}

	var err error
	switch stream {
	case StreamStdout, StreamStderr:
		if rule.pattern, err = regexp.Compile(match); err != nil {
			return Rule{}, fmt.Errorf("invalid %s pattern: %w", stream, err)
		}
	case StreamReturnCode:
		if rule.expression, err = expr.ParseExpression(match); err != nil {
			return Rule{}, fmt.Errorf("invalid return_code test: %w", err)
		}
	default:
		return Rule{}, fmt.Errorf("unknown stream '%s'", stream)
	}

	return rule, nil
}

// MustRule is NewRule for statically known rules.
func MustRule(name string, stream Stream, match string, action Action) Rule {
	return lo.Must(NewRule(name, stream, match, action))
}

func (r Rule) Pattern() *regexp.Regexp {
	return r.pattern
}

func (r Rule) Expression() expr.Expression {
	return r.expression
}

// Commands

type Scheme string

const (
	SchemeRemote Scheme = "remote"
	SchemeLocal  Scheme = "local"
)

var schemeRegex = regexp.MustCompile(`^(\w+):`)

// SplitScheme extracts the endpoint prefix of a command ("local:make" runs on
// the controlling host). Commands without prefix run on the server.
func SplitScheme(command string) (Scheme, string, error) {
	m := schemeRegex.FindStringSubmatch(command)
	if m == nil {
		return SchemeRemote, command, nil
	}

	switch scheme := Scheme(m[1]); scheme {
	case SchemeRemote, SchemeLocal:
		return scheme, strings.TrimSpace(command[len(m[0]):]), nil
	default:
		return "", "", fmt.Errorf("unknown scheme '%s' in command '%s'", scheme, command)
	}
}

// Errors

// ConfigurationError is raised before the first round and is always fatal.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Err: err}
}
