package spec

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const NoodlesfileVersion = "1"

// DefaultAction is used when a noodlesfile lists commands without naming the action.
const DefaultAction = "run"

type Noodlesfile struct {
	path string

	Version     string
	Name        string
	Description string

	Servers       []NoodlesfileServer
	ServerDefault NoodlesfileServer `yaml:"server_default"`

	Experiments       []NoodlesfileExperiment
	ExperimentDefault NoodlesfileExperiment `yaml:"experiment_default"`

	BeforeAll NoodlesfileCommands `yaml:"before_all"`
	AfterAll  NoodlesfileCommands `yaml:"after_all"`
	Probes    map[string]string

	RoundInterval        Duration `yaml:"round_interval"`
	DeploymentInterval   Duration `yaml:"deployment_interval"`
	CommandInterval      Duration `yaml:"command_interval"`
	CommandTimeout       Duration `yaml:"command_timeout"`
	MaxRounds            int      `yaml:"max_rounds"`
	DeploymentsPerServer *int     `yaml:"deployments_per_server"`
	CheckAnyErrors       *bool    `yaml:"check_any_errors"`

	LockDir    string `yaml:"lock_dir"`
	StatusPath string `yaml:"status_path"`
	OutputDir  string `yaml:"output_dir"`
}

type NoodlesfileServer struct {
	Name           string
	Hostname       string
	Port           int
	Username       string
	PrivateKeyPath string `yaml:"private_key_path"`
}

type NoodlesfileExperiment struct {
	Name          string
	Commands      NoodlesfileCommands
	DependsOn     []string `yaml:"depends_on"`
	Requirements  []NoodlesfileRequirement
	ErrorHandlers []NoodlesfileErrorHandler `yaml:"error_handlers"`
	Env           map[string]string
	WriteOutput   *bool `yaml:"write_output"`
	PersistLock   *bool `yaml:"persist_lock"`
	MaxAttempts   *int  `yaml:"max_attempts"`
	Uploads       []Transfer
	Downloads     []Transfer
}

// NoodlesfileCommands maps an action to its commands. A plain string or list
// is shorthand for the default action.
type NoodlesfileCommands map[string][]string

func (c *NoodlesfileCommands) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*c = NoodlesfileCommands{DefaultAction: {value.Value}}
		return nil

	case yaml.SequenceNode:
		var commands []string
		if err := value.Decode(&commands); err != nil {
			return err
		}
		*c = NoodlesfileCommands{DefaultAction: commands}
		return nil

	case yaml.MappingNode:
		var raw map[string]yaml.Node
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*c = make(NoodlesfileCommands, len(raw))
		for action, node := range raw {
			var commands NoodlesfileCommands
			if err := commands.UnmarshalYAML(&node); err != nil {
				return err
			}
			if node.Kind == yaml.MappingNode {
				return fmt.Errorf("line %d: commands of action '%s' must be a string or a list", node.Line, action)
			}
			(*c)[action] = commands[DefaultAction]
		}
		return nil

	default:
		return fmt.Errorf("line %d: commands must be a string, a list or a map of actions", value.Line)
	}
}

type NoodlesfileRequirement struct {
	Metric string
	Expr   string
	Slack  float64
	Path   string
}

// UnmarshalYAML accepts either the "metric expression" shorthand or an object.
func (r *NoodlesfileRequirement) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Metric, r.Expr = splitRequirement(value.Value)
		return nil
	}

	type plain NoodlesfileRequirement
	return value.Decode((*plain)(r))
}

type NoodlesfileErrorHandler struct {
	Name   string
	Stream string
	Match  string
	Action string

	// Shorthands for stream + match
	Stdout     string
	Stderr     string
	ReturnCode string `yaml:"return_code"`
}

func (h NoodlesfileErrorHandler) streamAndMatch() (Stream, string, error) {
	candidates := lo.PickBy(map[Stream]string{
		StreamStdout:     h.Stdout,
		StreamStderr:     h.Stderr,
		StreamReturnCode: h.ReturnCode,
	}, func(_ Stream, match string) bool { return match != "" })

	switch {
	case h.Stream != "" && len(candidates) == 0:
		return Stream(h.Stream), h.Match, nil
	case h.Stream == "" && len(candidates) == 1:
		stream := lo.Keys(candidates)[0]
		return stream, candidates[stream], nil
	default:
		return "", "", fmt.Errorf("exactly one of stream, stdout, stderr or return_code is required")
	}
}

// Duration accepts Go durations ("1m30s") and bare numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if seconds, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration '%s'", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func (noodlesfile Noodlesfile) Validate() error {
	if noodlesfile.Version != NoodlesfileVersion {
		return fmt.Errorf("unsupported version '%s'", noodlesfile.Version)
	}

	if !nameRegex.MatchString(noodlesfile.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}

	if len(noodlesfile.Servers) < 1 {
		return fmt.Errorf("at least one server is required")
	}

	servers := map[string]bool{}
	for i, server := range noodlesfile.Servers {
		if !nameRegex.MatchString(server.Name) {
			return fmt.Errorf("servers[%d].name must be a valid identifier", i)
		}
		if servers[server.Name] {
			return fmt.Errorf("servers[%s] is defined more than once", server.Name)
		}
		servers[server.Name] = true

		if server.Hostname == "" && noodlesfile.ServerDefault.Hostname == "" {
			return fmt.Errorf("servers[%s].hostname is required", server.Name)
		}
		if server.Port < 0 || server.Port > 65535 {
			return fmt.Errorf("servers[%s].port must be between 0 and 65535", server.Name)
		}
	}

	if noodlesfile.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must not be negative")
	}
	if noodlesfile.DeploymentsPerServer != nil && *noodlesfile.DeploymentsPerServer < 0 {
		return fmt.Errorf("deployments_per_server must not be negative")
	}
	for key, d := range map[string]Duration{
		"round_interval":      noodlesfile.RoundInterval,
		"deployment_interval": noodlesfile.DeploymentInterval,
		"command_interval":    noodlesfile.CommandInterval,
		"command_timeout":     noodlesfile.CommandTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	for metric, probe := range noodlesfile.Probes {
		if !metricNameRegex.MatchString(metric) || metricNameRegex.FindString(metric) != metric {
			return fmt.Errorf("probes[%s] must be a valid metric name", metric)
		}
		if probe == "" {
			return fmt.Errorf("probes[%s] must not be empty", metric)
		}
	}

	for _, commands := range []NoodlesfileCommands{noodlesfile.BeforeAll, noodlesfile.AfterAll} {
		if err := validateCommands("global", commands); err != nil {
			return err
		}
	}

	if err := noodlesfile.validateExperiment("experiment_default", noodlesfile.ExperimentDefault); err != nil {
		return err
	}

	experiments := map[string]bool{}
	for i, experiment := range noodlesfile.Experiments {
		if !nameRegex.MatchString(experiment.Name) {
			return fmt.Errorf("experiments[%d].name must be a valid identifier", i)
		}
		if experiments[experiment.Name] {
			return fmt.Errorf("experiments[%s] is defined more than once", experiment.Name)
		}
		experiments[experiment.Name] = true

		if err := noodlesfile.validateExperiment(fmt.Sprintf("experiments[%s]", experiment.Name), experiment); err != nil {
			return err
		}
	}

	for _, experiment := range noodlesfile.Experiments {
		for _, dependency := range experiment.DependsOn {
			if !experiments[dependency] {
				return fmt.Errorf("experiments[%s].depends_on references unknown experiment '%s'", experiment.Name, dependency)
			}
			if dependency == experiment.Name {
				return fmt.Errorf("experiments[%s] depends on itself", experiment.Name)
			}
		}
	}

	return nil
}

func (noodlesfile Noodlesfile) validateExperiment(prefix string, experiment NoodlesfileExperiment) error {
	if err := validateCommands(prefix, experiment.Commands); err != nil {
		return err
	}

	for key := range experiment.Env {
		if !envKeyRegex.MatchString(key) {
			return fmt.Errorf("%s.env[%s] must be a valid environment variable identifier", prefix, key)
		}
	}

	if experiment.MaxAttempts != nil && *experiment.MaxAttempts < 0 {
		return fmt.Errorf("%s.max_attempts must not be negative", prefix)
	}

	for i, requirement := range experiment.Requirements {
		if _, err := noodlesfile.requirement(requirement); err != nil {
			return fmt.Errorf("%s.requirements[%d]: %w", prefix, i, err)
		}
	}

	for i, handler := range experiment.ErrorHandlers {
		if _, err := handler.rule(); err != nil {
			return fmt.Errorf("%s.error_handlers[%d]: %w", prefix, i, err)
		}
	}

	for i, transfer := range append(append([]Transfer{}, experiment.Uploads...), experiment.Downloads...) {
		if transfer.Source == "" || transfer.Destination == "" {
			return fmt.Errorf("%s.transfers[%d] requires a source and a destination", prefix, i)
		}
	}

	return nil
}

func validateCommands(prefix string, commands NoodlesfileCommands) error {
	for action, list := range commands {
		for i, command := range list {
			_, rest, err := SplitScheme(command)
			if err != nil {
				return fmt.Errorf("%s.commands[%s][%d]: %w", prefix, action, i, err)
			}
			if rest == "" {
				return fmt.Errorf("%s.commands[%s][%d] must not be empty", prefix, action, i)
			}
		}
	}
	return nil
}

func (noodlesfile Noodlesfile) requirement(r NoodlesfileRequirement) (Requirement, error) {
	if r.Metric == "" {
		return Requirement{}, fmt.Errorf("metric is required")
	}

	metric := Metric(r.Metric)
	if _, custom := noodlesfile.Probes[r.Metric]; !custom && !lo.Contains(BuiltinMetrics, metric) {
		return Requirement{}, fmt.Errorf("unknown metric '%s'", r.Metric)
	}

	expression, err := ParseRequirement(fmt.Sprintf("%s %s", r.Metric, r.Expr))
	if err != nil {
		return Requirement{}, err
	}

	if r.Slack < 0 {
		return Requirement{}, fmt.Errorf("slack must not be negative")
	}
	if metric.NeedsPath() && r.Path == "" {
		return Requirement{}, fmt.Errorf("metric '%s' requires a path", r.Metric)
	}

	expression.Slack = r.Slack
	expression.Path = r.Path
	return expression, nil
}

func (h NoodlesfileErrorHandler) rule() (Rule, error) {
	stream, match, err := h.streamAndMatch()
	if err != nil {
		return Rule{}, err
	}

	action := Action(h.Action)
	if h.Action == "" {
		action = ActionAbortExperiment
	}

	return NewRule(h.Name, stream, match, action)
}
