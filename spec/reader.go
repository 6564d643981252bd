package spec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                 = 22
	DefaultLockDir              = "/tmp/noodles-locks"
	DefaultOutputDir            = "noodles-output"
	DefaultDeploymentsPerServer = 1
	DefaultCheckAnyErrors       = true
)

type ReadOptions struct {
	// Action selects which commands of each experiment are run
	Action string
	// Only keep these experiments (all when empty)
	Experiments []string
	// Noodlesfile arguments
	Args []string
	// Noodlesfile parameters
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

func (e UnmarshalError) Unwrap() error {
	return e.error
}

// Read loads, evaluates and validates a noodlesfile. Every error returned is
// a *ConfigurationError.
func Read(file string, options ReadOptions) (*Spec, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, configError(fmt.Errorf("read file: %w", err))
	}

	dir, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, configError(err)
	}

	return Load(string(buf), dir, options)
}

// Load is Read for a noodlesfile already in memory; dir is the working
// directory of template shell calls.
func Load(source string, dir string, options ReadOptions) (*Spec, error) {
	options.Action = lo.Ternary(options.Action != "", options.Action, DefaultAction)

	source, err := evaluateTemplate(source, dir, options)
	if err != nil {
		return nil, configError(fmt.Errorf("evaluate template: %w", err))
	}

	var noodlesfile Noodlesfile
	if err = yaml.Unmarshal([]byte(source), &noodlesfile); err != nil {
		return nil, configError(UnmarshalError{fmt.Errorf("unmarshal: %w", err), source})
	}
	noodlesfile.path = dir
	if err = noodlesfile.Validate(); err != nil {
		return nil, configError(UnmarshalError{fmt.Errorf("validate: %w", err), source})
	}

	spec, err := noodlesfile.build(options)
	if err != nil {
		return nil, configError(err)
	}
	return spec, nil
}

func (noodlesfile Noodlesfile) build(options ReadOptions) (*Spec, error) {
	spec := &Spec{
		Name:        noodlesfile.Name,
		Description: noodlesfile.Description,
		Action:      options.Action,

		BeforeAll: noodlesfile.BeforeAll[options.Action],
		AfterAll:  noodlesfile.AfterAll[options.Action],
		Probes: lo.MapKeys(noodlesfile.Probes, func(_ string, metric string) Metric {
			return Metric(metric)
		}),

		RoundInterval:        time.Duration(noodlesfile.RoundInterval),
		DeploymentInterval:   time.Duration(noodlesfile.DeploymentInterval),
		CommandInterval:      time.Duration(noodlesfile.CommandInterval),
		CommandTimeout:       time.Duration(noodlesfile.CommandTimeout),
		MaxRounds:            noodlesfile.MaxRounds,
		DeploymentsPerServer: valueOr(noodlesfile.DeploymentsPerServer, lo.ToPtr(DefaultDeploymentsPerServer)),
		CheckAnyErrors:       valueOr(noodlesfile.CheckAnyErrors, lo.ToPtr(DefaultCheckAnyErrors)),

		LockDir:    lo.Ternary(noodlesfile.LockDir != "", noodlesfile.LockDir, DefaultLockDir),
		StatusPath: noodlesfile.StatusPath,
		OutputDir:  lo.Ternary(noodlesfile.OutputDir != "", noodlesfile.OutputDir, DefaultOutputDir),
	}

	if spec.StatusPath != "" && !filepath.IsAbs(spec.StatusPath) {
		spec.StatusPath = filepath.Join(noodlesfile.path, spec.StatusPath)
	}
	if !filepath.IsAbs(spec.OutputDir) {
		spec.OutputDir = filepath.Join(noodlesfile.path, spec.OutputDir)
	}

	// Servers
	defaults := noodlesfile.ServerDefault
	for _, server := range noodlesfile.Servers {
		spec.Servers = append(spec.Servers, Server{
			Name:           server.Name,
			Hostname:       lo.Ternary(server.Hostname != "", server.Hostname, defaults.Hostname),
			Port:           lo.Ternary(server.Port != 0, server.Port, lo.Ternary(defaults.Port != 0, defaults.Port, DefaultPort)),
			Username:       lo.Ternary(server.Username != "", server.Username, defaults.Username),
			PrivateKeyPath: lo.Ternary(server.PrivateKeyPath != "", server.PrivateKeyPath, defaults.PrivateKeyPath),
		})
	}

	// Experiments
	selected := lo.SliceToMap(options.Experiments, func(name string) (string, bool) { return name, true })
	for name := range selected {
		if !lo.ContainsBy(noodlesfile.Experiments, func(e NoodlesfileExperiment) bool { return e.Name == name }) {
			return nil, fmt.Errorf("unknown experiment '%s'", name)
		}
	}

	for _, experiment := range noodlesfile.Experiments {
		if len(selected) > 0 && !selected[experiment.Name] {
			continue
		}

		built, err := noodlesfile.experiment(experiment, options.Action)
		if err != nil {
			return nil, fmt.Errorf("experiments[%s]: %w", experiment.Name, err)
		}

		// Dependencies left out by the filter are considered satisfied
		if len(selected) > 0 {
			built.DependsOn = lo.Filter(built.DependsOn, func(name string, _ int) bool { return selected[name] })
		}

		spec.Experiments = append(spec.Experiments, built)
	}

	if len(spec.BeforeAll) == 0 && len(spec.AfterAll) == 0 && lo.EveryBy(spec.Experiments, Experiment.Empty) {
		return nil, fmt.Errorf("action '%s' is not defined by any experiment", options.Action)
	}

	return spec, nil
}

func (noodlesfile Noodlesfile) experiment(experiment NoodlesfileExperiment, action string) (Experiment, error) {
	defaults := noodlesfile.ExperimentDefault

	commands := lo.Ternary(len(experiment.Commands) > 0, experiment.Commands, defaults.Commands)
	requirements := lo.Ternary(len(experiment.Requirements) > 0, experiment.Requirements, defaults.Requirements)
	handlers := lo.Ternary(len(experiment.ErrorHandlers) > 0, experiment.ErrorHandlers, defaults.ErrorHandlers)

	built := Experiment{
		Name:        experiment.Name,
		Commands:    slices.Clone(commands[action]),
		DependsOn:   slices.Clone(experiment.DependsOn),
		Env:         map[string]string{},
		WriteOutput: valueOr(experiment.WriteOutput, defaults.WriteOutput),
		PersistLock: valueOr(experiment.PersistLock, defaults.PersistLock),
		MaxAttempts: valueOr(experiment.MaxAttempts, defaults.MaxAttempts),
		Uploads:     slices.Clone(lo.Ternary(len(experiment.Uploads) > 0, experiment.Uploads, defaults.Uploads)),
		Downloads:   slices.Clone(lo.Ternary(len(experiment.Downloads) > 0, experiment.Downloads, defaults.Downloads)),
	}

	maps.Copy(built.Env, defaults.Env)
	maps.Copy(built.Env, experiment.Env)

	for i, r := range requirements {
		requirement, err := noodlesfile.requirement(r)
		if err != nil {
			return Experiment{}, fmt.Errorf("requirements[%d]: %w", i, err)
		}
		built.Requirements = append(built.Requirements, requirement)
	}

	for i, h := range handlers {
		rule, err := h.rule()
		if err != nil {
			return Experiment{}, fmt.Errorf("error_handlers[%d]: %w", i, err)
		}
		built.ErrorHandlers = append(built.ErrorHandlers, rule)
	}

	for i, transfer := range built.Uploads {
		if !filepath.IsAbs(transfer.Source) {
			built.Uploads[i].Source = filepath.Join(noodlesfile.path, transfer.Source)
		}
	}

	return built, nil
}

// valueOr dereferences the first non-nil pointer.
func valueOr[T any](value *T, fallback *T) T {
	return lo.FromPtr(lo.Ternary(value != nil, value, fallback))
}

type TemplateData struct {
	Action string
	Env    map[string]string
	Args   []string
	Params map[string]string
}

func evaluateTemplate(source string, dir string, options ReadOptions) (string, error) {
	funcs := sprig.TxtFuncMap()
	maps.Copy(funcs, template.FuncMap{
		"base64": func(s string) string {
			return base64.StdEncoding.EncodeToString([]byte(s))
		},
		"env": func(key string) string {
			return os.Getenv(key)
		},
		"json": func(v any) (string, error) {
			buf, err := json.Marshal(v)
			return string(buf), err
		},
		"lines": func(s string) []string {
			return strings.Split(s, "\n")
		},
		"shell": func(script string) (string, error) {
			return shell(script, dir)
		},
		"split": func(sep string, s string) []string {
			return strings.Split(s, sep)
		},
	})

	tmpl, err := template.New("noodlesfile").Funcs(funcs).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := TemplateData{
		Action: options.Action,
		Env:    lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Args:   options.Args,
		Params: lo.Ternary(options.Params != nil, options.Params, map[string]string{}),
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return output.String(), nil
}

func shell(script string, dir string) (string, error) {
	var shell, arg string
	if strings.HasPrefix(script, "#!") {
		shell, script, _ = strings.Cut(script, "\n")
		shell, arg, _ = strings.Cut(strings.TrimPrefix(shell, "#!"), " ")
	} else {
		shell = lo.Must(lo.Coalesce(os.Getenv("SHELL"), "sh"))
	}

	cmd := exec.Command(shell, lo.Ternary(arg != "", []string{arg}, []string{})...)
	cmd.Stdin = strings.NewReader(script)
	cmd.Stderr = os.Stderr
	cmd.Dir = dir

	output, err := cmd.Output()
	return string(output), err
}
