package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gammadia/noodles/cli/ui"
	"github.com/gammadia/noodles/flags"
	"github.com/gammadia/noodles/log"
	"github.com/gammadia/noodles/namegen"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/remote/local"
	"github.com/gammadia/noodles/remote/sshgw"
	"github.com/gammadia/noodles/scheduler"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func runNoodles(cmd *cobra.Command, args []string) error {
	verbose := viper.GetBool(flags.Verbose)
	action := args[0]
	file, experiments := parseTarget(args[1], viper.GetStringSlice(flags.Experiments))

	var spinner *ui.Spinner
	if !verbose {
		spinner = ui.NewSpinner("Reading noodlesfile")
	} else {
		cmd.PrintErrln(ui.SectionHeaderColor.Sprint("  Reading noodlesfile  "))
	}
	sp, err := spec.Read(file, spec.ReadOptions{
		Action:      action,
		Experiments: experiments,
		Args:        args[2:],
		Params:      parseParams(lo.Must(cmd.Flags().GetStringArray(flags.Param))),
	})
	if err != nil {
		spinner.Fail()
		var e spec.UnmarshalError
		if errors.As(err, &e) && verbose {
			cmd.PrintErrln(e.Source)
		}
		return fmt.Errorf("failed to read noodlesfile '%s': %w", file, err)
	}
	spinner.Success(fmt.Sprintf("Read noodlesfile '%s' (%d experiments, %d servers)", file, len(sp.Experiments), len(sp.Servers)))

	if cmd.Flags().Changed(flags.MaxRounds) || viper.IsSet(flags.MaxRounds) {
		sp.MaxRounds = viper.GetInt(flags.MaxRounds)
	}
	if path := viper.GetString(flags.StatusPath); path != "" {
		sp.StatusPath = path
	}

	if viper.GetBool(flags.DryRun) {
		cmd.Println()
		cmd.Println(ui.SectionHeaderColor.Sprint("  Noodlesfile  "))
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(sp)
	}

	runID := namegen.New(sp.Name, time.Now())
	gateway := &remote.Router{
		Remote: sshgw.New(sshgw.Config{
			Username:          viper.GetString(flags.SshUsername),
			PrivateKeyPath:    viper.GetString(flags.SshPrivateKey),
			KnownHostsPath:    viper.GetString(flags.SshKnownHosts),
			InsecureHostKey:   viper.GetBool(flags.SshInsecureHostKey),
			DialTimeout:       viper.GetDuration(flags.SshDialTimeout),
			DialAttempts:      viper.GetInt(flags.SshDialAttempts),
			KeepaliveInterval: viper.GetDuration(flags.SshKeepalive),
		}, log.Base),
		Local: local.New("", log.Base),
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			log.Warn("Failed to close connections", "error", err)
		}
	}()

	s := scheduler.New(gateway, gateway.Local, scheduler.Config{
		Logger: log.Base,
		RunID:  runID.String(),
	})

	events, unsubscribe := s.Subscribe()
	console := newConsole(cmd.ErrOrStderr(), verbose, runID.String(), len(sp.Experiments))
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for event := range events {
			console.handle(event)
		}
	}()

	log.Info("Starting run", "run", runID, "action", action, "noodlesfile", file)
	result, err := s.Run(cmd.Context(), sp)
	unsubscribe()
	<-rendered

	if result == nil {
		console.finish(&scheduler.Result{}, err)
		return err
	}
	console.finish(result, err)

	cmd.Println()
	cmd.Println(summary{verbose: verbose, width: terminalWidth()}.render(result))
	if lo.SomeBy(sp.Experiments, func(e spec.Experiment) bool { return e.WriteOutput || len(e.Downloads) > 0 }) {
		cmd.Printf("Output in %s\n", filepath.Join(sp.OutputDir, runID.String()))
	}
	if sp.StatusPath != "" {
		cmd.Printf("Status report in %s\n", sp.StatusPath)
	}

	if err != nil {
		return err
	}
	if sp.CheckAnyErrors && result.ErrorFlag {
		return fmt.Errorf("run '%s' finished with errors", runID)
	}
	return nil
}

// parseTarget splits "noodles.yml:exp1,exp2" into the noodlesfile and the
// experiments to run, merged with those given by flag.
func parseTarget(target string, selected []string) (string, []string) {
	file, list, _ := strings.Cut(target, ":")
	experiments := append(lo.Filter(selected, func(name string, _ int) bool { return name != "" }), lo.FilterMap(strings.Split(list, ","), func(name string, _ int) (string, bool) {
		name = strings.TrimSpace(name)
		return name, name != ""
	})...)
	return file, lo.Uniq(experiments)
}

func parseParams(params []string) map[string]string {
	return lo.SliceToMap(params, func(item string) (key, value string) { key, value, _ = strings.Cut(item, "="); return })
}
