package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/noodles/flags"
	"github.com/gammadia/noodles/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit, repository = "dev", "n/a", "gammadia/noodles"

var noodlesCmd = &cobra.Command{
	Use:   "noodles ACTION NOODLESFILE[:EXPERIMENTS] [ARGS...]",
	Short: "Noodles deploys experiments to a pool of servers over SSH, round after round.",
	Long: `Noodles runs the ACTION commands of every experiment of NOODLESFILE on the
servers it lists. Experiments run once their dependencies succeeded, on the
first eligible server whose lock they get. EXPERIMENTS is a comma-separated
list restricting the run to some experiments.`,
	Example: `  noodles run noodles.yml
  noodles stop noodles.yml:resnet,vgg -v
  noodles run noodles.yml -p epochs=20 --max-rounds 10`,
	Args: cobra.MinimumNArgs(2),

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := flags.Bind(cmd.Flags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
		if viper.GetBool(flags.Debug) {
			viper.Set(flags.LogLevel, "DEBUG")
		}
		return log.Init()
	},

	RunE: runNoodles,
}

func init() {
	noodlesCmd.AddCommand(versionCmd)

	flags.Register(noodlesCmd.PersistentFlags())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	noodlesCmd.SetOut(os.Stdout)
	if err := noodlesCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
