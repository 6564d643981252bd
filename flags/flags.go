package flags

import (
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"

	Debug       = "debug"
	DryRun      = "dry-run"
	Experiments = "experiments"
	Param       = "param"
	Verbose     = "verbose"

	MaxRounds  = "max-rounds"
	StatusPath = "status-path"

	SshUsername        = "ssh-username"
	SshPrivateKey      = "ssh-private-key"
	SshKnownHosts      = "ssh-known-hosts"
	SshDialTimeout     = "ssh-dial-timeout"
	SshDialAttempts    = "ssh-dial-attempts"
	SshKeepalive       = "ssh-keepalive"
	SshInsecureHostKey = "insecure-host-key"
)

// EnvPrefix is prepended to flag names, upper-cased with dashes turned into
// underscores, to read them from the environment (NOODLES_LOG_LEVEL).
const EnvPrefix = "noodles"

// Register defines the process-level flags on flags.
func Register(flags *flag.FlagSet) {
	// Logging
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")

	// Run
	flags.BoolP(Debug, "d", false, "print debug logs")
	flags.BoolP(DryRun, "n", false, "show the resolved noodlesfile without running it")
	flags.StringSliceP(Experiments, "e", nil, "only run these experiments")
	flags.StringArrayP(Param, "p", nil, "noodlesfile parameters to set (key=value)")
	flags.BoolP(Verbose, "v", false, "print every deployment")
	flags.Int(MaxRounds, 0, "override the maximum number of rounds (0 is unbounded)")
	flags.String(StatusPath, "", "override the status report path")

	// SSH
	flags.String(SshUsername, "", "username for servers without one")
	flags.String(SshPrivateKey, "", "private key for servers without one")
	flags.String(SshKnownHosts, "", "known_hosts file (defaults to ~/.ssh/known_hosts)")
	flags.Duration(SshDialTimeout, 0, "ssh connection timeout")
	flags.Int(SshDialAttempts, 0, "ssh connection attempts")
	flags.Duration(SshKeepalive, 0, "interval between ssh keepalives")
	flags.Bool(SshInsecureHostKey, false, "accept any ssh host key")
}

// Bind makes every flag of flags readable through viper, with environment
// variables as fallback.
func Bind(flags *flag.FlagSet) error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return viper.BindPFlags(flags)
}
