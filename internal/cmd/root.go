package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/gofielding/internal/config"
	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity

	verbose      bool
	readOnly     bool
	dbFlag       string
	selfTeamFlag string
)

var rootCmd = &cobra.Command{
	Use:   "gofielding",
	Short: "Round-scoped submission ledger and job dedup engine",
	Long: `gofielding keeps the books for an attack/defense binary analysis competition.

It records targets, artifact lineage and the round clock, deduplicates work
handed to fuzzer, driller, exploiter, patcher and tester workers, and makes
sure the own team submits at most once per target and round.

Examples:
  gofielding db create
  gofielding seed competition.yaml
  gofielding worker run --kind fuzzer --kind driller
  gofielding serve`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCLI,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse every command that writes to the ledger or the blob store")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Ledger database path or libsql URL (overrides store.path/store.url)")
	rootCmd.PersistentFlags().StringVar(&selfTeamFlag, "self-team", "", "Name of the own team (overrides team.self_name)")

	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", "GOFIELDING_READONLY")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set up by the root command, or nil
// before any command has run.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initCLI(cmd *cobra.Command, args []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	setDefaults()
	observability.InitCLILogger(appIdentity.BinaryName, verbose)
	return nil
}

// setDefaults mirrors the config defaults onto the global viper instance so
// keys read straight from viper agree with config.Load.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("team.self_name", "self")

	viper.SetDefault("workers", 4)
	viper.SetDefault("worker.poll_interval", "30s")
	viper.SetDefault("worker.rate_limit", 20.0)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// isReadOnly reports whether --readonly (or GOFIELDING_READONLY) is set.
func isReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// requireWritable fails fast for commands that mutate state.
func requireWritable(action string) error {
	if !isReadOnly() {
		return nil
	}
	return fmt.Errorf("%s refused: readonly mode is enabled", action)
}

// flagOverrides turns the persistent flags into config overrides.
func flagOverrides() map[string]any {
	out := map[string]any{}
	if db := strings.TrimSpace(dbFlag); db != "" {
		if strings.HasPrefix(db, "libsql://") || strings.HasPrefix(db, "https://") {
			out["store.url"] = db
		} else {
			out["store.path"] = db
		}
	}
	if team := strings.TrimSpace(selfTeamFlag); team != "" {
		out["team.self_name"] = team
	}
	return out
}
