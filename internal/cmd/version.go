package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/pkg/ledger"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

// VersionOutput is the JSON shape of the version command.
type VersionOutput struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	BuildDate       string `json:"build_date"`
	GoVersion       string `json:"go_version"`
	SchemaVersion   int    `json:"schema_version"`
	CrucibleVersion string `json:"crucible_version,omitempty"`
	GofulmenVersion string `json:"gofulmen_version,omitempty"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	deps := crucible.GetVersion()
	v := VersionOutput{
		Version:         versionInfo.Version,
		Commit:          versionInfo.Commit,
		BuildDate:       versionInfo.BuildDate,
		GoVersion:       runtime.Version(),
		SchemaVersion:   ledger.SchemaVersion,
		CrucibleVersion: deps.Crucible,
		GofulmenVersion: deps.Gofulmen,
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, v)
	}
	name := "gofielding"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}
	_, _ = fmt.Fprintf(out, "%s %s (commit %s, built %s)\n", name, v.Version, v.Commit, v.BuildDate)
	_, _ = fmt.Fprintf(out, "go %s, ledger schema v%d\n", v.GoVersion, v.SchemaVersion)
	if v.CrucibleVersion != "" || v.GofulmenVersion != "" {
		_, _ = fmt.Fprintf(out, "crucible %s, gofulmen %s\n", v.CrucibleVersion, v.GofulmenVersion)
	}
	return nil
}
