package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/pkg/manifest"
)

var seedCmd = &cobra.Command{
	Use:   "seed <manifest>",
	Short: "Seed rounds, teams, targets and artifacts from a manifest",
	Long: `Seed the ledger from a competition manifest (YAML or JSON).

Seeding is idempotent: rows that already exist are left alone, so the same
manifest can be applied at the start of every round.

Examples:
  gofielding seed competition.yaml
  gofielding seed competition.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().Bool("dry-run", false, "Validate the manifest without writing")
	seedCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSeed(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := manifest.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	out := cmd.OutOrStdout()
	if dryRun {
		_, _ = fmt.Fprintf(out, "Manifest valid: %d rounds, %d teams, %d targets\n", len(m.Rounds), len(m.Teams), len(m.Targets))
		return nil
	}
	if err := requireWritable("seed"); err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := manifest.Apply(ctx, s.db, m)
	if err != nil {
		return ledgerExit("Failed to apply manifest", err)
	}
	observability.CLILogger.Debug("Manifest applied",
		zap.String("manifest", args[0]),
		zap.Int("targets_created", res.TargetsCreated),
		zap.Int("artifacts_created", res.ArtifactsCreated))

	if jsonOutput {
		return printJSON(out, res)
	}
	_, _ = fmt.Fprintf(out, "rounds_created=%d\n", res.RoundsCreated)
	_, _ = fmt.Fprintf(out, "teams_created=%d\n", res.TeamsCreated)
	_, _ = fmt.Fprintf(out, "targets_created=%d\n", res.TargetsCreated)
	_, _ = fmt.Fprintf(out, "artifacts_created=%d\n", res.ArtifactsCreated)
	_, _ = fmt.Fprintf(out, "rounds_seen=%d\n", res.RoundsSeen)
	return nil
}
