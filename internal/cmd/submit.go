package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/ledger"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Decide this round's submissions, or record one directly",
	Long: `Without --artifacts, decide what the own team submits this round: for every
target seen in the current round without an own submission, queue a cable
with the newest unsubmitted patch of each root and the newest unsubmitted
detection rule. Cables are handed to the transport by 'cable drain'.

With --target and --artifacts, record a fielding directly. A second
submission for the same target, team and round is refused.

Examples:
  gofielding submit
  gofielding submit --match 'CROMU_*'
  gofielding submit --target CROMU_00001 --artifacts 4,7`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("target", "", "Target id or name for a direct submission")
	submitCmd.Flags().String("team", "", "Team id or name (default: own team)")
	submitCmd.Flags().StringSlice("artifacts", nil, "Artifact ids for a direct submission")
	submitCmd.Flags().String("match", "", "Only decide for targets matching this doublestar glob")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("submit"); err != nil {
		return err
	}
	artifacts, _ := cmd.Flags().GetStringSlice("artifacts")
	if len(artifacts) > 0 || cmd.Flags().Changed("target") {
		return runDirectSubmit(cmd, artifacts)
	}
	return runDecide(cmd)
}

func runDirectSubmit(cmd *cobra.Command, artifacts []string) error {
	targetRef, _ := cmd.Flags().GetString("target")
	teamRef, _ := cmd.Flags().GetString("team")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ids, err := parseIDList(artifacts, "artifact id")
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := resolveTarget(ctx, s.db, targetRef)
	if err != nil {
		return err
	}
	team, err := resolveTeam(ctx, s.db, teamRef, s.cfg.Team.SelfName)
	if err != nil {
		return err
	}

	f, err := ledger.Submit(ctx, s.db, ledger.SubmitParams{TargetID: t.ID, TeamID: team.ID, ArtifactIDs: ids})
	if err != nil {
		if ledger.IsUniqueViolation(err) {
			return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("%s already submitted for %s this round", team.Name, t.Name), err)
		}
		return ledgerExit("Submission refused", err)
	}
	observability.CLILogger.Info("Submission recorded",
		zap.String("target", t.Name),
		zap.String("team", team.Name),
		zap.Int64("fielding_id", f.ID))

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, f)
	}
	_, _ = fmt.Fprintf(out, "fielding_id=%d target=%s team=%s round_id=%s artifacts=%s\n",
		f.ID, t.Name, team.Name, formatOptionalInt(f.SubmissionRoundID), formatIDs(f.ArtifactIDs))
	return nil
}

func runDecide(cmd *cobra.Command) error {
	match, _ := cmd.Flags().GetString("match")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sub := worker.NewSubmitter(s.db, s.cfg.Team.SelfName, observability.CLILogger, nil)
	if match == "" {
		match = s.cfg.Worker.TargetMatch
	}
	if match != "" {
		sub = sub.WithTargetMatch(match)
	}
	decisions, err := sub.Decide(ctx, time.Now())
	if err != nil {
		return ledgerExit("Failed to decide submissions", err)
	}

	out := cmd.OutOrStdout()
	if len(decisions) == 0 {
		_, _ = fmt.Fprintln(out, "No targets in the current round")
		return nil
	}
	if jsonOutput {
		return printJSON(out, decisions)
	}
	return renderDecisions(out, decisions)
}

func renderDecisions(out io.Writer, decisions []worker.Decision) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "TARGET\tDECISION\tCABLE\tRULE\tARTIFACTS")
	for _, d := range decisions {
		decision, cable, rule, arts := "queued", "-", "-", "-"
		if d.SkipReason != "" {
			decision = d.SkipReason
		}
		if d.Cable != nil {
			cable = fmt.Sprintf("%d", d.Cable.ID)
			rule = formatOptionalInt(d.Cable.RuleID)
			arts = formatIDs(d.Cable.ArtifactIDs)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.TargetName, decision, cable, rule, arts)
	}
	return w.Flush()
}
