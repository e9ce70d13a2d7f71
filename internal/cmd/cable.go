package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/3leaps/gofielding/pkg/output"
)

var cableCmd = &cobra.Command{
	Use:   "cable",
	Short: "Inspect and drain submission cables",
	Long: `A cable is a queued submission batch for one target: the artifact set and
optional detection rule the own team intends to field.`,
}

var cableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cables, pending ones by default",
	RunE:  runCableList,
}

var cableDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Submit pending cables and emit them as JSONL",
	Long: `Drain pending cables oldest first. Each cable is recorded in the ledger as a
submission for the current round, written as a gofielding.cable.v1 JSONL
record, and marked processed. A submission the ledger already holds counts
as satisfied. Failures are written as gofielding.error.v1 records and leave
the cable pending for the next drain.

Examples:
  gofielding cable drain
  gofielding cable drain --target CROMU_00001 --output cables.jsonl`,
	RunE: runCableDrain,
}

func init() {
	rootCmd.AddCommand(cableCmd)
	cableCmd.AddCommand(cableListCmd)
	cableCmd.AddCommand(cableDrainCmd)

	cableListCmd.Flags().String("target", "", "Only cables for this target id or name")
	cableListCmd.Flags().Bool("all", false, "Include processed cables")
	cableListCmd.Flags().Bool("json", false, "Output as JSON")

	cableDrainCmd.Flags().String("target", "", "Only drain cables for this target id or name")
	cableDrainCmd.Flags().StringP("output", "o", "", "Write JSONL to this file instead of stdout")
}

func runCableList(cmd *cobra.Command, _ []string) error {
	targetRef, _ := cmd.Flags().GetString("target")
	all, _ := cmd.Flags().GetBool("all")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var targetID int64
	if targetRef != "" {
		t, err := resolveTarget(ctx, s.db, targetRef)
		if err != nil {
			return err
		}
		targetID = t.ID
	}

	var cables []ledger.Cable
	if all {
		cables, err = ledger.ListCables(ctx, s.db, targetID)
	} else {
		cables, err = ledger.UnprocessedCables(ctx, s.db, targetID)
	}
	if err != nil {
		return ledgerExit("Failed to list cables", err)
	}

	out := cmd.OutOrStdout()
	if len(cables) == 0 {
		_, _ = fmt.Fprintln(out, "No cables found")
		return nil
	}
	if jsonOutput {
		return printJSON(out, cables)
	}
	return renderCables(out, cables)
}

func renderCables(out io.Writer, cables []ledger.Cable) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "CABLE ID\tTARGET ID\tRULE\tARTIFACTS\tPROCESSED")
	for _, c := range cables {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
			c.ID, c.TargetID, formatOptionalInt(c.RuleID), formatIDs(c.ArtifactIDs), formatOptionalTime(c.ProcessedAt))
	}
	return w.Flush()
}

func runCableDrain(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("cable drain"); err != nil {
		return err
	}
	targetRef, _ := cmd.Flags().GetString("target")
	outputPath, _ := cmd.Flags().GetString("output")

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var targetID int64
	if targetRef != "" {
		t, err := resolveTarget(ctx, s.db, targetRef)
		if err != nil {
			return err
		}
		targetID = t.ID
	}

	dst := cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
		}
		defer func() { _ = f.Close() }()
		dst = f
	}

	w := output.NewJSONLWriter(dst, uuid.New().String(), s.cfg.Team.SelfName)
	defer func() { _ = w.Close() }()

	d := worker.NewDrainer(s.db, w, s.cfg.Team.SelfName, observability.CLILogger, nil)
	sum, err := d.Drain(ctx, targetID, time.Now())
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Drain cancelled", err)
		}
		return ledgerExit("Drain failed", err)
	}
	if sum.Errors > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Drain completed with errors", fmt.Errorf("errors=%d", sum.Errors))
	}
	return nil
}
