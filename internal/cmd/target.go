package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/pkg/ledger"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage challenge targets",
}

var targetAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a target",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetAdd,
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets",
	Long: `List targets, optionally filtered by a doublestar glob over names.

Examples:
  gofielding target list
  gofielding target list --match 'CROMU_*'
  gofielding target list --round 3`,
	RunE: runTargetList,
}

var targetSeenCmd = &cobra.Command{
	Use:   "seen <target>",
	Short: "Record that a target was fielded in a round",
	Long: `Record that a target was fielded in a round. Without --round the
current round is used. Recording the same pair twice is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runTargetSeen,
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetAddCmd)
	targetCmd.AddCommand(targetListCmd)
	targetCmd.AddCommand(targetSeenCmd)

	targetAddCmd.Flags().Bool("json", false, "Output as JSON")
	targetListCmd.Flags().String("match", "", "Doublestar glob over target names")
	targetListCmd.Flags().Int64("round", 0, "Only targets seen in the round with this number")
	targetListCmd.Flags().Bool("json", false, "Output as JSON")
	targetSeenCmd.Flags().Int64("round", -1, "Round number (default: current round)")
}

func runTargetAdd(cmd *cobra.Command, args []string) error {
	if err := requireWritable("target add"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := ledger.CreateTarget(ctx, s.db, args[0])
	if err != nil {
		return ledgerExit("Failed to create target", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, t)
	}
	_, _ = fmt.Fprintf(out, "target_id=%d name=%s\n", t.ID, t.Name)
	return nil
}

// TargetRow is one line of target list.
type TargetRow struct {
	ledger.Target
	Rounds []int64 `json:"rounds"`
}

func runTargetList(cmd *cobra.Command, _ []string) error {
	match, _ := cmd.Flags().GetString("match")
	roundNum, _ := cmd.Flags().GetInt64("round")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var targets []ledger.Target
	if cmd.Flags().Changed("round") {
		r, err := ledger.GetRoundByNum(ctx, s.db, roundNum)
		if err != nil {
			return ledgerExit(fmt.Sprintf("Unknown round %d", roundNum), err)
		}
		fielded, err := ledger.FieldedInRound(ctx, s.db, r.ID)
		if err != nil {
			return ledgerExit("Failed to list targets", err)
		}
		for _, t := range fielded {
			if match == "" || matchesGlob(match, t.Name) {
				targets = append(targets, t)
			}
		}
	} else {
		targets, err = ledger.ListTargets(ctx, s.db, match)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to list targets", err)
		}
	}

	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		_, _ = fmt.Fprintln(out, "No targets found")
		return nil
	}

	rows := make([]TargetRow, 0, len(targets))
	for _, t := range targets {
		rounds, err := ledger.TargetRounds(ctx, s.db, t.ID)
		if err != nil {
			return ledgerExit("Failed to list target rounds", err)
		}
		nums := make([]int64, 0, len(rounds))
		for _, r := range rounds {
			nums = append(nums, r.Num)
		}
		rows = append(rows, TargetRow{Target: t, Rounds: nums})
	}
	if jsonOutput {
		return printJSON(out, rows)
	}
	return renderTargets(out, rows)
}

func renderTargets(out io.Writer, rows []TargetRow) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "TARGET ID\tNAME\tROUNDS")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Name, formatIDs(r.Rounds))
	}
	return w.Flush()
}

func runTargetSeen(cmd *cobra.Command, args []string) error {
	if err := requireWritable("target seen"); err != nil {
		return err
	}
	roundNum, _ := cmd.Flags().GetInt64("round")

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := resolveTarget(ctx, s.db, args[0])
	if err != nil {
		return err
	}
	var r *ledger.Round
	if roundNum >= 0 {
		r, err = ledger.GetRoundByNum(ctx, s.db, roundNum)
	} else {
		r, err = ledger.CurrentRound(ctx, s.db, time.Now())
	}
	if err != nil {
		return ledgerExit("Cannot resolve round", err)
	}

	created, err := ledger.SeenInRound(ctx, s.db, t.ID, r.ID)
	if err != nil {
		return ledgerExit("Failed to record target round", err)
	}
	status := "recorded"
	if !created {
		status = "already recorded"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "target=%s round=%d %s\n", t.Name, r.Num, status)
	return nil
}

func matchesGlob(pattern, name string) bool {
	ok, err := doublestar.Match(strings.TrimSpace(pattern), name)
	return err == nil && ok
}
