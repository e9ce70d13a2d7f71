package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/pkg/ledger"
)

var roundCmd = &cobra.Command{
	Use:   "round",
	Short: "Manage the round clock",
}

var roundAddCmd = &cobra.Command{
	Use:   "add <num>",
	Short: "Append a round",
	Long: `Append a round with the given sequence number.

The end is either an absolute RFC3339 timestamp (--ends-at) or a duration
from now (--duration). A round without an end only becomes current once no
later-ending round is open.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoundAdd,
}

var roundCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current round",
	RunE:  runRoundCurrent,
}

var roundListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rounds",
	RunE:  runRoundList,
}

func init() {
	rootCmd.AddCommand(roundCmd)
	roundCmd.AddCommand(roundAddCmd)
	roundCmd.AddCommand(roundCurrentCmd)
	roundCmd.AddCommand(roundListCmd)

	roundAddCmd.Flags().String("ends-at", "", "Round end as RFC3339")
	roundAddCmd.Flags().Duration("duration", 0, "Round end relative to now")
	roundAddCmd.Flags().Bool("json", false, "Output as JSON")
	roundCurrentCmd.Flags().String("at", "", "Resolve at this RFC3339 time instead of now")
	roundCurrentCmd.Flags().Bool("json", false, "Output as JSON")
	roundListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRoundAdd(cmd *cobra.Command, args []string) error {
	if err := requireWritable("round add"); err != nil {
		return err
	}
	num, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || num < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid round number", fmt.Errorf("%q is not a non-negative integer", args[0]))
	}
	endsAtFlag, _ := cmd.Flags().GetString("ends-at")
	duration, _ := cmd.Flags().GetDuration("duration")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var endsAt *time.Time
	switch {
	case endsAtFlag != "" && duration != 0:
		return exitError(foundry.ExitInvalidArgument, "Invalid round end", fmt.Errorf("--ends-at and --duration are mutually exclusive"))
	case endsAtFlag != "":
		t, err := time.Parse(time.RFC3339, endsAtFlag)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --ends-at value", err)
		}
		endsAt = &t
	case duration != 0:
		t := time.Now().Add(duration)
		endsAt = &t
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := ledger.CreateRound(ctx, s.db, num, endsAt)
	if err != nil {
		return ledgerExit("Failed to create round", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, r)
	}
	_, _ = fmt.Fprintf(out, "round_id=%d num=%d ends_at=%s\n", r.ID, r.Num, formatOptionalTime(r.EndsAt))
	return nil
}

func runRoundCurrent(cmd *cobra.Command, _ []string) error {
	at, _ := cmd.Flags().GetString("at")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	now := time.Now()
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --at value", err)
		}
		now = t
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := ledger.CurrentRound(ctx, s.db, now)
	if err != nil {
		return ledgerExit("No current round", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, r)
	}
	_, _ = fmt.Fprintf(out, "round_id=%d num=%d ends_at=%s\n", r.ID, r.Num, formatOptionalTime(r.EndsAt))
	return nil
}

func runRoundList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	rounds, err := ledger.ListRounds(ctx, s.db)
	if err != nil {
		return ledgerExit("Failed to list rounds", err)
	}
	out := cmd.OutOrStdout()
	if len(rounds) == 0 {
		_, _ = fmt.Fprintln(out, "No rounds found")
		return nil
	}
	if jsonOutput {
		return printJSON(out, rounds)
	}

	var currentID int64
	if cur, err := ledger.CurrentRound(ctx, s.db, time.Now()); err == nil {
		currentID = cur.ID
	}
	return renderRounds(out, rounds, currentID)
}

func renderRounds(out io.Writer, rounds []ledger.Round, currentID int64) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ROUND ID\tNUM\tENDS AT\tCURRENT")
	for _, r := range rounds {
		current := "no"
		if r.ID == currentID {
			current = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", r.ID, r.Num, formatOptionalTime(r.EndsAt), current)
	}
	return w.Flush()
}
