package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/pkg/ledger"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Record test cases, crashes and detection rules",
	Long: `Record the evidence workers produce.

Test cases feed driller and tester jobs, crashes feed exploiter jobs, and
detection rules travel in submission cables next to patches.`,
}

var evidenceTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Record a test case",
	RunE:  runEvidenceTest,
}

var evidenceCrashCmd = &cobra.Command{
	Use:   "crash",
	Short: "Record a crash",
	RunE:  runEvidenceCrash,
}

var evidenceRuleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Record a detection rule set for a target",
	RunE:  runEvidenceRule,
}

var evidenceListCmd = &cobra.Command{
	Use:   "list <artifact_id>",
	Short: "List test cases and crashes for an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvidenceList,
}

func init() {
	rootCmd.AddCommand(evidenceCmd)
	evidenceCmd.AddCommand(evidenceTestCmd)
	evidenceCmd.AddCommand(evidenceCrashCmd)
	evidenceCmd.AddCommand(evidenceRuleCmd)
	evidenceCmd.AddCommand(evidenceListCmd)

	for _, c := range []*cobra.Command{evidenceTestCmd, evidenceCrashCmd} {
		c.Flags().Int64("artifact", 0, "Artifact the evidence was found on (required)")
		c.Flags().Int64("job", 0, "Job that produced the evidence")
		c.Flags().String("sha256", "", "SHA-256 of the input (required)")
		c.Flags().Bool("json", false, "Output as JSON")
	}
	evidenceCrashCmd.Flags().String("kind", "", "Crash kind, e.g. SIGSEGV")
	evidenceCrashCmd.Flags().String("pc", "", "Faulting program counter")

	evidenceRuleCmd.Flags().String("target", "", "Target id or name (required)")
	evidenceRuleCmd.Flags().String("file", "", "Rule file (required)")
	evidenceRuleCmd.Flags().Bool("json", false, "Output as JSON")

	evidenceListCmd.Flags().String("scope", ledger.ScopeTree.String(), "Aggregate scope: artifact, subtree, tree or target")
	evidenceListCmd.Flags().Bool("json", false, "Output as JSON")
}

func evidenceParams(cmd *cobra.Command) (ledger.EvidenceParams, error) {
	artifactID, _ := cmd.Flags().GetInt64("artifact")
	jobID, _ := cmd.Flags().GetInt64("job")
	sum, _ := cmd.Flags().GetString("sha256")
	if artifactID <= 0 {
		return ledger.EvidenceParams{}, exitError(foundry.ExitInvalidArgument, "Invalid --artifact value", fmt.Errorf("--artifact is required"))
	}
	if strings.TrimSpace(sum) == "" {
		return ledger.EvidenceParams{}, exitError(foundry.ExitInvalidArgument, "Invalid --sha256 value", fmt.Errorf("--sha256 is required"))
	}
	p := ledger.EvidenceParams{ArtifactID: &artifactID, SHA256: sum}
	if jobID > 0 {
		p.JobID = &jobID
	}
	return p, nil
}

func runEvidenceTest(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("evidence test"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	p, err := evidenceParams(cmd)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	tc, err := ledger.CreateTestCase(ctx, s.db, p)
	if err != nil {
		return ledgerExit("Failed to record test case", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, tc)
	}
	_, _ = fmt.Fprintf(out, "test_id=%d target_id=%d\n", tc.ID, tc.TargetID)
	return nil
}

func runEvidenceCrash(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("evidence crash"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	kind, _ := cmd.Flags().GetString("kind")
	pc, _ := cmd.Flags().GetString("pc")
	ep, err := evidenceParams(cmd)
	if err != nil {
		return err
	}
	p := ledger.CrashParams{EvidenceParams: ep, Kind: kind}
	if pc != "" {
		n, err := strconv.ParseInt(pc, 0, 64)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --pc value", err)
		}
		p.CrashPC = &n
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := ledger.CreateCrash(ctx, s.db, p)
	if err != nil {
		return ledgerExit("Failed to record crash", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, c)
	}
	_, _ = fmt.Fprintf(out, "crash_id=%d target_id=%d\n", c.ID, c.TargetID)
	return nil
}

func runEvidenceRule(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("evidence rule"); err != nil {
		return err
	}
	targetRef, _ := cmd.Flags().GetString("target")
	file, _ := cmd.Flags().GetString("file")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if file == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --file value", fmt.Errorf("--file is required"))
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read rule file", err)
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
	r, err := ledger.CreateRule(ctx, s.db, t.ID, string(data))
	if err != nil {
		return ledgerExit("Failed to record rule", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, r)
	}
	_, _ = fmt.Fprintf(out, "rule_id=%d target=%s sha256=%s\n", r.ID, t.Name, r.SHA256)
	return nil
}

// Evidence is the JSON shape of evidence list.
type Evidence struct {
	Scope   string            `json:"scope"`
	Tests   []ledger.TestCase `json:"tests"`
	Crashes []ledger.Crash    `json:"crashes"`
}

func runEvidenceList(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID(args[0], "artifact id")
	if err != nil {
		return err
	}
	scope, err := ledger.ParseAggregateScope(scopeFlag)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --scope value", err)
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	tests, err := ledger.Tests(ctx, s.db, id, scope)
	if err != nil {
		return ledgerExit("Failed to list test cases", err)
	}
	crashes, err := ledger.Crashes(ctx, s.db, id, scope)
	if err != nil {
		return ledgerExit("Failed to list crashes", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, Evidence{Scope: scope.String(), Tests: tests, Crashes: crashes})
	}
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "TYPE\tID\tARTIFACT\tDETAIL\tSHA256")
	for _, tc := range tests {
		detail := "undrilled"
		if tc.Drilled {
			detail = "drilled"
		}
		_, _ = fmt.Fprintf(w, "test\t%d\t%s\t%s\t%s\n", tc.ID, formatOptionalInt(tc.ArtifactID), detail, shortHash(tc.SHA256))
	}
	for _, c := range crashes {
		detail := c.Kind
		if detail == "" {
			detail = "-"
		}
		_, _ = fmt.Fprintf(w, "crash\t%d\t%s\t%s\t%s\n", c.ID, formatOptionalInt(c.ArtifactID), detail, shortHash(c.SHA256))
	}
	return w.Flush()
}
