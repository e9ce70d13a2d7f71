package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/pkg/blobstore"
	"github.com/3leaps/gofielding/pkg/ledger"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage target artifacts and their lineage",
}

var artifactAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an artifact",
	Long: `Register an artifact of a target.

With --file the binary is stored in the blob store and its SHA-256 and size
are taken from the content. Without --file, --sha256 names a blob that was
uploaded out of band.

Examples:
  gofielding artifact add --target CROMU_00001 --file ./CROMU_00001
  gofielding artifact add --target CROMU_00001 --parent 1 --patch-kind reassembler --file ./patched`,
	RunE: runArtifactAdd,
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts of a target",
	RunE:  runArtifactList,
}

var artifactLineageCmd = &cobra.Command{
	Use:   "lineage <artifact_id>",
	Short: "Show the lineage tree an artifact belongs to",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactLineage,
}

var artifactSymbolsCmd = &cobra.Command{
	Use:   "symbols <artifact_id>",
	Short: "Show or record function identities of an artifact",
	Long: `Show the symbol table of an artifact: identities recorded against the
artifact merged over target-wide identities.

--add ADDRESS=SYMBOL records an identity first. Addresses accept 0x prefixes.`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifactSymbols,
}

func init() {
	rootCmd.AddCommand(artifactCmd)
	artifactCmd.AddCommand(artifactAddCmd)
	artifactCmd.AddCommand(artifactListCmd)
	artifactCmd.AddCommand(artifactLineageCmd)
	artifactCmd.AddCommand(artifactSymbolsCmd)

	artifactAddCmd.Flags().String("target", "", "Target id or name (required)")
	artifactAddCmd.Flags().String("file", "", "Binary to store and register")
	artifactAddCmd.Flags().String("sha256", "", "SHA-256 of an already stored blob")
	artifactAddCmd.Flags().Int64("size", 0, "Size in bytes when --sha256 is used")
	artifactAddCmd.Flags().String("name", "", "Artifact name (default: file base name)")
	artifactAddCmd.Flags().Int64("parent", 0, "Parent artifact id")
	artifactAddCmd.Flags().String("patch-kind", "", "Patch kind tag for derived artifacts")
	artifactAddCmd.Flags().Bool("json", false, "Output as JSON")

	artifactListCmd.Flags().String("target", "", "Target id or name (required)")
	artifactListCmd.Flags().Bool("roots", false, "Only list root artifacts")
	artifactListCmd.Flags().Bool("json", false, "Output as JSON")

	artifactLineageCmd.Flags().Bool("json", false, "Output as JSON")

	artifactSymbolsCmd.Flags().StringSlice("add", nil, "Record ADDRESS=SYMBOL before listing")
	artifactSymbolsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runArtifactAdd(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("artifact add"); err != nil {
		return err
	}
	targetRef, _ := cmd.Flags().GetString("target")
	file, _ := cmd.Flags().GetString("file")
	sum, _ := cmd.Flags().GetString("sha256")
	size, _ := cmd.Flags().GetInt64("size")
	name, _ := cmd.Flags().GetString("name")
	parent, _ := cmd.Flags().GetInt64("parent")
	patchKind, _ := cmd.Flags().GetString("patch-kind")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if (file == "") == (sum == "") {
		return exitError(foundry.ExitInvalidArgument, "Invalid artifact source", fmt.Errorf("exactly one of --file or --sha256 is required"))
	}
	if name == "" {
		if file == "" {
			return exitError(foundry.ExitInvalidArgument, "Invalid artifact name", fmt.Errorf("--name is required with --sha256"))
		}
		name = filepath.Base(file)
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

	if file != "" {
		blobs, err := s.openBlobs(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = blobs.Close() }()

		f, err := os.Open(file)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to open artifact file", err)
		}
		sum, size, err = blobs.Put(ctx, f)
		_ = f.Close()
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to store artifact blob", err)
		}
		observability.CLILogger.Debug("Stored artifact blob", zap.String("sha256", sum), zap.Int64("size", size))
	} else if sum, err = blobstore.NormalizeDigest(sum); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --sha256 value", err)
	}

	p := ledger.ArtifactParams{TargetID: t.ID, Name: name, SHA256: sum, SizeBytes: size}
	if parent > 0 {
		p.ParentID = &parent
	}
	if patchKind = strings.TrimSpace(patchKind); patchKind != "" {
		p.PatchKind = &patchKind
	}
	a, err := ledger.CreateArtifact(ctx, s.db, p)
	if err != nil {
		return ledgerExit("Failed to create artifact", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, a)
	}
	_, _ = fmt.Fprintf(out, "artifact_id=%d target=%s sha256=%s\n", a.ID, t.Name, a.SHA256)
	return nil
}

func runArtifactList(cmd *cobra.Command, _ []string) error {
	targetRef, _ := cmd.Flags().GetString("target")
	rootsOnly, _ := cmd.Flags().GetBool("roots")
	jsonOutput, _ := cmd.Flags().GetBool("json")

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
	var arts []ledger.Artifact
	if rootsOnly {
		arts, err = ledger.Roots(ctx, s.db, t.ID)
	} else {
		arts, err = ledger.ListArtifacts(ctx, s.db, t.ID)
	}
	if err != nil {
		return ledgerExit("Failed to list artifacts", err)
	}

	out := cmd.OutOrStdout()
	if len(arts) == 0 {
		_, _ = fmt.Fprintln(out, "No artifacts found")
		return nil
	}
	if jsonOutput {
		return printJSON(out, arts)
	}
	return renderArtifacts(out, arts)
}

func renderArtifacts(out io.Writer, arts []ledger.Artifact) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ARTIFACT ID\tPARENT\tNAME\tPATCH KIND\tSIZE\tSHA256")
	for _, a := range arts {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, formatOptionalInt(a.ParentID), a.Name, formatOptionalString(a.PatchKind), a.SizeBytes, shortHash(a.SHA256))
	}
	return w.Flush()
}

// Lineage is the JSON shape of artifact lineage.
type Lineage struct {
	Root        ledger.Artifact   `json:"root"`
	Descendants []ledger.Artifact `json:"descendants"`
}

func runArtifactLineage(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID(args[0], "artifact id")
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	root, err := ledger.RootOf(ctx, s.db, id)
	if err != nil {
		return ledgerExit(fmt.Sprintf("Unknown artifact %d", id), err)
	}
	desc, err := ledger.DescendantsOf(ctx, s.db, root.ID)
	if err != nil {
		return ledgerExit("Failed to list descendants", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, Lineage{Root: *root, Descendants: desc})
	}
	renderLineage(out, *root, desc)
	return nil
}

// renderLineage prints the tree depth-first, children in id order.
func renderLineage(out io.Writer, root ledger.Artifact, desc []ledger.Artifact) {
	children := make(map[int64][]ledger.Artifact)
	for _, a := range desc {
		if a.ParentID != nil {
			children[*a.ParentID] = append(children[*a.ParentID], a)
		}
	}
	var walk func(a ledger.Artifact, depth int)
	walk = func(a ledger.Artifact, depth int) {
		label := a.Name
		if a.IsPatch() {
			label += " [" + *a.PatchKind + "]"
		}
		_, _ = fmt.Fprintf(out, "%s%d %s\n", strings.Repeat("  ", depth), a.ID, label)
		for _, c := range children[a.ID] {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
}

// Symbol is one row of artifact symbols.
type Symbol struct {
	Address int64  `json:"address"`
	Symbol  string `json:"symbol"`
}

func runArtifactSymbols(cmd *cobra.Command, args []string) error {
	adds, _ := cmd.Flags().GetStringSlice("add")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID(args[0], "artifact id")
	if err != nil {
		return err
	}
	if len(adds) > 0 {
		if err := requireWritable("artifact symbols --add"); err != nil {
			return err
		}
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	a, err := ledger.GetArtifact(ctx, s.db, id)
	if err != nil {
		return ledgerExit(fmt.Sprintf("Unknown artifact %d", id), err)
	}
	for _, add := range adds {
		addr, sym, err := parseSymbol(add)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --add value", err)
		}
		if _, err := ledger.CreateFunctionIdentity(ctx, s.db, a.TargetID, &a.ID, addr, sym); err != nil {
			return ledgerExit("Failed to record function identity", err)
		}
	}

	table, err := ledger.SymbolTable(ctx, s.db, a.ID)
	if err != nil {
		return ledgerExit("Failed to read symbol table", err)
	}
	syms := make([]Symbol, 0, len(table))
	for addr, sym := range table {
		syms = append(syms, Symbol{Address: addr, Symbol: sym})
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Address < syms[j].Address })

	out := cmd.OutOrStdout()
	if len(syms) == 0 {
		_, _ = fmt.Fprintln(out, "No symbols found")
		return nil
	}
	if jsonOutput {
		return printJSON(out, syms)
	}
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ADDRESS\tSYMBOL")
	for _, sym := range syms {
		_, _ = fmt.Fprintf(w, "0x%x\t%s\n", sym.Address, sym.Symbol)
	}
	return w.Flush()
}

func parseSymbol(s string) (int64, string, error) {
	addr, sym, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(sym) == "" {
		return 0, "", fmt.Errorf("expected ADDRESS=SYMBOL, got %q", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(addr), 0, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return n, strings.TrimSpace(sym), nil
}
