package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/pkg/ledger"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the ledger database",
	Long: `Manage the ledger database.

The location comes from store.path (a local SQLite file) or store.url (a
libsql URL), or from the --db flag.`,
}

var dbCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or upgrade the ledger schema",
	RunE:  runDBCreate,
}

var dbDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop every ledger table",
	RunE:  runDBDrop,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version and current round",
	RunE:  runDBStatus,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbCreateCmd)
	dbCmd.AddCommand(dbDropCmd)
	dbCmd.AddCommand(dbStatusCmd)

	dbDropCmd.Flags().Bool("force", false, "Confirm dropping all ledger data")
	dbStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDBCreate(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("db create"); err != nil {
		return err
	}
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "Ledger database initialized")
	_, _ = fmt.Fprintf(out, "db=%s\n", storeLocation(s))
	_, _ = fmt.Fprintf(out, "schema_version=%d\n", ledger.SchemaVersion)
	return nil
}

func runDBDrop(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("db drop"); err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if !force {
		return exitError(foundry.ExitInvalidArgument, "Refusing to drop the ledger", fmt.Errorf("pass --force to confirm"))
	}

	ctx := commandContext(cmd)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := ledger.Drop(ctx, db); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to drop ledger", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Ledger tables dropped")
	return nil
}

// DBStatus is the JSON shape of db status.
type DBStatus struct {
	Location      string        `json:"location"`
	SchemaVersion int           `json:"schema_version"`
	CurrentRound  *ledger.Round `json:"current_round,omitempty"`
	Rounds        int           `json:"rounds"`
	Targets       int           `json:"targets"`
	Teams         int           `json:"teams"`
}

func runDBStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	version, err := ledger.CurrentSchemaVersion(ctx, s.db)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read schema version", err)
	}
	status := DBStatus{Location: storeLocation(s), SchemaVersion: version}

	if version > 0 {
		rounds, err := ledger.ListRounds(ctx, s.db)
		if err != nil {
			return ledgerExit("Failed to list rounds", err)
		}
		targets, err := ledger.ListTargets(ctx, s.db, "")
		if err != nil {
			return ledgerExit("Failed to list targets", err)
		}
		teams, err := ledger.ListTeams(ctx, s.db)
		if err != nil {
			return ledgerExit("Failed to list teams", err)
		}
		status.Rounds, status.Targets, status.Teams = len(rounds), len(targets), len(teams)

		current, err := ledger.CurrentRound(ctx, s.db, time.Now())
		switch {
		case err == nil:
			status.CurrentRound = current
		case !ledger.IsNotFound(err) && !ledger.IsNoCurrentRound(err):
			return ledgerExit("Failed to resolve current round", err)
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, status)
	}
	_, _ = fmt.Fprintf(out, "db=%s\n", status.Location)
	_, _ = fmt.Fprintf(out, "schema_version=%d\n", status.SchemaVersion)
	_, _ = fmt.Fprintf(out, "rounds=%d targets=%d teams=%d\n", status.Rounds, status.Targets, status.Teams)
	if status.CurrentRound != nil {
		_, _ = fmt.Fprintf(out, "current_round=%d\n", status.CurrentRound.Num)
	} else {
		_, _ = fmt.Fprintln(out, "current_round=-")
	}
	return nil
}

func storeLocation(s *session) string {
	if s.cfg.Store.URL != "" {
		return s.cfg.Store.URL
	}
	return s.cfg.Store.Path
}
