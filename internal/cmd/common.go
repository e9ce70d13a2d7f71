package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/internal/config"
	"github.com/3leaps/gofielding/pkg/blobstore"
	"github.com/3leaps/gofielding/pkg/ledger"
)

// session is the configuration and ledger handle shared by one command run.
type session struct {
	cfg *config.Config
	db  *sql.DB
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	return loadConfigWith(ctx, flagOverrides())
}

func loadConfigWith(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// openSession loads config and opens the ledger. Outside readonly mode the
// schema is migrated first, so every write command works on a fresh path.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	db, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !isReadOnly() {
		if err := migrateLedger(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &session{cfg: cfg, db: db}, nil
}

func migrateLedger(ctx context.Context, db *sql.DB) error {
	if err := ledger.Migrate(ctx, db); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate ledger", err)
	}
	return nil
}

func openLedger(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := ledger.Open(ctx, ledger.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open ledger", err)
	}
	return db, nil
}

func (s *session) Close() {
	if s != nil && s.db != nil {
		_ = s.db.Close()
	}
}

func (s *session) openBlobs(ctx context.Context) (*blobstore.Store, error) {
	b := s.cfg.Blobs
	store, err := blobstore.Open(ctx, blobstore.Config{
		Provider:       b.Provider,
		BaseDir:        b.BaseDir,
		Bucket:         b.Bucket,
		Prefix:         b.Prefix,
		Region:         b.Region,
		Endpoint:       b.Endpoint,
		Profile:        b.Profile,
		ForcePathStyle: b.ForcePathStyle,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open blob store", err)
	}
	return store, nil
}

// resolveTarget accepts a numeric target id or a target name.
func resolveTarget(ctx context.Context, db *sql.DB, ref string) (*ledger.Target, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Target is required", fmt.Errorf("empty target reference"))
	}
	var (
		t   *ledger.Target
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		t, err = ledger.GetTarget(ctx, db, id)
	} else {
		t, err = ledger.GetTargetByName(ctx, db, ref)
	}
	if err != nil {
		return nil, ledgerExit("Unknown target "+ref, err)
	}
	return t, nil
}

// resolveTeam accepts a numeric team id or a team name. An empty reference
// is the own team.
func resolveTeam(ctx context.Context, db *sql.DB, ref, selfName string) (*ledger.Team, error) {
	ref = strings.TrimSpace(ref)
	var (
		t   *ledger.Team
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		t, err = ledger.GetTeam(ctx, db, id)
	} else if ref == "" {
		t, err = ledger.SelfTeam(ctx, db, selfName)
	} else {
		t, err = ledger.GetTeamByName(ctx, db, ref)
	}
	if err != nil {
		if ref == "" {
			ref = selfName
		}
		return nil, ledgerExit("Unknown team "+ref, err)
	}
	return t, nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid "+what, fmt.Errorf("%q is not a positive integer", arg))
	}
	return id, nil
}

// parseIDList parses "1,2,3" into ids.
func parseIDList(list []string, what string) ([]int64, error) {
	out := make([]int64, 0, len(list))
	for _, item := range list {
		for _, part := range strings.Split(item, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			id, err := parseID(part, what)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
	}
	return out, nil
}

// ledgerExit maps a ledger error onto an exit code.
func ledgerExit(message string, err error) error {
	switch {
	case ledger.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, message, err)
	case ledger.IsUniqueViolation(err), ledger.IsInvariantViolation(err), ledger.IsNoCurrentRound(err):
		return exitError(foundry.ExitInvalidArgument, message, err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func formatOptionalString(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func shortHash(sum string) string {
	if len(sum) <= 12 {
		return sum
	}
	return sum[:12]
}
