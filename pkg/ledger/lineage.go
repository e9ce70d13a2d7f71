package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// descendantsCTE yields every artifact whose parent chain passes through the
// bound ancestor id, excluding the ancestor itself.
const descendantsCTE = `WITH RECURSIVE lineage(artifact_id) AS (
	SELECT artifact_id FROM artifacts WHERE parent_id = ?
	UNION
	SELECT a.artifact_id FROM artifacts a JOIN lineage l ON a.parent_id = l.artifact_id
)`

// Roots returns parentless artifacts ordered by id. targetID == 0 spans all targets.
func Roots(ctx context.Context, db *sql.DB, targetID int64) ([]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE parent_id IS NULL`
	var args []any
	if targetID > 0 {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY artifact_id ASC`
	return queryArtifacts(ctx, db, "roots", query, args...)
}

// AllDescendants returns every artifact that has a parent, ordered by id.
// targetID == 0 spans all targets.
func AllDescendants(ctx context.Context, db *sql.DB, targetID int64) ([]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE parent_id IS NOT NULL`
	var args []any
	if targetID > 0 {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY artifact_id ASC`
	return queryArtifacts(ctx, db, "all descendants", query, args...)
}

// DescendantsOf returns the transitive closure of artifacts derived from
// artifactID, ordered by id. It is a single recursive query keyed on the ancestor.
func DescendantsOf(ctx context.Context, db *sql.DB, artifactID int64) ([]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := getArtifact(ctx, db, artifactID); err != nil {
		return nil, err
	}
	return queryArtifacts(ctx, db, "descendants",
		descendantsCTE+`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE artifact_id IN (SELECT artifact_id FROM lineage)
		ORDER BY artifact_id ASC`, artifactID)
}

// RootOf walks the parent chain of artifactID up to its root.
func RootOf(ctx context.Context, db *sql.DB, artifactID int64) (*Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx,
		`WITH RECURSIVE up(artifact_id, parent_id) AS (
			SELECT artifact_id, parent_id FROM artifacts WHERE artifact_id = ?
			UNION ALL
			SELECT a.artifact_id, a.parent_id FROM artifacts a JOIN up u ON a.artifact_id = u.parent_id
		)
		SELECT `+artifactColumns+` FROM artifacts
		WHERE artifact_id = (SELECT artifact_id FROM up WHERE parent_id IS NULL LIMIT 1)`, artifactID)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, classify("root of", "artifact", artifactID, err)
	}
	return a, nil
}

// submittedFilter matches artifacts carried by a fielding of the artifact's
// own target for the bound team with a submission round set.
const submittedFilter = `EXISTS (
	SELECT 1 FROM fielding_artifacts fa
	JOIN fieldings f ON f.fielding_id = fa.fielding_id
	WHERE fa.artifact_id = artifacts.artifact_id
		AND f.target_id = artifacts.target_id
		AND f.team_id = ?
		AND f.submission_round_id IS NOT NULL
)`

// SubmittedPatches returns the descendants of artifactID that the team has
// already submitted.
func SubmittedPatches(ctx context.Context, db *sql.DB, artifactID, teamID int64) ([]Artifact, error) {
	return partitionPatches(ctx, db, artifactID, teamID, true)
}

// UnsubmittedPatches returns the descendants of artifactID that the team has
// not submitted yet.
func UnsubmittedPatches(ctx context.Context, db *sql.DB, artifactID, teamID int64) ([]Artifact, error) {
	return partitionPatches(ctx, db, artifactID, teamID, false)
}

func partitionPatches(ctx context.Context, db *sql.DB, artifactID, teamID int64, submitted bool) ([]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := getArtifact(ctx, db, artifactID); err != nil {
		return nil, err
	}
	filter := submittedFilter
	op := "submitted patches"
	if !submitted {
		filter = "NOT " + submittedFilter
		op = "unsubmitted patches"
	}
	return queryArtifacts(ctx, db, op,
		descendantsCTE+`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE artifact_id IN (SELECT artifact_id FROM lineage) AND `+filter+`
		ORDER BY artifact_id ASC`, artifactID, teamID)
}

// SymbolTable maps addresses to symbols for an artifact. Identities recorded
// against the artifact and target-wide identities of its target are merged in
// identity id order, so a later record for the same address wins.
func SymbolTable(ctx context.Context, db *sql.DB, artifactID int64) (map[int64]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := getArtifact(ctx, db, artifactID)
	if err != nil {
		return nil, err
	}
	return querySymbols(ctx, db,
		`SELECT address, symbol FROM function_identities
		WHERE artifact_id = ? OR (artifact_id IS NULL AND target_id = ?)
		ORDER BY identity_id ASC`, a.ID, a.TargetID)
}

// TargetSymbolTable merges every identity recorded for the target, in identity id order.
func TargetSymbolTable(ctx context.Context, db *sql.DB, targetID int64) (map[int64]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return querySymbols(ctx, db,
		`SELECT address, symbol FROM function_identities WHERE target_id = ? ORDER BY identity_id ASC`, targetID)
}

func querySymbols(ctx context.Context, db *sql.DB, query string, args ...any) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("symbol table: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			addr   int64
			symbol string
		)
		if err := rows.Scan(&addr, &symbol); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out[addr] = symbol
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("symbol table: %w", err)
	}
	return out, nil
}

// AggregateScope selects which artifacts an aggregate (tests run, crash found)
// spans, relative to an anchor artifact.
type AggregateScope int

const (
	// ScopeArtifact is the anchor artifact only.
	ScopeArtifact AggregateScope = iota
	// ScopeSubtree is the anchor plus all of its descendants.
	ScopeSubtree
	// ScopeTree is the whole tree containing the anchor: its root and every
	// descendant of that root, siblings included.
	ScopeTree
	// ScopeTarget is every record of the anchor's target, including records
	// not tied to any artifact.
	ScopeTarget
)

func (s AggregateScope) String() string {
	switch s {
	case ScopeArtifact:
		return "artifact"
	case ScopeSubtree:
		return "subtree"
	case ScopeTree:
		return "tree"
	case ScopeTarget:
		return "target"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseAggregateScope parses the String form of a scope.
func ParseAggregateScope(s string) (AggregateScope, error) {
	switch s {
	case "artifact":
		return ScopeArtifact, nil
	case "subtree", "":
		return ScopeSubtree, nil
	case "tree":
		return ScopeTree, nil
	case "target":
		return ScopeTarget, nil
	default:
		return 0, fmt.Errorf("unknown aggregate scope %q", s)
	}
}

// scopeClause returns a CTE prefix and a WHERE predicate selecting rows of a
// table with artifact_id/target_id columns. Both together bind exactly one
// parameter: the anchor artifact id.
func scopeClause(scope AggregateScope) (with string, where string, err error) {
	switch scope {
	case ScopeArtifact:
		return "", "artifact_id = ?", nil
	case ScopeSubtree:
		return `WITH RECURSIVE scope(artifact_id) AS (
			SELECT ?
			UNION
			SELECT a.artifact_id FROM artifacts a JOIN scope s ON a.parent_id = s.artifact_id
		)`, "artifact_id IN (SELECT artifact_id FROM scope)", nil
	case ScopeTree:
		return `WITH RECURSIVE up(artifact_id, parent_id) AS (
			SELECT artifact_id, parent_id FROM artifacts WHERE artifact_id = ?
			UNION ALL
			SELECT a.artifact_id, a.parent_id FROM artifacts a JOIN up u ON a.artifact_id = u.parent_id
		),
		scope(artifact_id) AS (
			SELECT artifact_id FROM up WHERE parent_id IS NULL
			UNION
			SELECT a.artifact_id FROM artifacts a JOIN scope s ON a.parent_id = s.artifact_id
		)`, "artifact_id IN (SELECT artifact_id FROM scope)", nil
	case ScopeTarget:
		return "", "target_id = (SELECT target_id FROM artifacts WHERE artifact_id = ?)", nil
	default:
		return "", "", fmt.Errorf("unknown aggregate scope %d", int(scope))
	}
}
