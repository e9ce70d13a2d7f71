package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const artifactColumns = `artifact_id, target_id, parent_id, name, sha256, patch_kind, size_bytes, created_at`

// ArtifactParams describes a new artifact.
type ArtifactParams struct {
	TargetID  int64
	ParentID  *int64
	Name      string
	SHA256    string
	PatchKind *string
	SizeBytes int64
}

// CreateArtifact inserts an artifact. The parent, if any, must already exist
// and belong to the same target; the content hash must be globally unique.
func CreateArtifact(ctx context.Context, db *sql.DB, p ArtifactParams) (*Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.Name = strings.TrimSpace(p.Name)
	p.SHA256 = strings.ToLower(strings.TrimSpace(p.SHA256))
	if p.SHA256 == "" {
		return nil, errors.New("artifact sha256 is required")
	}
	if p.PatchKind != nil && strings.TrimSpace(*p.PatchKind) == "" {
		p.PatchKind = nil
	}

	now := time.Now().UTC()
	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := requireTarget(ctx, tx, "create artifact", p.TargetID); err != nil {
			return err
		}
		if p.ParentID != nil {
			var parentTarget int64
			err := tx.QueryRowContext(ctx,
				`SELECT target_id FROM artifacts WHERE artifact_id = ?`, *p.ParentID).Scan(&parentTarget)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return invariant("create", "artifact", 0, "parent %d does not exist", *p.ParentID)
				}
				return fmt.Errorf("create artifact: load parent: %w", err)
			}
			if parentTarget != p.TargetID {
				return invariant("create", "artifact", 0,
					"parent %d belongs to target %d, not %d", *p.ParentID, parentTarget, p.TargetID)
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (target_id, parent_id, name, sha256, patch_kind, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.TargetID, nullableInt64(p.ParentID), p.Name, p.SHA256, nullableString(p.PatchKind),
			p.SizeBytes, formatDBTime(now))
		if err != nil {
			return classify("create", "artifact", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create artifact: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Artifact{
		ID:        id,
		TargetID:  p.TargetID,
		ParentID:  p.ParentID,
		Name:      p.Name,
		SHA256:    p.SHA256,
		PatchKind: p.PatchKind,
		SizeBytes: p.SizeBytes,
		CreatedAt: now,
	}, nil
}

func GetArtifact(ctx context.Context, db *sql.DB, artifactID int64) (*Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return getArtifact(ctx, db, artifactID)
}

func getArtifact(ctx context.Context, q querier, artifactID int64) (*Artifact, error) {
	row := q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = ?`, artifactID)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, classify("get", "artifact", artifactID, err)
	}
	return a, nil
}

func GetArtifactBySHA256(ctx context.Context, db *sql.DB, sha256 string) (*Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE sha256 = ?`, strings.ToLower(strings.TrimSpace(sha256)))
	a, err := scanArtifact(row)
	if err != nil {
		return nil, classify("get", "artifact", 0, err)
	}
	return a, nil
}

// ListArtifacts returns every artifact of a target ordered by id.
// targetID == 0 lists all targets.
func ListArtifacts(ctx context.Context, db *sql.DB, targetID int64) ([]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	var args []any
	if targetID > 0 {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY artifact_id ASC`
	return queryArtifacts(ctx, db, "list artifacts", query, args...)
}

// ArtifactsByPatchKind groups a target's patched artifacts by patch kind.
// Unpatched artifacts are not included.
func ArtifactsByPatchKind(ctx context.Context, db *sql.DB, targetID int64) (map[string][]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	arts, err := queryArtifacts(ctx, db, "artifacts by patch kind",
		`SELECT `+artifactColumns+` FROM artifacts
		WHERE target_id = ? AND patch_kind IS NOT NULL AND patch_kind <> ''
		ORDER BY patch_kind ASC, artifact_id ASC`, targetID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Artifact)
	for _, a := range arts {
		out[*a.PatchKind] = append(out[*a.PatchKind], a)
	}
	return out, nil
}

func queryArtifacts(ctx context.Context, q querier, op string, query string, args ...any) ([]Artifact, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan artifact: %w", op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		parentID  sql.NullInt64
		patchKind sql.NullString
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.TargetID, &parentID, &a.Name, &a.SHA256, &patchKind, &a.SizeBytes, &createdAt); err != nil {
		return nil, err
	}
	a.ParentID = nullInt64Ptr(parentID)
	a.PatchKind = nullStringPtr(patchKind)
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = ts
	return &a, nil
}

func requireTarget(ctx context.Context, q querier, op string, targetID int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM targets WHERE target_id = ?`, targetID).Scan(&one)
	if err != nil {
		return classify(op, "target", targetID, err)
	}
	return nil
}
