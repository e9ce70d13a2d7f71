package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const cableColumns = `cable_id, target_id, rule_id, processed_at, created_at`

// CableParams describes an outbound submission batch. ArtifactIDs may be empty
// for a rule-only batch.
type CableParams struct {
	TargetID    int64
	RuleID      *int64
	ArtifactIDs []int64
}

// CreateCable queues a batch for the transport. The cable and its artifact
// links are written atomically.
func CreateCable(ctx context.Context, db *sql.DB, p CableParams) (*Cable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ids := uniqueIDs(p.ArtifactIDs)
	now := time.Now().UTC()

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := requireTarget(ctx, tx, "create cable", p.TargetID); err != nil {
			return err
		}
		if err := requireTargetArtifacts(ctx, tx, "create cable", p.TargetID, ids); err != nil {
			return err
		}
		if p.RuleID != nil {
			var owner int64
			err := tx.QueryRowContext(ctx, `SELECT target_id FROM detection_rules WHERE rule_id = ?`, *p.RuleID).Scan(&owner)
			if err != nil {
				return classify("create cable", "rule", *p.RuleID, err)
			}
			if owner != p.TargetID {
				return invariant("create cable", "rule", *p.RuleID, "belongs to target %d, not %d", owner, p.TargetID)
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO submission_cables (target_id, rule_id, processed_at, created_at) VALUES (?, ?, NULL, ?)`,
			p.TargetID, nullableInt64(p.RuleID), formatDBTime(now))
		if err != nil {
			return classify("create", "cable", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create cable: last insert id: %w", err)
		}
		for _, aid := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cable_artifacts (cable_id, artifact_id) VALUES (?, ?)`, id, aid); err != nil {
				return classify("create", "cable", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Cable{ID: id, TargetID: p.TargetID, RuleID: p.RuleID, ArtifactIDs: ids, CreatedAt: now}, nil
}

func GetCable(ctx context.Context, db *sql.DB, cableID int64) (*Cable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+cableColumns+` FROM submission_cables WHERE cable_id = ?`, cableID)
	c, err := scanCable(row)
	if err != nil {
		return nil, classify("get", "cable", cableID, err)
	}
	if c.ArtifactIDs, err = linkedArtifactIDs(ctx, db, "cable_artifacts", "cable_id", c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// UnprocessedCables returns pending cables in creation order. The transport
// must deliver them in exactly this order. targetID == 0 spans all targets.
func UnprocessedCables(ctx context.Context, db *sql.DB, targetID int64) ([]Cable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + cableColumns + ` FROM submission_cables WHERE processed_at IS NULL`
	var args []any
	if targetID > 0 {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY cable_id ASC`
	return queryCables(ctx, db, "unprocessed cables", query, args...)
}

// ListCables returns every cable of a target, processed or not, oldest first.
func ListCables(ctx context.Context, db *sql.DB, targetID int64) ([]Cable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + cableColumns + ` FROM submission_cables`
	var args []any
	if targetID > 0 {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY cable_id ASC`
	return queryCables(ctx, db, "list cables", query, args...)
}

// ProcessCable marks a cable consumed. Only the first call flips the flag and
// returns true; later calls return false and change nothing.
func ProcessCable(ctx context.Context, db *sql.DB, cableID int64, now time.Time) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if now.IsZero() {
		now = time.Now()
	}
	res, err := db.ExecContext(ctx,
		`UPDATE submission_cables SET processed_at = ? WHERE cable_id = ? AND processed_at IS NULL`,
		formatDBTime(now), cableID)
	if err != nil {
		return false, classify("process", "cable", cableID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("process cable: rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1 FROM submission_cables WHERE cable_id = ?`, cableID).Scan(&one); err != nil {
		return false, classify("process", "cable", cableID, err)
	}
	return false, nil
}

func queryCables(ctx context.Context, db *sql.DB, op string, query string, args ...any) ([]Cable, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]Cable, 0)
	for rows.Next() {
		c, err := scanCable(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%s: scan cable: %w", op, err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	_ = rows.Close()

	for i := range out {
		if out[i].ArtifactIDs, err = linkedArtifactIDs(ctx, db, "cable_artifacts", "cable_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanCable(row rowScanner) (*Cable, error) {
	var (
		c           Cable
		ruleID      sql.NullInt64
		processedAt sql.NullString
		createdAt   string
	)
	if err := row.Scan(&c.ID, &c.TargetID, &ruleID, &processedAt, &createdAt); err != nil {
		return nil, err
	}
	c.RuleID = nullInt64Ptr(ruleID)
	var err error
	if c.ProcessedAt, err = parseOptionalDBTime(processedAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseDBTimeValue(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}
