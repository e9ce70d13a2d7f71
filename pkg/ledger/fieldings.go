package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const fieldingColumns = `fielding_id, target_id, team_id, submission_round_id, available_round_id, fielded_round_id, created_at`

// Milestone names one of the three round references a fielding can carry.
type Milestone string

const (
	MilestoneSubmission Milestone = "submission"
	MilestoneAvailable  Milestone = "available"
	MilestoneFielded    Milestone = "fielded"
)

func (m Milestone) column() (string, error) {
	switch m {
	case MilestoneSubmission:
		return "submission_round_id", nil
	case MilestoneAvailable:
		return "available_round_id", nil
	case MilestoneFielded:
		return "fielded_round_id", nil
	default:
		return "", fmt.Errorf("unknown fielding milestone %q", string(m))
	}
}

func ParseMilestone(s string) (Milestone, error) {
	m := Milestone(strings.ToLower(strings.TrimSpace(s)))
	if _, err := m.column(); err != nil {
		return "", err
	}
	return m, nil
}

// SubmitParams describes a team's submission for a target.
type SubmitParams struct {
	TargetID    int64
	TeamID      int64
	ArtifactIDs []int64

	// ScopeRoundID is the round the caller reasoned about when deciding to
	// submit. It is reported in errors only; the fielding always records the
	// round current at Now.
	ScopeRoundID *int64

	// Now resolves the current round. Zero means time.Now().
	Now time.Time
}

// Submit records a team's artifact set for the current round. The current
// round lookup, the fielding row and its artifact links are written in one
// transaction. A second submission for the same (target, team, round) fails
// with ErrUniqueViolation and writes nothing.
func Submit(ctx context.Context, db *sql.DB, p SubmitParams) (*Fielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	var f *Fielding
	err := withTx(ctx, db, func(tx querier) error {
		round, err := currentRound(ctx, tx, now)
		if err != nil {
			return err
		}
		f = &Fielding{
			TargetID:          p.TargetID,
			TeamID:            p.TeamID,
			SubmissionRoundID: &round.ID,
			ArtifactIDs:       p.ArtifactIDs,
		}
		if err := insertFielding(ctx, tx, "submit", f); err != nil {
			var le *LedgerError
			if p.ScopeRoundID != nil && errors.As(err, &le) && le.Err == ErrUniqueViolation {
				le.Detail = fmt.Sprintf("round %d (scope round %d): %s", round.ID, *p.ScopeRoundID, le.Detail)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FieldingParams describes a fielding with explicit milestones, as reported by
// the judge for available or fielded artifact sets.
type FieldingParams struct {
	TargetID          int64
	TeamID            int64
	ArtifactIDs       []int64
	SubmissionRoundID *int64
	AvailableRoundID  *int64
	FieldedRoundID    *int64
}

func CreateFielding(ctx context.Context, db *sql.DB, p FieldingParams) (*Fielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &Fielding{
		TargetID:          p.TargetID,
		TeamID:            p.TeamID,
		SubmissionRoundID: p.SubmissionRoundID,
		AvailableRoundID:  p.AvailableRoundID,
		FieldedRoundID:    p.FieldedRoundID,
		ArtifactIDs:       p.ArtifactIDs,
	}
	err := withTx(ctx, db, func(tx querier) error {
		for _, rid := range []*int64{p.SubmissionRoundID, p.AvailableRoundID, p.FieldedRoundID} {
			if rid == nil {
				continue
			}
			if err := requireRound(ctx, tx, "create fielding", *rid); err != nil {
				return err
			}
		}
		return insertFielding(ctx, tx, "create", f)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// insertFielding validates the artifact set and writes the fielding plus its
// links. f.ID, f.ArtifactIDs and f.CreatedAt are filled in on success.
func insertFielding(ctx context.Context, tx querier, op string, f *Fielding) error {
	if err := requireTarget(ctx, tx, op, f.TargetID); err != nil {
		return err
	}
	if err := requireTeam(ctx, tx, op, f.TeamID); err != nil {
		return err
	}
	ids := uniqueIDs(f.ArtifactIDs)
	if len(ids) == 0 {
		return invariant(op, "fielding", 0, "artifact set is empty")
	}
	if err := requireTargetArtifacts(ctx, tx, op, f.TargetID, ids); err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO fieldings (target_id, team_id, submission_round_id, available_round_id, fielded_round_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.TargetID, f.TeamID, nullableInt64(f.SubmissionRoundID), nullableInt64(f.AvailableRoundID),
		nullableInt64(f.FieldedRoundID), formatDBTime(now))
	if err != nil {
		return classify(op, "fielding", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%s fielding: last insert id: %w", op, err)
	}
	for _, aid := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fielding_artifacts (fielding_id, artifact_id) VALUES (?, ?)`, id, aid); err != nil {
			return classify(op, "fielding", id, err)
		}
	}

	f.ID = id
	f.ArtifactIDs = ids
	f.CreatedAt = now
	return nil
}

// SetFieldingRound sets one milestone of an existing fielding. A milestone can
// only be set once: setting it again is an invariant violation and leaves the
// stored value unchanged.
func SetFieldingRound(ctx context.Context, db *sql.DB, fieldingID int64, m Milestone, roundID int64) (*Fielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	col, err := m.column()
	if err != nil {
		return nil, err
	}

	var f *Fielding
	err = withTx(ctx, db, func(tx querier) error {
		current, err := getFielding(ctx, tx, fieldingID)
		if err != nil {
			return err
		}
		if existing := current.milestone(m); existing != nil {
			return invariant("set "+string(m)+" round", "fielding", fieldingID,
				"already set to round %d", *existing)
		}
		if err := requireRound(ctx, tx, "set fielding round", roundID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE fieldings SET `+col+` = ? WHERE fielding_id = ? AND `+col+` IS NULL`, roundID, fieldingID)
		if err != nil {
			return classify("set "+string(m)+" round", "fielding", fieldingID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("set fielding round: rows affected: %w", err)
		} else if n == 0 {
			return invariant("set "+string(m)+" round", "fielding", fieldingID, "already set")
		}
		f, err = getFielding(ctx, tx, fieldingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f Fielding) milestone(m Milestone) *int64 {
	switch m {
	case MilestoneSubmission:
		return f.SubmissionRoundID
	case MilestoneAvailable:
		return f.AvailableRoundID
	case MilestoneFielded:
		return f.FieldedRoundID
	}
	return nil
}

// OriginalArtifacts returns the unpatched baseline artifacts of a target: the
// artifacts of the team's fieldings that carry an available round and no patch kind.
func OriginalArtifacts(ctx context.Context, db *sql.DB, targetID, teamID int64) ([]Artifact, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return queryArtifacts(ctx, db, "original artifacts",
		`SELECT `+artifactColumns+` FROM artifacts
		WHERE artifact_id IN (
			SELECT fa.artifact_id FROM fielding_artifacts fa
			JOIN fieldings f ON f.fielding_id = fa.fielding_id
			WHERE f.target_id = ? AND f.team_id = ? AND f.available_round_id IS NOT NULL
		)
		AND (patch_kind IS NULL OR patch_kind = '')
		ORDER BY artifact_id ASC`, targetID, teamID)
}

// IsMultiArtifact reports whether the target's newest fielding carries more
// than one artifact. A target without fieldings is not multi-artifact.
func IsMultiArtifact(ctx context.Context, db *sql.DB, targetID int64) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fielding_artifacts
		WHERE fielding_id = (SELECT MAX(fielding_id) FROM fieldings WHERE target_id = ?)`, targetID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is multi artifact: %w", err)
	}
	return n > 1, nil
}

// HasSubmissionsInRound reports whether teamID already submitted for the
// target in the round. Other teams' fieldings never count.
func HasSubmissionsInRound(ctx context.Context, db *sql.DB, targetID, teamID, roundID int64) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var found int
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM fieldings WHERE target_id = ? AND team_id = ? AND submission_round_id = ?
		)`, targetID, teamID, roundID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("has submissions in round: %w", err)
	}
	return found == 1, nil
}

func GetFielding(ctx context.Context, db *sql.DB, fieldingID int64) (*Fielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return getFielding(ctx, db, fieldingID)
}

func getFielding(ctx context.Context, q querier, fieldingID int64) (*Fielding, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fieldingColumns+` FROM fieldings WHERE fielding_id = ?`, fieldingID)
	f, err := scanFielding(row)
	if err != nil {
		return nil, classify("get", "fielding", fieldingID, err)
	}
	if f.ArtifactIDs, err = linkedArtifactIDs(ctx, q, "fielding_artifacts", "fielding_id", f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

// ListFieldings returns a target's fieldings oldest first. targetID == 0 lists all.
func ListFieldings(ctx context.Context, db *sql.DB, targetID int64) ([]Fielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + fieldingColumns + ` FROM fieldings`
	var args []any
	if targetID > 0 {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY fielding_id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fieldings: %w", err)
	}
	out := make([]Fielding, 0)
	for rows.Next() {
		f, err := scanFielding(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan fielding: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list fieldings: %w", err)
	}
	_ = rows.Close()

	// Links are loaded after the cursor is closed; local stores run on one connection.
	for i := range out {
		if out[i].ArtifactIDs, err = linkedArtifactIDs(ctx, db, "fielding_artifacts", "fielding_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanFielding(row rowScanner) (*Fielding, error) {
	var (
		f                             Fielding
		submission, available, fielded sql.NullInt64
		createdAt                     string
	)
	if err := row.Scan(&f.ID, &f.TargetID, &f.TeamID, &submission, &available, &fielded, &createdAt); err != nil {
		return nil, err
	}
	f.SubmissionRoundID = nullInt64Ptr(submission)
	f.AvailableRoundID = nullInt64Ptr(available)
	f.FieldedRoundID = nullInt64Ptr(fielded)
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = ts
	return &f, nil
}

// linkedArtifactIDs reads an association table (fielding_artifacts or
// cable_artifacts) for one owner row.
func linkedArtifactIDs(ctx context.Context, q querier, table, ownerCol string, ownerID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT artifact_id FROM `+table+` WHERE `+ownerCol+` = ? ORDER BY artifact_id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return ids, nil
}

// requireTargetArtifacts checks that every id names an artifact of targetID.
func requireTargetArtifacts(ctx context.Context, q querier, op string, targetID int64, ids []int64) error {
	for _, id := range ids {
		var owner int64
		err := q.QueryRowContext(ctx, `SELECT target_id FROM artifacts WHERE artifact_id = ?`, id).Scan(&owner)
		if err != nil {
			return classify(op, "artifact", id, err)
		}
		if owner != targetID {
			return invariant(op, "artifact", id, "belongs to target %d, not %d", owner, targetID)
		}
	}
	return nil
}

func requireTeam(ctx context.Context, q querier, op string, teamID int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM teams WHERE team_id = ?`, teamID).Scan(&one)
	if err != nil {
		return classify(op, "team", teamID, err)
	}
	return nil
}

func requireRound(ctx context.Context, q querier, op string, roundID int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM rounds WHERE round_id = ?`, roundID).Scan(&one)
	if err != nil {
		return classify(op, "round", roundID, err)
	}
	return nil
}

// uniqueIDs returns the distinct positive ids in ascending order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
