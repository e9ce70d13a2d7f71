package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PatchScoreParams is judge feedback for one patched target in one round.
type PatchScoreParams struct {
	TargetID       int64
	RoundID        int64
	PatchKind      *string
	NumPolls       int64
	HasFailedPolls bool
	Perf           json.RawMessage
}

// RecordPatchScore stores judge feedback as reported.
func RecordPatchScore(ctx context.Context, db *sql.DB, p PatchScoreParams) (*PatchScore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.NumPolls < 0 {
		return nil, fmt.Errorf("num polls must be >= 0")
	}
	perf := p.Perf
	if len(bytes.TrimSpace(perf)) == 0 {
		perf = json.RawMessage(`{}`)
	}
	if !json.Valid(perf) {
		return nil, fmt.Errorf("perf is not valid JSON")
	}
	now := time.Now().UTC()

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := requireTarget(ctx, tx, "record patch score", p.TargetID); err != nil {
			return err
		}
		if err := requireRound(ctx, tx, "record patch score", p.RoundID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO patch_scores (target_id, round_id, patch_kind, num_polls, has_failed_polls, perf, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.TargetID, p.RoundID, nullableString(p.PatchKind), p.NumPolls, boolToInt(p.HasFailedPolls),
			string(perf), formatDBTime(now))
		if err != nil {
			return classify("record", "patch score", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("record patch score: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PatchScore{
		ID:             id,
		TargetID:       p.TargetID,
		RoundID:        p.RoundID,
		PatchKind:      p.PatchKind,
		NumPolls:       p.NumPolls,
		HasFailedPolls: p.HasFailedPolls,
		Perf:           perf,
		CreatedAt:      now,
	}, nil
}

// PatchScores returns the target's scores ordered by round then record id.
func PatchScores(ctx context.Context, db *sql.DB, targetID int64) ([]PatchScore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx,
		`SELECT ps.patch_score_id, ps.target_id, ps.round_id, ps.patch_kind, ps.num_polls,
			ps.has_failed_polls, ps.perf, ps.created_at
		FROM patch_scores ps
		JOIN rounds r ON r.round_id = ps.round_id
		WHERE ps.target_id = ?
		ORDER BY r.num ASC, ps.patch_score_id ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("patch scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]PatchScore, 0)
	for rows.Next() {
		var (
			s         PatchScore
			patchKind sql.NullString
			failed    int64
			perf      string
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.TargetID, &s.RoundID, &patchKind, &s.NumPolls, &failed, &perf, &createdAt); err != nil {
			return nil, fmt.Errorf("scan patch score: %w", err)
		}
		s.PatchKind = nullStringPtr(patchKind)
		s.HasFailedPolls = failed != 0
		s.Perf = json.RawMessage(perf)
		if s.CreatedAt, err = parseDBTimeValue(createdAt); err != nil {
			return nil, fmt.Errorf("scan patch score: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("patch scores: %w", err)
	}
	return out, nil
}
