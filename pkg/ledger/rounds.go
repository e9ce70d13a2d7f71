package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const roundColumns = `round_id, num, ends_at, created_at`

// CreateRound appends a round. Sequence numbers are assigned by the caller and
// are expected to be non-decreasing; the ledger does not enforce it.
func CreateRound(ctx context.Context, db *sql.DB, num int64, endsAt *time.Time) (*Round, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if num < 0 {
		return nil, fmt.Errorf("round number must be >= 0")
	}
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO rounds (num, ends_at, created_at) VALUES (?, ?, ?)`,
		num, nullableDBTime(endsAt), formatDBTime(now))
	if err != nil {
		return nil, classify("create", "round", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create round: last insert id: %w", err)
	}

	r := &Round{ID: id, Num: num, CreatedAt: now}
	if endsAt != nil {
		e := endsAt.UTC()
		r.EndsAt = &e
	}
	return r, nil
}

func GetRound(ctx context.Context, db *sql.DB, roundID int64) (*Round, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE round_id = ?`, roundID)
	r, err := scanRound(row)
	if err != nil {
		return nil, classify("get", "round", roundID, err)
	}
	return r, nil
}

// GetRoundByNum returns the earliest-created round with sequence number num.
func GetRoundByNum(ctx context.Context, db *sql.DB, num int64) (*Round, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE num = ? ORDER BY round_id ASC LIMIT 1`, num)
	r, err := scanRound(row)
	if err != nil {
		return nil, classify("get", "round", 0, err)
	}
	return r, nil
}

// ListRounds returns all rounds ordered by sequence number.
func ListRounds(ctx context.Context, db *sql.DB) ([]Round, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY num ASC, round_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	return collectRounds(rows)
}

// CurrentRound resolves the current round at time now:
//
//  1. the round with the smallest sequence number whose end is strictly after now
//  2. otherwise the round with the largest sequence number
//
// Rounds without an end timestamp only qualify through the fallback. It
// returns ErrNotFound when no rounds exist.
func CurrentRound(ctx context.Context, db *sql.DB, now time.Time) (*Round, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return currentRound(ctx, db, now)
}

func currentRound(ctx context.Context, q querier, now time.Time) (*Round, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds
		WHERE ends_at IS NOT NULL AND ends_at > ?
		ORDER BY num ASC, round_id ASC
		LIMIT 1`, formatDBTime(now))
	r, err := scanRound(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve current round: %w", err)
	}

	row = q.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds ORDER BY num DESC, round_id DESC LIMIT 1`)
	r, err = scanRound(row)
	if err != nil {
		return nil, classify(opResolveCurrent, "round", 0, err)
	}
	return r, nil
}

// SeenInRound records that the target was observed in the round. Recording the
// same pair twice is a no-op; the returned bool reports whether a new
// membership row was written.
func SeenInRound(ctx context.Context, db *sql.DB, targetID, roundID int64) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO target_rounds (target_id, round_id, seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(target_id, round_id) DO NOTHING`,
		targetID, roundID, formatDBTime(time.Now()))
	if err != nil {
		return false, classify("seen in round", "target", targetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seen in round: rows affected: %w", err)
	}
	return n > 0, nil
}

// TargetRounds returns the rounds a target has been seen in.
func TargetRounds(ctx context.Context, db *sql.DB, targetID int64) ([]Round, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx,
		`SELECT r.round_id, r.num, r.ends_at, r.created_at
		FROM target_rounds tr
		JOIN rounds r ON r.round_id = tr.round_id
		WHERE tr.target_id = ?
		ORDER BY r.num ASC, r.round_id ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("target rounds: %w", err)
	}
	return collectRounds(rows)
}

// FieldedInRound returns the targets seen in the given round.
func FieldedInRound(ctx context.Context, db *sql.DB, roundID int64) ([]Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx,
		`SELECT t.target_id, t.name, t.created_at
		FROM target_rounds tr
		JOIN targets t ON t.target_id = tr.target_id
		WHERE tr.round_id = ?
		ORDER BY t.target_id ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("fielded in round: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Target, 0)
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fielded in round: %w", err)
	}
	return out, nil
}

func collectRounds(rows *sql.Rows) ([]Round, error) {
	defer func() { _ = rows.Close() }()

	out := make([]Round, 0)
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return out, nil
}

func scanRound(row rowScanner) (*Round, error) {
	var (
		r         Round
		endsAt    sql.NullString
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.Num, &endsAt, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if r.EndsAt, err = parseOptionalDBTime(endsAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseDBTimeValue(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}
