package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// CreateTarget inserts a new target. Duplicate names fail with ErrUniqueViolation.
func CreateTarget(ctx context.Context, db *sql.DB, name string) (*Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("target name is required")
	}

	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO targets (name, created_at) VALUES (?, ?)`,
		name, formatDBTime(now))
	if err != nil {
		return nil, classify("create", "target", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create target: last insert id: %w", err)
	}
	return &Target{ID: id, Name: name, CreatedAt: now}, nil
}

// EnsureTarget returns the target with the given name, creating it if needed.
func EnsureTarget(ctx context.Context, db *sql.DB, name string) (*Target, bool, error) {
	existing, err := GetTargetByName(ctx, db, name)
	if err == nil {
		return existing, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}
	created, err := CreateTarget(ctx, db, name)
	if err != nil {
		if IsUniqueViolation(err) {
			// Lost a race with another creator; the row now exists.
			existing, gerr := GetTargetByName(ctx, db, name)
			return existing, false, gerr
		}
		return nil, false, err
	}
	return created, true, nil
}

func GetTarget(ctx context.Context, db *sql.DB, targetID int64) (*Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx,
		`SELECT target_id, name, created_at FROM targets WHERE target_id = ?`, targetID)
	t, err := scanTarget(row)
	if err != nil {
		return nil, classify("get", "target", targetID, err)
	}
	return t, nil
}

func GetTargetByName(ctx context.Context, db *sql.DB, name string) (*Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx,
		`SELECT target_id, name, created_at FROM targets WHERE name = ?`, strings.TrimSpace(name))
	t, err := scanTarget(row)
	if err != nil {
		return nil, classify("get", "target", 0, err)
	}
	return t, nil
}

// ListTargets returns targets ordered by id. An empty pattern matches all
// targets; otherwise pattern is a doublestar glob over target names.
func ListTargets(ctx context.Context, db *sql.DB, pattern string) ([]Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pattern = strings.TrimSpace(pattern)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid target pattern %q", pattern)
	}

	rows, err := db.QueryContext(ctx, `SELECT target_id, name, created_at FROM targets ORDER BY target_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Target, 0)
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if pattern != "" {
			ok, err := doublestar.Match(pattern, t.Name)
			if err != nil {
				return nil, fmt.Errorf("match target %q: %w", t.Name, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return out, nil
}

func scanTarget(row rowScanner) (*Target, error) {
	var (
		t         Target
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Name, &createdAt); err != nil {
		return nil, err
	}
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = ts
	return &t, nil
}
