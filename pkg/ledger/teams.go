package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSelfTeamName is the team name the ledger treats as "our" team unless
// configured otherwise.
const DefaultSelfTeamName = "self"

func CreateTeam(ctx context.Context, db *sql.DB, name string) (*Team, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("team name is required")
	}
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO teams (name, created_at) VALUES (?, ?)`, name, formatDBTime(now))
	if err != nil {
		return nil, classify("create", "team", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create team: last insert id: %w", err)
	}
	return &Team{ID: id, Name: name, CreatedAt: now}, nil
}

// EnsureTeam returns the named team, creating it if needed.
func EnsureTeam(ctx context.Context, db *sql.DB, name string) (*Team, error) {
	t, err := GetTeamByName(ctx, db, name)
	if err == nil {
		return t, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	t, err = CreateTeam(ctx, db, name)
	if IsUniqueViolation(err) {
		return GetTeamByName(ctx, db, name)
	}
	return t, err
}

func GetTeam(ctx context.Context, db *sql.DB, teamID int64) (*Team, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT team_id, name, created_at FROM teams WHERE team_id = ?`, teamID)
	t, err := scanTeam(row)
	if err != nil {
		return nil, classify("get", "team", teamID, err)
	}
	return t, nil
}

func GetTeamByName(ctx context.Context, db *sql.DB, name string) (*Team, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT team_id, name, created_at FROM teams WHERE name = ?`, strings.TrimSpace(name))
	t, err := scanTeam(row)
	if err != nil {
		return nil, classify("get", "team", 0, err)
	}
	return t, nil
}

// SelfTeam resolves the distinguished "self" team by name. An empty name
// falls back to DefaultSelfTeamName.
func SelfTeam(ctx context.Context, db *sql.DB, name string) (*Team, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultSelfTeamName
	}
	return GetTeamByName(ctx, db, name)
}

func ListTeams(ctx context.Context, db *sql.DB) ([]Team, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx, `SELECT team_id, name, created_at FROM teams ORDER BY team_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Team, 0)
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return out, nil
}

func scanTeam(row rowScanner) (*Team, error) {
	var (
		t         Team
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
