package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const exploitColumns = `exploit_id, target_id, job_id, pov_type, method, reliability, sha256, created_at`

type ExploitParams struct {
	TargetID    int64
	JobID       *int64
	PovType     string
	Method      string
	Reliability float64
	SHA256      string
}

func CreateExploit(ctx context.Context, db *sql.DB, p ExploitParams) (*Exploit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.Reliability < 0 || p.Reliability > 1 {
		return nil, fmt.Errorf("exploit reliability %v out of range [0,1]", p.Reliability)
	}
	p.SHA256 = strings.ToLower(strings.TrimSpace(p.SHA256))
	now := time.Now().UTC()

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := requireTarget(ctx, tx, "create exploit", p.TargetID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO exploits (target_id, job_id, pov_type, method, reliability, sha256, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.TargetID, nullableInt64(p.JobID), p.PovType, p.Method, p.Reliability, p.SHA256, formatDBTime(now))
		if err != nil {
			return classify("create", "exploit", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create exploit: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Exploit{
		ID:          id,
		TargetID:    p.TargetID,
		JobID:       p.JobID,
		PovType:     p.PovType,
		Method:      p.Method,
		Reliability: p.Reliability,
		SHA256:      p.SHA256,
		CreatedAt:   now,
	}, nil
}

func GetExploit(ctx context.Context, db *sql.DB, exploitID int64) (*Exploit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+exploitColumns+` FROM exploits WHERE exploit_id = ?`, exploitID)
	e, err := scanExploit(row)
	if err != nil {
		return nil, classify("get", "exploit", exploitID, err)
	}
	return e, nil
}

// MostReliableExploit returns the target's exploit with the highest
// reliability; ties go to the oldest.
func MostReliableExploit(ctx context.Context, db *sql.DB, targetID int64) (*Exploit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+exploitColumns+` FROM exploits WHERE target_id = ?
		ORDER BY reliability DESC, exploit_id ASC LIMIT 1`, targetID)
	e, err := scanExploit(row)
	if err != nil {
		return nil, classify("most reliable", "exploit", 0, err)
	}
	return e, nil
}

// UnsubmittedExploits returns the target's exploits the team has not thrown yet.
func UnsubmittedExploits(ctx context.Context, db *sql.DB, targetID, teamID int64) ([]Exploit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+exploitColumns+` FROM exploits e
		WHERE e.target_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM exploit_fieldings ef
				WHERE ef.exploit_id = e.exploit_id AND ef.team_id = ? AND ef.submission_round_id IS NOT NULL
			)
		ORDER BY e.reliability DESC, e.exploit_id ASC`, targetID, teamID)
	if err != nil {
		return nil, fmt.Errorf("unsubmitted exploits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Exploit, 0)
	for rows.Next() {
		e, err := scanExploit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exploit: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unsubmitted exploits: %w", err)
	}
	return out, nil
}

// SubmitExploit records that the team throws the exploit against the target's
// opponents in the current round. throws must be positive.
func SubmitExploit(ctx context.Context, db *sql.DB, exploitID, teamID int64, throws int, now time.Time) (*ExploitFielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if throws <= 0 {
		return nil, invariant("submit", "exploit", exploitID, "throw count must be positive, got %d", throws)
	}
	if now.IsZero() {
		now = time.Now()
	}
	created := time.Now().UTC()

	var ef *ExploitFielding
	err := withTx(ctx, db, func(tx querier) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM exploits WHERE exploit_id = ?`, exploitID).Scan(&one); err != nil {
			return classify("submit", "exploit", exploitID, err)
		}
		if err := requireTeam(ctx, tx, "submit exploit", teamID); err != nil {
			return err
		}
		round, err := currentRound(ctx, tx, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO exploit_fieldings (exploit_id, team_id, throw_count, submission_round_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			exploitID, teamID, throws, round.ID, formatDBTime(created))
		if err != nil {
			return classify("submit", "exploit", exploitID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("submit exploit: last insert id: %w", err)
		}
		roundID := round.ID
		ef = &ExploitFielding{
			ID:                id,
			ExploitID:         exploitID,
			TeamID:            teamID,
			ThrowCount:        throws,
			SubmissionRoundID: &roundID,
			CreatedAt:         created,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ef, nil
}

func scanExploit(row rowScanner) (*Exploit, error) {
	var (
		e         Exploit
		jobID     sql.NullInt64
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.TargetID, &jobID, &e.PovType, &e.Method, &e.Reliability, &e.SHA256, &createdAt); err != nil {
		return nil, err
	}
	e.JobID = nullInt64Ptr(jobID)
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = ts
	return &e, nil
}
