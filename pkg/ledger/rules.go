package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const ruleColumns = `rule_id, target_id, rules, sha256, created_at`

// CreateRule stores a detection rule set for a target. The content hash is
// computed from the rule text.
func CreateRule(ctx context.Context, db *sql.DB, targetID int64, rules string) (*DetectionRule, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(rules) == "" {
		return nil, errors.New("rule text is required")
	}
	sum := sha256.Sum256([]byte(rules))
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := requireTarget(ctx, tx, "create rule", targetID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO detection_rules (target_id, rules, sha256, created_at) VALUES (?, ?, ?, ?)`,
			targetID, rules, digest, formatDBTime(now))
		if err != nil {
			return classify("create", "rule", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create rule: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DetectionRule{ID: id, TargetID: targetID, Rules: rules, SHA256: digest, CreatedAt: now}, nil
}

func GetRule(ctx context.Context, db *sql.DB, ruleID int64) (*DetectionRule, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM detection_rules WHERE rule_id = ?`, ruleID)
	r, err := scanRule(row)
	if err != nil {
		return nil, classify("get", "rule", ruleID, err)
	}
	return r, nil
}

// UnsubmittedRules returns the target's rules the team has never submitted,
// oldest first.
func UnsubmittedRules(ctx context.Context, db *sql.DB, targetID, teamID int64) ([]DetectionRule, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM detection_rules r
		WHERE r.target_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM rule_fieldings rf
				WHERE rf.rule_id = r.rule_id AND rf.team_id = ? AND rf.submission_round_id IS NOT NULL
			)
		ORDER BY r.rule_id ASC`, targetID, teamID)
	if err != nil {
		return nil, fmt.Errorf("unsubmitted rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]DetectionRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unsubmitted rules: %w", err)
	}
	return out, nil
}

// SubmitRule records the team's submission of a rule in the current round.
// Submitting the same rule twice in one round fails with ErrUniqueViolation.
func SubmitRule(ctx context.Context, db *sql.DB, ruleID, teamID int64, now time.Time) (*RuleFielding, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if now.IsZero() {
		now = time.Now()
	}
	created := time.Now().UTC()

	var rf *RuleFielding
	err := withTx(ctx, db, func(tx querier) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM detection_rules WHERE rule_id = ?`, ruleID).Scan(&one); err != nil {
			return classify("submit", "rule", ruleID, err)
		}
		if err := requireTeam(ctx, tx, "submit rule", teamID); err != nil {
			return err
		}
		round, err := currentRound(ctx, tx, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rule_fieldings (rule_id, team_id, submission_round_id, created_at) VALUES (?, ?, ?, ?)`,
			ruleID, teamID, round.ID, formatDBTime(created))
		if err != nil {
			return classify("submit", "rule", ruleID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("submit rule: last insert id: %w", err)
		}
		roundID := round.ID
		rf = &RuleFielding{ID: id, RuleID: ruleID, TeamID: teamID, SubmissionRoundID: &roundID, CreatedAt: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rf, nil
}

func scanRule(row rowScanner) (*DetectionRule, error) {
	var (
		r         DetectionRule
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.TargetID, &r.Rules, &r.SHA256, &createdAt); err != nil {
		return nil, err
	}
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = ts
	return &r, nil
}
