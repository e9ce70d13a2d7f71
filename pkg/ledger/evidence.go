package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	testColumns  = `test_id, target_id, artifact_id, job_id, sha256, drilled, created_at`
	crashColumns = `crash_id, target_id, artifact_id, job_id, sha256, kind, crash_pc, created_at`
)

// EvidenceParams identifies where a test case or crash came from. TargetID may
// be left zero when ArtifactID is set; it is then taken from the artifact.
type EvidenceParams struct {
	TargetID   int64
	ArtifactID *int64
	JobID      *int64
	SHA256     string
}

// resolveEvidenceTarget fills in and cross-checks the owning target.
func resolveEvidenceTarget(ctx context.Context, q querier, op string, p *EvidenceParams) error {
	if p.ArtifactID == nil {
		if p.TargetID <= 0 {
			return errors.New(op + ": target or artifact is required")
		}
		return requireTarget(ctx, q, op, p.TargetID)
	}
	a, err := getArtifact(ctx, q, *p.ArtifactID)
	if err != nil {
		return err
	}
	if p.TargetID == 0 {
		p.TargetID = a.TargetID
		return nil
	}
	if p.TargetID != a.TargetID {
		return invariant(op, "artifact", a.ID, "artifact belongs to target %d, not %d", a.TargetID, p.TargetID)
	}
	return nil
}

// CreateTestCase records a test input produced against an artifact or target.
func CreateTestCase(ctx context.Context, db *sql.DB, p EvidenceParams) (*TestCase, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.SHA256 = strings.ToLower(strings.TrimSpace(p.SHA256))
	now := time.Now().UTC()

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := resolveEvidenceTarget(ctx, tx, "create test case", &p); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO test_cases (target_id, artifact_id, job_id, sha256, drilled, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			p.TargetID, nullableInt64(p.ArtifactID), nullableInt64(p.JobID), p.SHA256, formatDBTime(now))
		if err != nil {
			return classify("create", "test case", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create test case: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TestCase{
		ID:         id,
		TargetID:   p.TargetID,
		ArtifactID: p.ArtifactID,
		JobID:      p.JobID,
		SHA256:     p.SHA256,
		CreatedAt:  now,
	}, nil
}

func GetTestCase(ctx context.Context, db *sql.DB, testID int64) (*TestCase, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM test_cases WHERE test_id = ?`, testID)
	tc, err := scanTestCase(row)
	if err != nil {
		return nil, classify("get", "test case", testID, err)
	}
	return tc, nil
}

// UndrilledTests returns the target's test cases not yet handed to a driller,
// oldest first.
func UndrilledTests(ctx context.Context, db *sql.DB, targetID int64) ([]TestCase, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return queryTestCases(ctx, db, "undrilled tests",
		`SELECT `+testColumns+` FROM test_cases WHERE target_id = ? AND drilled = 0 ORDER BY test_id ASC`, targetID)
}

// MarkTestDrilled flags a test case as drilled. It reports false when the test
// was already drilled.
func MarkTestDrilled(ctx context.Context, db *sql.DB, testID int64) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := db.ExecContext(ctx, `UPDATE test_cases SET drilled = 1 WHERE test_id = ? AND drilled = 0`, testID)
	if err != nil {
		return false, classify("mark drilled", "test case", testID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark drilled: rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := GetTestCase(ctx, db, testID); err != nil {
		return false, err
	}
	return false, nil
}

// CrashParams describes a crash observed while exercising an artifact.
type CrashParams struct {
	EvidenceParams
	Kind    string
	CrashPC *int64
}

func CreateCrash(ctx context.Context, db *sql.DB, p CrashParams) (*Crash, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.SHA256 = strings.ToLower(strings.TrimSpace(p.SHA256))
	now := time.Now().UTC()

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := resolveEvidenceTarget(ctx, tx, "create crash", &p.EvidenceParams); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO crashes (target_id, artifact_id, job_id, sha256, kind, crash_pc, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.TargetID, nullableInt64(p.ArtifactID), nullableInt64(p.JobID), p.SHA256,
			strings.TrimSpace(p.Kind), nullableInt64(p.CrashPC), formatDBTime(now))
		if err != nil {
			return classify("create", "crash", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create crash: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Crash{
		ID:         id,
		TargetID:   p.TargetID,
		ArtifactID: p.ArtifactID,
		JobID:      p.JobID,
		SHA256:     p.SHA256,
		Kind:       strings.TrimSpace(p.Kind),
		CrashPC:    p.CrashPC,
		CreatedAt:  now,
	}, nil
}

func GetCrash(ctx context.Context, db *sql.DB, crashID int64) (*Crash, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+crashColumns+` FROM crashes WHERE crash_id = ?`, crashID)
	c, err := scanCrash(row)
	if err != nil {
		return nil, classify("get", "crash", crashID, err)
	}
	return c, nil
}

// CreateFunctionIdentity records a recovered symbol. A nil artifactID makes
// the identity target-wide.
func CreateFunctionIdentity(ctx context.Context, db *sql.DB, targetID int64, artifactID *int64, address int64, symbol string) (*FunctionIdentity, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	p := EvidenceParams{TargetID: targetID, ArtifactID: artifactID}

	var id int64
	err := withTx(ctx, db, func(tx querier) error {
		if err := resolveEvidenceTarget(ctx, tx, "create identity", &p); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO function_identities (target_id, artifact_id, address, symbol, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			p.TargetID, nullableInt64(p.ArtifactID), address, symbol, formatDBTime(time.Now()))
		if err != nil {
			return classify("create", "identity", 0, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create identity: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &FunctionIdentity{ID: id, TargetID: p.TargetID, ArtifactID: p.ArtifactID, Address: address, Symbol: symbol}, nil
}

// Tests returns the test cases in scope relative to artifactID, ordered by id.
func Tests(ctx context.Context, db *sql.DB, artifactID int64, scope AggregateScope) ([]TestCase, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	with, where, err := scopeClause(scope)
	if err != nil {
		return nil, err
	}
	if _, err := getArtifact(ctx, db, artifactID); err != nil {
		return nil, err
	}
	return queryTestCases(ctx, db, "tests",
		with+` SELECT `+testColumns+` FROM test_cases WHERE `+where+` ORDER BY test_id ASC`, artifactID)
}

// Crashes returns the crash records in scope relative to artifactID, ordered by id.
func Crashes(ctx context.Context, db *sql.DB, artifactID int64, scope AggregateScope) ([]Crash, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	with, where, err := scopeClause(scope)
	if err != nil {
		return nil, err
	}
	if _, err := getArtifact(ctx, db, artifactID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		with+` SELECT `+crashColumns+` FROM crashes WHERE `+where+` ORDER BY crash_id ASC`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("crashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Crash, 0)
	for rows.Next() {
		c, err := scanCrash(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crash: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crashes: %w", err)
	}
	return out, nil
}

// FoundCrash reports whether any crash was recorded in scope relative to artifactID.
func FoundCrash(ctx context.Context, db *sql.DB, artifactID int64, scope AggregateScope) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	with, where, err := scopeClause(scope)
	if err != nil {
		return false, err
	}
	if _, err := getArtifact(ctx, db, artifactID); err != nil {
		return false, err
	}
	var found int
	err = db.QueryRowContext(ctx,
		with+` SELECT EXISTS (SELECT 1 FROM crashes WHERE `+where+`)`, artifactID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("found crash: %w", err)
	}
	return found == 1, nil
}

// TestsForArtifact returns tests recorded against the artifact itself.
func TestsForArtifact(ctx context.Context, db *sql.DB, artifactID int64) ([]TestCase, error) {
	return Tests(ctx, db, artifactID, ScopeArtifact)
}

// AllTestsForArtifact returns tests recorded against the artifact or any of
// its descendants.
func AllTestsForArtifact(ctx context.Context, db *sql.DB, artifactID int64) ([]TestCase, error) {
	return Tests(ctx, db, artifactID, ScopeSubtree)
}

// LineageTests returns tests recorded anywhere in the artifact's tree, so a
// patch sees the tests of its root and of its siblings.
func LineageTests(ctx context.Context, db *sql.DB, artifactID int64) ([]TestCase, error) {
	return Tests(ctx, db, artifactID, ScopeTree)
}

// TargetTests returns every test case of the target, including target-level ones.
func TargetTests(ctx context.Context, db *sql.DB, targetID int64) ([]TestCase, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return queryTestCases(ctx, db, "target tests",
		`SELECT `+testColumns+` FROM test_cases WHERE target_id = ? ORDER BY test_id ASC`, targetID)
}

// ArtifactFoundCrash reports a crash against the artifact or its descendants.
func ArtifactFoundCrash(ctx context.Context, db *sql.DB, artifactID int64) (bool, error) {
	return FoundCrash(ctx, db, artifactID, ScopeSubtree)
}

// LineageFoundCrash reports a crash anywhere in the artifact's tree.
func LineageFoundCrash(ctx context.Context, db *sql.DB, artifactID int64) (bool, error) {
	return FoundCrash(ctx, db, artifactID, ScopeTree)
}

func TargetFoundCrash(ctx context.Context, db *sql.DB, targetID int64) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var found int
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM crashes WHERE target_id = ?)`, targetID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("target found crash: %w", err)
	}
	return found == 1, nil
}

func queryTestCases(ctx context.Context, q querier, op string, query string, args ...any) ([]TestCase, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]TestCase, 0)
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan test case: %w", op, err)
		}
		out = append(out, *tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanTestCase(row rowScanner) (*TestCase, error) {
	var (
		tc         TestCase
		artifactID sql.NullInt64
		jobID      sql.NullInt64
		drilled    int64
		createdAt  string
	)
	if err := row.Scan(&tc.ID, &tc.TargetID, &artifactID, &jobID, &tc.SHA256, &drilled, &createdAt); err != nil {
		return nil, err
	}
	tc.ArtifactID = nullInt64Ptr(artifactID)
	tc.JobID = nullInt64Ptr(jobID)
	tc.Drilled = drilled != 0
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	tc.CreatedAt = ts
	return &tc, nil
}

func scanCrash(row rowScanner) (*Crash, error) {
	var (
		c          Crash
		artifactID sql.NullInt64
		jobID      sql.NullInt64
		crashPC    sql.NullInt64
		createdAt  string
	)
	if err := row.Scan(&c.ID, &c.TargetID, &artifactID, &jobID, &c.SHA256, &c.Kind, &crashPC, &createdAt); err != nil {
		return nil, err
	}
	c.ArtifactID = nullInt64Ptr(artifactID)
	c.JobID = nullInt64Ptr(jobID)
	c.CrashPC = nullInt64Ptr(crashPC)
	ts, err := parseDBTimeValue(createdAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = ts
	return &c, nil
}
