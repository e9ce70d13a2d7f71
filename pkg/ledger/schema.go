package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the ledger schema in-place.
//
// The uniqueness guarantees of the ledger live here, not in application code:
//   - artifacts.sha256 is globally unique
//   - fieldings carry three independent (target, team, round) unique indexes
//   - jobs carry two partial unique indexes, one per dedup policy
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	return withTx(ctx, db, func(tx querier) error {
		return migrate(ctx, tx)
	})
}

func migrate(ctx context.Context, tx querier) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS targets (
			target_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS rounds (
			round_id INTEGER PRIMARY KEY,
			num INTEGER NOT NULL,
			ends_at TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_num ON rounds(num);`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_ends_at ON rounds(ends_at);`,

		`CREATE TABLE IF NOT EXISTS target_rounds (
			target_id INTEGER NOT NULL,
			round_id INTEGER NOT NULL,
			seen_at TEXT NOT NULL,
			PRIMARY KEY(target_id, round_id),
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(round_id) REFERENCES rounds(round_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_target_rounds_round ON target_rounds(round_id);`,

		`CREATE TABLE IF NOT EXISTS teams (
			team_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			-- parent_id is NULL for roots; a parent always precedes its children.
			parent_id INTEGER,
			name TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			patch_kind TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(parent_id) REFERENCES artifacts(artifact_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_sha256 ON artifacts(sha256);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_target ON artifacts(target_id);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_parent ON artifacts(parent_id);`,

		`CREATE TABLE IF NOT EXISTS function_identities (
			identity_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			-- artifact_id is NULL for target-wide identities.
			artifact_id INTEGER,
			address INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(artifact_id) REFERENCES artifacts(artifact_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_function_identities_target ON function_identities(target_id, artifact_id);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id INTEGER PRIMARY KEY,
			artifact_id INTEGER NOT NULL,
			worker TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			-- input_key is the canonical upstream input id for input-keyed kinds.
			input_key TEXT,
			-- dedup_scope is 'open', 'input' or 'none' (see jobkinds.go).
			dedup_scope TEXT NOT NULL,
			limit_cpu INTEGER,
			limit_memory INTEGER,
			limit_time INTEGER,
			produced_output INTEGER,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(artifact_id) REFERENCES artifacts(artifact_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_open_guard
			ON jobs(artifact_id, worker)
			WHERE dedup_scope = 'open' AND completed_at IS NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_input_guard
			ON jobs(artifact_id, worker, input_key)
			WHERE dedup_scope = 'input';`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_unstarted ON jobs(worker, started_at);`,

		`CREATE TABLE IF NOT EXISTS test_cases (
			test_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			artifact_id INTEGER,
			job_id INTEGER,
			sha256 TEXT NOT NULL DEFAULT '',
			drilled INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(artifact_id) REFERENCES artifacts(artifact_id),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_test_cases_artifact ON test_cases(artifact_id);`,
		`CREATE INDEX IF NOT EXISTS idx_test_cases_target ON test_cases(target_id, drilled);`,

		`CREATE TABLE IF NOT EXISTS crashes (
			crash_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			artifact_id INTEGER,
			job_id INTEGER,
			sha256 TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			crash_pc INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(artifact_id) REFERENCES artifacts(artifact_id),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_crashes_artifact ON crashes(artifact_id);`,
		`CREATE INDEX IF NOT EXISTS idx_crashes_target ON crashes(target_id);`,

		`CREATE TABLE IF NOT EXISTS fieldings (
			fielding_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			team_id INTEGER NOT NULL,
			submission_round_id INTEGER,
			available_round_id INTEGER,
			fielded_round_id INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(team_id) REFERENCES teams(team_id),
			FOREIGN KEY(submission_round_id) REFERENCES rounds(round_id),
			FOREIGN KEY(available_round_id) REFERENCES rounds(round_id),
			FOREIGN KEY(fielded_round_id) REFERENCES rounds(round_id)
		);`,
		// Three independent constraints, not one compound constraint.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fieldings_submission
			ON fieldings(target_id, team_id, submission_round_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fieldings_available
			ON fieldings(target_id, team_id, available_round_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fieldings_fielded
			ON fieldings(target_id, team_id, fielded_round_id);`,

		`CREATE TABLE IF NOT EXISTS fielding_artifacts (
			fielding_id INTEGER NOT NULL,
			artifact_id INTEGER NOT NULL,
			PRIMARY KEY(fielding_id, artifact_id),
			FOREIGN KEY(fielding_id) REFERENCES fieldings(fielding_id),
			FOREIGN KEY(artifact_id) REFERENCES artifacts(artifact_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fielding_artifacts_artifact ON fielding_artifacts(artifact_id);`,

		`CREATE TABLE IF NOT EXISTS detection_rules (
			rule_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			rules TEXT NOT NULL,
			sha256 TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_detection_rules_target ON detection_rules(target_id);`,

		`CREATE TABLE IF NOT EXISTS rule_fieldings (
			rule_fielding_id INTEGER PRIMARY KEY,
			rule_id INTEGER NOT NULL,
			team_id INTEGER NOT NULL,
			submission_round_id INTEGER,
			available_round_id INTEGER,
			fielded_round_id INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(rule_id) REFERENCES detection_rules(rule_id),
			FOREIGN KEY(team_id) REFERENCES teams(team_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_rule_fieldings_submission
			ON rule_fieldings(rule_id, team_id, submission_round_id);`,

		`CREATE TABLE IF NOT EXISTS submission_cables (
			cable_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			rule_id INTEGER,
			processed_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(rule_id) REFERENCES detection_rules(rule_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_submission_cables_pending ON submission_cables(target_id, processed_at);`,

		`CREATE TABLE IF NOT EXISTS cable_artifacts (
			cable_id INTEGER NOT NULL,
			artifact_id INTEGER NOT NULL,
			PRIMARY KEY(cable_id, artifact_id),
			FOREIGN KEY(cable_id) REFERENCES submission_cables(cable_id),
			FOREIGN KEY(artifact_id) REFERENCES artifacts(artifact_id)
		);`,

		`CREATE TABLE IF NOT EXISTS exploits (
			exploit_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			job_id INTEGER,
			pov_type TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			reliability REAL NOT NULL DEFAULT 0,
			sha256 TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exploits_target ON exploits(target_id, reliability);`,

		`CREATE TABLE IF NOT EXISTS exploit_fieldings (
			exploit_fielding_id INTEGER PRIMARY KEY,
			exploit_id INTEGER NOT NULL,
			team_id INTEGER NOT NULL,
			throw_count INTEGER NOT NULL DEFAULT 1,
			submission_round_id INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(exploit_id) REFERENCES exploits(exploit_id),
			FOREIGN KEY(team_id) REFERENCES teams(team_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_exploit_fieldings_submission
			ON exploit_fieldings(exploit_id, team_id, submission_round_id);`,

		`CREATE TABLE IF NOT EXISTS patch_scores (
			patch_score_id INTEGER PRIMARY KEY,
			target_id INTEGER NOT NULL,
			round_id INTEGER NOT NULL,
			patch_kind TEXT,
			num_polls INTEGER NOT NULL,
			has_failed_polls INTEGER NOT NULL,
			perf TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			FOREIGN KEY(target_id) REFERENCES targets(target_id),
			FOREIGN KEY(round_id) REFERENCES rounds(round_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: per-job resource limits and the produced_output flag.
	if current < 2 {
		alters := []string{
			`ALTER TABLE jobs ADD COLUMN limit_cpu INTEGER;`,
			`ALTER TABLE jobs ADD COLUMN limit_memory INTEGER;`,
			`ALTER TABLE jobs ADD COLUMN limit_time INTEGER;`,
			`ALTER TABLE jobs ADD COLUMN produced_output INTEGER;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	return nil
}

// ledgerTables lists every table in reverse dependency order.
var ledgerTables = []string{
	"patch_scores",
	"exploit_fieldings",
	"exploits",
	"cable_artifacts",
	"submission_cables",
	"rule_fieldings",
	"detection_rules",
	"fielding_artifacts",
	"fieldings",
	"crashes",
	"test_cases",
	"jobs",
	"function_identities",
	"artifacts",
	"teams",
	"target_rounds",
	"rounds",
	"targets",
	"schema_meta",
}

// Drop removes every ledger table. It is an administrative operation used by
// `gofielding db drop` and test teardown; normal operation never deletes rows.
func Drop(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return withTx(ctx, db, func(tx querier) error {
		for _, table := range ledgerTables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
}

// CurrentSchemaVersion reports the schema version recorded in schema_meta.
// A store that was never migrated reports 0.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_meta'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("probe schema_meta: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}
