package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `job_id, artifact_id, worker, priority, payload, input_key, limit_cpu, limit_memory, limit_time, produced_output, started_at, completed_at, created_at`

// JobState is derived from the lifecycle timestamps.
type JobState string

const (
	JobCreated   JobState = "created"
	JobStarted   JobState = "started"
	JobCompleted JobState = "completed"
)

func ParseJobState(s string) (JobState, error) {
	switch JobState(s) {
	case JobCreated, JobStarted, JobCompleted:
		return JobState(s), nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// State reports the job's position in created -> started -> completed.
func (j Job) State() JobState {
	switch {
	case j.CompletedAt != nil:
		return JobCompleted
	case j.StartedAt != nil:
		return JobStarted
	default:
		return JobCreated
	}
}

// InputID returns the upstream input id carried in the payload of an
// input-keyed job, interpreted through the kind's dispatch rule.
func (j Job) InputID() (string, bool) {
	if j.Kind.Dedup() != DedupPerInput {
		return "", false
	}
	key, err := j.Kind.inputKey(j.Payload)
	if err != nil {
		return "", false
	}
	return key, true
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	ArtifactID int64           `json:"artifact_id"`
	Kind       WorkerKind      `json:"worker"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Limits     JobLimits       `json:"limits"`
}

// Queued reports whether spec would duplicate existing work under its kind's
// dedup policy. Unknown artifacts are simply not queued.
func Queued(ctx context.Context, db *sql.DB, spec JobSpec) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, inputKey, err := spec.Kind.normalizePayload(spec.Payload)
	if err != nil {
		return false, err
	}
	j, err := findBlockingJob(ctx, db, spec.ArtifactID, spec.Kind, inputKey)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return j != nil, nil
}

// findBlockingJob returns the job that makes a new (artifact, kind, input)
// job a duplicate, or ErrNotFound.
func findBlockingJob(ctx context.Context, q querier, artifactID int64, kind WorkerKind, inputKey *string) (*Job, error) {
	var row *sql.Row
	switch kind.Dedup() {
	case DedupWhileOpen:
		row = q.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			WHERE artifact_id = ? AND worker = ? AND completed_at IS NULL
			ORDER BY job_id ASC LIMIT 1`, artifactID, string(kind))
	case DedupPerInput:
		if inputKey == nil {
			return nil, notFound("find queued", "job", 0)
		}
		row = q.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			WHERE artifact_id = ? AND worker = ? AND input_key = ?
			ORDER BY job_id ASC LIMIT 1`, artifactID, string(kind), *inputKey)
	default:
		return nil, notFound("find queued", "job", 0)
	}
	j, err := scanJob(row)
	if err != nil {
		return nil, classify("find queued", "job", 0, err)
	}
	return j, nil
}

// EnqueueJob creates a job unless an equivalent one is already queued. The
// insert is guarded by the store's partial unique indexes, so concurrent
// callers cannot both succeed. When the job already exists it is returned with
// created == false.
func EnqueueJob(ctx context.Context, db *sql.DB, spec JobSpec) (job *Job, created bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, inputKey, err := spec.Kind.normalizePayload(spec.Payload)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	err = withTx(ctx, db, func(tx querier) error {
		if _, err := getArtifact(ctx, tx, spec.ArtifactID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (artifact_id, worker, priority, payload, input_key, dedup_scope,
				limit_cpu, limit_memory, limit_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			spec.ArtifactID, string(spec.Kind), spec.Priority, string(payload), nullableString(inputKey),
			spec.Kind.Dedup().scope(), nullableInt64(spec.Limits.CPU), nullableInt64(spec.Limits.Memory),
			nullableInt64(spec.Limits.Time), formatDBTime(now))
		if err != nil {
			return classify("enqueue", "job", 0, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue job: rows affected: %w", err)
		}
		if n == 0 {
			existing, err := findBlockingJob(ctx, tx, spec.ArtifactID, spec.Kind, inputKey)
			if err != nil {
				return fmt.Errorf("enqueue job: load existing: %w", err)
			}
			job = existing
			return nil
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("enqueue job: last insert id: %w", err)
		}
		created = true
		job = &Job{
			ID:         id,
			ArtifactID: spec.ArtifactID,
			Kind:       spec.Kind,
			Priority:   spec.Priority,
			Payload:    payload,
			InputKey:   inputKey,
			Limits:     spec.Limits,
			CreatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

func GetJob(ctx context.Context, db *sql.DB, jobID int64) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return getJob(ctx, db, jobID)
}

func getJob(ctx context.Context, q querier, jobID int64) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, classify("get", "job", jobID, err)
	}
	return j, nil
}

// StartJob moves a created job to started.
func StartJob(ctx context.Context, db *sql.DB, jobID int64, now time.Time) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if now.IsZero() {
		now = time.Now()
	}
	return transitionJob(ctx, db, "start", jobID, JobCreated,
		`UPDATE jobs SET started_at = ?
		WHERE job_id = ? AND started_at IS NULL AND completed_at IS NULL`,
		formatDBTime(now), jobID)
}

// CompleteJob moves a started job to completed. producedOutput is optional.
func CompleteJob(ctx context.Context, db *sql.DB, jobID int64, now time.Time, producedOutput *bool) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if now.IsZero() {
		now = time.Now()
	}
	var produced any
	if producedOutput != nil {
		produced = boolToInt(*producedOutput)
	}
	return transitionJob(ctx, db, "complete", jobID, JobStarted,
		`UPDATE jobs SET completed_at = ?, produced_output = ?
		WHERE job_id = ? AND started_at IS NOT NULL AND completed_at IS NULL`,
		formatDBTime(now), produced, jobID)
}

// ResetJob returns a job to created by clearing both lifecycle timestamps. It
// recovers jobs observed as started whose worker is no longer running.
// Reopening a completed while-open job fails with ErrUniqueViolation when
// another open job of the same kind exists for the artifact.
func ResetJob(ctx context.Context, db *sql.DB, jobID int64) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var j *Job
	err := withTx(ctx, db, func(tx querier) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET started_at = NULL, completed_at = NULL, produced_output = NULL WHERE job_id = ?`, jobID)
		if err != nil {
			return classify("reset", "job", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset job: rows affected: %w", err)
		}
		if n == 0 {
			return notFound("reset", "job", jobID)
		}
		j, err = getJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ResetStartedJob is ResetJob for recovery paths that observed the job as
// started: it resets only while the job is still started with the given
// start time. A job that has since completed, or was reset and claimed again,
// is left alone and the call fails with ErrInvariantViolation.
func ResetStartedJob(ctx context.Context, db *sql.DB, jobID int64, startedAt time.Time) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return transitionJob(ctx, db, "reset", jobID, JobStarted,
		`UPDATE jobs SET started_at = NULL, completed_at = NULL, produced_output = NULL
		WHERE job_id = ? AND started_at = ? AND completed_at IS NULL`,
		jobID, formatDBTime(startedAt))
}

func transitionJob(ctx context.Context, db *sql.DB, op string, jobID int64, from JobState, query string, args ...any) (*Job, error) {
	var j *Job
	err := withTx(ctx, db, func(tx querier) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(op, "job", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s job: rows affected: %w", op, err)
		}
		current, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if n == 0 {
			return invariant(op, "job", jobID, "job is %s, want %s", current.State(), from)
		}
		j = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ClaimJob starts the highest-priority unstarted job of kind and returns it.
// Concurrent claimers never receive the same job. It returns ErrNotFound when
// nothing is waiting.
func ClaimJob(ctx context.Context, db *sql.DB, kind WorkerKind, now time.Time) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown worker kind %q", string(kind))
	}
	if now.IsZero() {
		now = time.Now()
	}

	const attempts = 5
	for i := 0; i < attempts; i++ {
		var id int64
		err := db.QueryRowContext(ctx,
			`SELECT job_id FROM jobs
			WHERE worker = ? AND started_at IS NULL AND completed_at IS NULL
			ORDER BY priority DESC, job_id ASC LIMIT 1`, string(kind)).Scan(&id)
		if err != nil {
			return nil, classify("claim", "job", 0, err)
		}
		j, err := StartJob(ctx, db, id, now)
		if err == nil {
			return j, nil
		}
		if !IsInvariantViolation(err) {
			return nil, err
		}
		// Another claimer started it first; look again.
	}
	return nil, notFound("claim", "job", 0)
}

// UnstartedJobs returns created jobs of kind ordered by priority (highest
// first) then age. An empty kind matches every kind; limit <= 0 means no limit.
func UnstartedJobs(ctx context.Context, db *sql.DB, kind WorkerKind, limit int) ([]Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE started_at IS NULL AND completed_at IS NULL`
	var args []any
	if kind != "" {
		query += ` AND worker = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY priority DESC, job_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryJobs(ctx, db, "unstarted jobs", query, args...)
}

// UnstartedDefaultJobs returns unspecialized jobs still waiting for a kind.
func UnstartedDefaultJobs(ctx context.Context, db *sql.DB) ([]Job, error) {
	return UnstartedJobs(ctx, db, KindDefault, 0)
}

// SpecializeJob turns an unstarted default job into a concrete kind. The new
// kind's dedup guard applies, so specializing into an already queued
// (artifact, kind, input) fails with ErrUniqueViolation.
func SpecializeJob(ctx context.Context, db *sql.DB, jobID int64, kind WorkerKind, payload json.RawMessage) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if kind == KindDefault {
		return nil, invariant("specialize", "job", jobID, "target kind must not be %s", KindDefault)
	}
	normalized, inputKey, err := kind.normalizePayload(payload)
	if err != nil {
		return nil, err
	}

	var j *Job
	err = withTx(ctx, db, func(tx querier) error {
		current, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if current.Kind != KindDefault || current.State() != JobCreated {
			return invariant("specialize", "job", jobID, "job is a %s %s job", current.State(), current.Kind)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET worker = ?, payload = ?, input_key = ?, dedup_scope = ?
			WHERE job_id = ? AND worker = ? AND started_at IS NULL AND completed_at IS NULL`,
			string(kind), string(normalized), nullableString(inputKey), kind.Dedup().scope(),
			jobID, string(KindDefault))
		if err != nil {
			return classify("specialize", "job", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("specialize job: rows affected: %w", err)
		}
		if n == 0 {
			return invariant("specialize", "job", jobID, "job is no longer an unstarted %s job", KindDefault)
		}
		j, err = getJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	ArtifactID int64
	Kind       WorkerKind
	State      JobState
	Limit      int
}

// ListJobs returns jobs matching filter, oldest first.
func ListJobs(ctx context.Context, db *sql.DB, filter JobFilter) ([]Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.ArtifactID > 0 {
		query += ` AND artifact_id = ?`
		args = append(args, filter.ArtifactID)
	}
	if filter.Kind != "" {
		query += ` AND worker = ?`
		args = append(args, string(filter.Kind))
	}
	switch filter.State {
	case "":
	case JobCreated:
		query += ` AND started_at IS NULL AND completed_at IS NULL`
	case JobStarted:
		query += ` AND started_at IS NOT NULL AND completed_at IS NULL`
	case JobCompleted:
		query += ` AND completed_at IS NOT NULL`
	default:
		return nil, fmt.Errorf("unknown job state %q", filter.State)
	}
	query += ` ORDER BY job_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return queryJobs(ctx, db, "list jobs", query, args...)
}

func queryJobs(ctx context.Context, q querier, op string, query string, args ...any) ([]Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan job: %w", op, err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		worker      string
		payload     string
		inputKey    sql.NullString
		cpu, mem    sql.NullInt64
		limitTime   sql.NullInt64
		produced    sql.NullInt64
		startedAt   sql.NullString
		completedAt sql.NullString
		createdAt   string
	)
	if err := row.Scan(&j.ID, &j.ArtifactID, &worker, &j.Priority, &payload, &inputKey,
		&cpu, &mem, &limitTime, &produced, &startedAt, &completedAt, &createdAt); err != nil {
		return nil, err
	}
	j.Kind = WorkerKind(worker)
	j.Payload = json.RawMessage(payload)
	j.InputKey = nullStringPtr(inputKey)
	j.Limits = JobLimits{CPU: nullInt64Ptr(cpu), Memory: nullInt64Ptr(mem), Time: nullInt64Ptr(limitTime)}
	if produced.Valid {
		b := produced.Int64 != 0
		j.ProducedOutput = &b
	}

	var err error
	if j.StartedAt, err = parseOptionalDBTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseOptionalDBTime(completedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseDBTimeValue(createdAt); err != nil {
		return nil, err
	}
	if !j.Kind.Valid() {
		return nil, errors.New("unknown worker kind " + worker)
	}
	return &j, nil
}
