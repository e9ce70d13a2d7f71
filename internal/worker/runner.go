package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/pkg/blobstore"
	"github.com/3leaps/gofielding/pkg/jobregistry"
	"github.com/3leaps/gofielding/pkg/ledger"
)

// ErrNoWork is returned by RunOnce when no job of the kind is waiting.
var ErrNoWork = errors.New("no work available")

const defaultHeartbeatInterval = 30 * time.Second

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	// Commands maps each worker kind to the tool invocation that executes it.
	Commands map[ledger.WorkerKind][]string

	// ScratchDir receives materialized artifacts for the duration of a run.
	ScratchDir string

	HeartbeatInterval time.Duration
}

// Runner claims jobs and executes them as child processes, one at a time.
type Runner struct {
	db      *sql.DB
	blobs   *blobstore.Store
	exec    *jobregistry.Executor
	cfg     RunnerConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewRunner returns a runner. blobs may be nil, in which case the child gets
// no GOFIELDING_ARTIFACT_PATH and must fetch the binary itself.
func NewRunner(db *sql.DB, blobs *blobstore.Store, exec *jobregistry.Executor, cfg RunnerConfig, logger *zap.Logger, m *metrics.Collector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Runner{db: db, blobs: blobs, exec: exec, cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

// RunOnce claims the best waiting job of kind, runs it to completion and
// completes it in the ledger. A zero exit status records produced_output.
// If ctx is cancelled while the child runs, the job is reset instead so
// another worker can take it.
func (r *Runner) RunOnce(ctx context.Context, kind ledger.WorkerKind) (*jobregistry.RunRecord, error) {
	command := r.cfg.Commands[kind]
	if len(command) == 0 {
		return nil, fmt.Errorf("no command configured for %s jobs", kind)
	}

	job, err := ledger.ClaimJob(ctx, r.db, kind, r.now())
	if ledger.IsNotFound(err) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", kind, err)
	}
	log := r.logger.With(zap.Int64("job_id", job.ID), zap.String("kind", string(kind)))

	art, err := ledger.GetArtifact(ctx, r.db, job.ArtifactID)
	if err != nil {
		return nil, r.abandon(job, err)
	}

	env := []string{
		"GOFIELDING_KIND=" + string(kind),
		"GOFIELDING_PAYLOAD=" + string(job.Payload),
		"GOFIELDING_ARTIFACT_SHA256=" + art.SHA256,
	}
	if r.blobs != nil {
		path, cleanup, err := r.blobs.Materialize(ctx, art.SHA256, r.cfg.ScratchDir)
		if err != nil {
			return nil, r.abandon(job, fmt.Errorf("materialize artifact %d: %w", art.ID, err))
		}
		defer func() { _ = cleanup() }()
		env = append(env, "GOFIELDING_ARTIFACT_PATH="+path)
	}

	run, err := r.exec.Start(ctx, jobregistry.RunSpec{
		LedgerJobID: job.ID,
		ArtifactID:  art.ID,
		Kind:        string(kind),
		Command:     command,
		Env:         env,
	})
	if err != nil {
		return nil, r.abandon(job, err)
	}
	log.Info("Job started", zap.String("run_id", run.Record.RunID), zap.Int("pid", run.Record.PID))
	r.metrics.RecordJobStarted()
	started := time.Now()

	stop := startHeartbeat(ctx, r.exec.Store(), run.Record.RunID, r.cfg.HeartbeatInterval)
	waitErr := run.Wait()
	stop()

	if ctx.Err() != nil {
		r.metrics.RecordJobCompleted(string(kind), nil, time.Since(started))
		return run.Record, r.abandon(job, ctx.Err())
	}

	produced := waitErr == nil
	if _, err := ledger.CompleteJob(context.WithoutCancel(ctx), r.db, job.ID, r.now(), &produced); err != nil {
		return run.Record, fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	r.metrics.RecordJobCompleted(string(kind), &produced, time.Since(started))
	if waitErr != nil {
		log.Warn("Job finished without output", zap.String("run_id", run.Record.RunID), zap.Error(waitErr))
	} else {
		log.Info("Job completed", zap.String("run_id", run.Record.RunID))
	}
	return run.Record, nil
}

// Loop runs jobs of kind until ctx is cancelled, sleeping idle between
// empty polls and after failures.
func (r *Runner) Loop(ctx context.Context, kind ledger.WorkerKind, idle time.Duration) error {
	for {
		_, err := r.RunOnce(ctx, kind)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, ErrNoWork):
			r.logger.Error("Run failed", zap.String("kind", string(kind)), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}

// abandon puts a claimed job back in the queue and returns cause.
func (r *Runner) abandon(job *ledger.Job, cause error) error {
	if job.StartedAt == nil {
		return cause
	}
	if _, err := ledger.ResetStartedJob(context.Background(), r.db, job.ID, *job.StartedAt); err != nil {
		return errors.Join(cause, fmt.Errorf("reset job %d: %w", job.ID, err))
	}
	return cause
}

// startHeartbeat stamps the run periodically until the returned stop
// function is called.
func startHeartbeat(ctx context.Context, store *jobregistry.Store, runID string, every time.Duration) func() {
	t := time.NewTicker(every)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				_ = store.Heartbeat(runID)
			}
		}
	}()

	return func() {
		t.Stop()
		close(done)
		<-stopped
	}
}
