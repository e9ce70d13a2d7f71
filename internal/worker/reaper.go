package worker

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/pkg/jobregistry"
	"github.com/3leaps/gofielding/pkg/ledger"
)

// Reaper returns the ledger jobs of dead worker runs to the queue.
type Reaper struct {
	db      *sql.DB
	runs    *jobregistry.Store
	logger  *zap.Logger
	metrics *metrics.Collector
}

// ReapResult counts what one Reap pass did.
type ReapResult struct {
	// Unknown is the number of runs found whose process had gone.
	Unknown int `json:"unknown"`
	// Reset is the number of ledger jobs returned to created.
	Reset int `json:"reset"`
	// Settled counts unknown runs whose job needed no reset (already
	// completed, never started, or deleted).
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

func NewReaper(db *sql.DB, runs *jobregistry.Store, logger *zap.Logger, m *metrics.Collector) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{db: db, runs: runs, logger: logger, metrics: m}
}

// Reap resets the started ledger job of every unknown run and marks the run
// reset. Listing the registry is what detects dead PIDs, so a run that died
// since the last pass is picked up here too.
func (r *Reaper) Reap(ctx context.Context) (*ReapResult, error) {
	unknown, err := r.runs.ListState(jobregistry.RunStateUnknown)
	if err != nil {
		return nil, fmt.Errorf("reap: %w", err)
	}

	res := &ReapResult{Unknown: len(unknown)}
	for _, run := range unknown {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		reset, err := r.reapRun(ctx, run)
		if err != nil {
			res.Failed++
			r.logger.Warn("Reap failed",
				zap.String("run_id", run.RunID),
				zap.Int64("job_id", run.LedgerJobID),
				zap.Error(err))
			continue
		}
		if reset {
			res.Reset++
			r.metrics.RecordJobReset()
		} else {
			res.Settled++
		}
	}
	return res, nil
}

func (r *Reaper) reapRun(ctx context.Context, run jobregistry.RunRecord) (bool, error) {
	reset := false
	job, err := ledger.GetJob(ctx, r.db, run.LedgerJobID)
	switch {
	case ledger.IsNotFound(err):
	case err != nil:
		return false, err
	case job.State() == ledger.JobStarted:
		_, err := ledger.ResetStartedJob(ctx, r.db, job.ID, *job.StartedAt)
		if ledger.IsInvariantViolation(err) {
			// Finished or re-claimed since it was read.
			break
		}
		if err != nil {
			return false, err
		}
		reset = true
		r.logger.Info("Job reset",
			zap.Int64("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("run_id", run.RunID),
			zap.Int("pid", run.PID))
	}
	if err := r.runs.MarkReset(run.RunID); err != nil {
		return reset, err
	}
	return reset, nil
}
