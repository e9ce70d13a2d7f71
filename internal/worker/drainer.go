package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/3leaps/gofielding/pkg/output"
)

// Drainer consumes pending cables: it records each submission in the ledger,
// marks the cable processed, and hands it to the transport as a JSONL record.
// A cable is emitted at most once across concurrent drainers.
type Drainer struct {
	db       *sql.DB
	w        output.Writer
	selfName string
	logger   *zap.Logger
	metrics  *metrics.Collector
}

func NewDrainer(db *sql.DB, w output.Writer, selfName string, logger *zap.Logger, m *metrics.Collector) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{db: db, w: w, selfName: selfName, logger: logger, metrics: m}
}

// Drain walks the unprocessed cables of targetID (zero means every target)
// oldest first. A submission the ledger already holds counts as satisfied
// and the cable is still consumed. Other failures are written as error
// records and leave the cable pending for the next pass.
func (d *Drainer) Drain(ctx context.Context, targetID int64, now time.Time) (*output.SummaryRecord, error) {
	start := time.Now()
	if now.IsZero() {
		now = start
	}

	self, err := ledger.SelfTeam(ctx, d.db, d.selfName)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	cables, err := ledger.UnprocessedCables(ctx, d.db, targetID)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}

	sum := &output.SummaryRecord{}
	targets := make(map[int64]*ledger.Target)
	for _, c := range cables {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Cables++

		rec, err := d.submitCable(ctx, c, self.ID, now, targets)
		if err != nil {
			sum.Errors++
			d.logger.Warn("Cable submission failed", zap.Int64("cable_id", c.ID), zap.Error(err))
			if werr := d.w.WriteError(ctx, errorRecord(c, err)); werr != nil {
				return sum, werr
			}
			continue
		}

		// Claim before handing off: only the drainer whose conditional
		// update lands emits the record.
		processed, err := ledger.ProcessCable(ctx, d.db, c.ID, now)
		if err != nil {
			return sum, fmt.Errorf("drain cable %d: %w", c.ID, err)
		}
		if !processed {
			sum.Skipped++
			continue
		}
		if err := d.w.WriteCable(ctx, rec); err != nil {
			d.logger.Error("Consumed cable not delivered", zap.Int64("cable_id", c.ID), zap.Error(err))
			return sum, fmt.Errorf("deliver cable %d: %w", c.ID, err)
		}
		if rec.AlreadySatisfied {
			sum.AlreadySatisfied++
			d.metrics.RecordSubmission(metrics.OutcomeAlreadySatisfied)
		} else {
			sum.Submitted++
			d.metrics.RecordSubmission(metrics.OutcomeSubmitted)
		}
		d.metrics.RecordCableDrained()
	}

	sum.Duration = time.Since(start)
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	if err := d.w.WriteSummary(ctx, sum); err != nil {
		return sum, err
	}
	d.logger.Info("Drain complete",
		zap.Int64("cables", sum.Cables),
		zap.Int64("submitted", sum.Submitted),
		zap.Int64("already_satisfied", sum.AlreadySatisfied),
		zap.Int64("errors", sum.Errors))
	return sum, nil
}

func (d *Drainer) submitCable(ctx context.Context, c ledger.Cable, teamID int64, now time.Time, targets map[int64]*ledger.Target) (*output.CableRecord, error) {
	target, ok := targets[c.TargetID]
	if !ok {
		t, err := ledger.GetTarget(ctx, d.db, c.TargetID)
		if err != nil {
			return nil, err
		}
		targets[c.TargetID] = t
		target = t
	}

	rec := &output.CableRecord{
		CableID:   c.ID,
		TargetID:  c.TargetID,
		Target:    target.Name,
		Artifacts: make([]output.CableArtifact, 0, len(c.ArtifactIDs)),
		CreatedAt: c.CreatedAt,
	}
	for _, id := range c.ArtifactIDs {
		a, err := ledger.GetArtifact(ctx, d.db, id)
		if err != nil {
			return nil, err
		}
		rec.Artifacts = append(rec.Artifacts, output.CableArtifact{
			ArtifactID: a.ID,
			Name:       a.Name,
			SHA256:     a.SHA256,
			PatchKind:  a.PatchKind,
			SizeBytes:  a.SizeBytes,
		})
	}

	var roundID *int64
	satisfied := true
	if len(c.ArtifactIDs) > 0 {
		f, err := ledger.Submit(ctx, d.db, ledger.SubmitParams{
			TargetID:    c.TargetID,
			TeamID:      teamID,
			ArtifactIDs: c.ArtifactIDs,
			Now:         now,
		})
		switch {
		case ledger.IsUniqueViolation(err):
		case err != nil:
			return nil, err
		default:
			satisfied = false
			rec.FieldingID = &f.ID
			roundID = f.SubmissionRoundID
		}
	}

	if c.RuleID != nil {
		rule, err := ledger.GetRule(ctx, d.db, *c.RuleID)
		if err != nil {
			return nil, err
		}
		rec.RuleID = &rule.ID
		rec.RuleSHA256 = rule.SHA256
		rec.Rules = rule.Rules

		rf, err := ledger.SubmitRule(ctx, d.db, rule.ID, teamID, now)
		switch {
		case ledger.IsUniqueViolation(err):
		case err != nil:
			return nil, err
		default:
			satisfied = false
			if roundID == nil {
				roundID = rf.SubmissionRoundID
			}
		}
	}
	rec.AlreadySatisfied = satisfied

	if roundID != nil {
		r, err := ledger.GetRound(ctx, d.db, *roundID)
		if err != nil {
			return nil, err
		}
		rec.RoundNum = r.Num
	} else {
		r, err := ledger.CurrentRound(ctx, d.db, now)
		if err != nil {
			return nil, err
		}
		rec.RoundNum = r.Num
	}
	return rec, nil
}

func errorRecord(c ledger.Cable, err error) *output.ErrorRecord {
	code := output.ErrCodeInternal
	switch {
	case ledger.IsNoCurrentRound(err):
		code = output.ErrCodeNoRound
	case ledger.IsNotFound(err):
		code = output.ErrCodeNotFound
	case ledger.IsInvariantViolation(err):
		code = output.ErrCodeInvariantViolation
	}
	return &output.ErrorRecord{
		Code:     code,
		Message:  err.Error(),
		CableID:  c.ID,
		TargetID: c.TargetID,
	}
}
