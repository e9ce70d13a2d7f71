package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/pkg/ledger"
)

// Skip reasons reported by Decide.
const (
	SkipAlreadySubmitted = "already_submitted"
	SkipCablePending     = "cable_pending"
	SkipNothingNew       = "nothing_new"
)

// Decision is the outcome of Decide for one target.
type Decision struct {
	TargetID   int64         `json:"target_id"`
	TargetName string        `json:"target"`
	Cable      *ledger.Cable `json:"cable,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Submitter decides what the own team submits each round and queues it as
// cables.
type Submitter struct {
	db       *sql.DB
	selfName string
	logger   *zap.Logger
	metrics  *metrics.Collector
	match    string
}

func NewSubmitter(db *sql.DB, selfName string, logger *zap.Logger, m *metrics.Collector) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{db: db, selfName: selfName, logger: logger, metrics: m}
}

// WithTargetMatch restricts Decide to targets matching a doublestar glob.
func (s *Submitter) WithTargetMatch(pattern string) *Submitter {
	s.match = pattern
	return s
}

// Decide builds one cable per target seen in the round current at now that
// has no own submission yet. A cable carries the newest unsubmitted patch of
// each root plus the newest unsubmitted rule. Targets whose previous cable
// is still waiting for the drainer are left alone.
func (s *Submitter) Decide(ctx context.Context, now time.Time) ([]Decision, error) {
	self, err := ledger.SelfTeam(ctx, s.db, s.selfName)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	round, err := ledger.CurrentRound(ctx, s.db, now)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	targets, err := ledger.FieldedInRound(ctx, s.db, round.ID)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}

	decisions := make([]Decision, 0, len(targets))
	for _, t := range targets {
		if !matchTarget(s.match, t.Name) {
			continue
		}
		d, err := s.decideTarget(ctx, t, self.ID, round.ID)
		if err != nil {
			return decisions, fmt.Errorf("decide target %s: %w", t.Name, err)
		}
		if d.Cable != nil {
			s.metrics.RecordCableCreated()
			s.logger.Info("Cable queued",
				zap.Int64("cable_id", d.Cable.ID),
				zap.String("target", t.Name),
				zap.Int("artifacts", len(d.Cable.ArtifactIDs)),
				zap.Bool("rule", d.Cable.RuleID != nil))
		} else {
			s.metrics.RecordSubmission(metrics.OutcomeSkipped)
			s.logger.Debug("Target skipped", zap.String("target", t.Name), zap.String("reason", d.SkipReason))
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (s *Submitter) decideTarget(ctx context.Context, t ledger.Target, teamID, roundID int64) (Decision, error) {
	d := Decision{TargetID: t.ID, TargetName: t.Name}

	submitted, err := ledger.HasSubmissionsInRound(ctx, s.db, t.ID, teamID, roundID)
	if err != nil {
		return d, err
	}
	if submitted {
		d.SkipReason = SkipAlreadySubmitted
		return d, nil
	}

	pending, err := ledger.UnprocessedCables(ctx, s.db, t.ID)
	if err != nil {
		return d, err
	}
	if len(pending) > 0 {
		d.SkipReason = SkipCablePending
		return d, nil
	}

	roots, err := ledger.Roots(ctx, s.db, t.ID)
	if err != nil {
		return d, err
	}
	var artifactIDs []int64
	for _, root := range roots {
		patches, err := ledger.UnsubmittedPatches(ctx, s.db, root.ID, teamID)
		if err != nil {
			return d, err
		}
		if newest := newestArtifact(patches); newest != nil {
			artifactIDs = append(artifactIDs, newest.ID)
		}
	}

	params := ledger.CableParams{TargetID: t.ID, ArtifactIDs: artifactIDs}
	rules, err := ledger.UnsubmittedRules(ctx, s.db, t.ID, teamID)
	if err != nil {
		return d, err
	}
	if len(rules) > 0 {
		ruleID := rules[len(rules)-1].ID
		params.RuleID = &ruleID
	}

	if len(params.ArtifactIDs) == 0 && params.RuleID == nil {
		d.SkipReason = SkipNothingNew
		return d, nil
	}

	cable, err := ledger.CreateCable(ctx, s.db, params)
	if err != nil {
		return d, err
	}
	d.Cable = cable
	return d, nil
}

func newestArtifact(arts []ledger.Artifact) *ledger.Artifact {
	var newest *ledger.Artifact
	for i := range arts {
		if newest == nil || arts[i].ID > newest.ID {
			newest = &arts[i]
		}
	}
	return newest
}
