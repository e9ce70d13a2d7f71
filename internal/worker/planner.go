// Package worker implements the collaborator side of the ledger: deciding
// what work to queue, what to submit, and handing submissions to the
// transport, plus running and recovering local worker processes.
//
// Every type here is safe to run in several processes against one ledger.
// Duplicate decisions are absorbed by the ledger's unique indexes.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/pkg/ledger"
)

// Job priorities. Higher runs first.
const (
	PriorityExploiter = 40
	PriorityDriller   = 30
	PriorityPatcher   = 20
	PriorityTester    = 20
	PriorityFuzzer    = 10
)

// PlannerConfig tunes a Planner.
type PlannerConfig struct {
	// RateLimit caps enqueue attempts per second. Zero means unlimited.
	RateLimit float64

	// TargetMatch is a doublestar glob over target names. Empty matches all.
	TargetMatch string
}

// Planner turns ledger state into candidate jobs and enqueues them.
type Planner struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Collector
	limiter *rate.Limiter
	match   string
	now     func() time.Time
}

// PollResult summarizes one Poll pass.
type PollResult struct {
	RoundNum      int64 `json:"round_num"`
	Targets       int   `json:"targets"`
	Candidates    int   `json:"candidates"`
	Created       int   `json:"created"`
	AlreadyQueued int   `json:"already_queued"`
}

func NewPlanner(db *sql.DB, logger *zap.Logger, m *metrics.Collector, cfg PlannerConfig) (*Planner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TargetMatch != "" && !doublestar.ValidatePattern(cfg.TargetMatch) {
		return nil, fmt.Errorf("invalid target match %q", cfg.TargetMatch)
	}
	p := &Planner{db: db, logger: logger, metrics: m, match: cfg.TargetMatch, now: time.Now}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p, nil
}

// Candidates lists the jobs an artifact warrants right now.
//
// A root gets a fuzzer and a patcher, one driller per undrilled test of its
// tree and one exploiter per crash of its tree. A patch gets one tester per
// test of its tree. Candidates that are already queued are still listed;
// EnqueueJob sorts them out.
func (p *Planner) Candidates(ctx context.Context, artifactID int64) ([]ledger.JobSpec, error) {
	art, err := ledger.GetArtifact(ctx, p.db, artifactID)
	if err != nil {
		return nil, err
	}

	tests, err := ledger.LineageTests(ctx, p.db, art.ID)
	if err != nil {
		return nil, err
	}

	var specs []ledger.JobSpec
	if !art.IsRoot() {
		for _, t := range tests {
			specs = append(specs, inputJob(art.ID, ledger.KindTester, PriorityTester, "test_id", t.ID))
		}
		return specs, nil
	}

	specs = append(specs,
		ledger.JobSpec{ArtifactID: art.ID, Kind: ledger.KindFuzzer, Priority: PriorityFuzzer},
		ledger.JobSpec{ArtifactID: art.ID, Kind: ledger.KindPatcher, Priority: PriorityPatcher},
	)
	for _, t := range tests {
		if t.Drilled {
			continue
		}
		specs = append(specs, inputJob(art.ID, ledger.KindDriller, PriorityDriller, "test_id", t.ID))
	}

	crashes, err := ledger.Crashes(ctx, p.db, art.ID, ledger.ScopeTree)
	if err != nil {
		return nil, err
	}
	for _, c := range crashes {
		specs = append(specs, inputJob(art.ID, ledger.KindExploiter, PriorityExploiter, "crash_id", c.ID))
	}
	return specs, nil
}

// Poll enqueues the candidates of every artifact of every matching target
// seen in the current round.
func (p *Planner) Poll(ctx context.Context) (*PollResult, error) {
	start := p.now()
	defer func() { p.metrics.ObservePoll(time.Since(start)) }()

	round, err := ledger.CurrentRound(ctx, p.db, start)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	p.metrics.SetCurrentRound(round.Num)

	targets, err := ledger.FieldedInRound(ctx, p.db, round.ID)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	res := &PollResult{RoundNum: round.Num}
	for _, t := range targets {
		if !p.matches(t.Name) {
			continue
		}
		res.Targets++

		arts, err := ledger.ListArtifacts(ctx, p.db, t.ID)
		if err != nil {
			return res, fmt.Errorf("poll target %s: %w", t.Name, err)
		}
		for _, a := range arts {
			specs, err := p.Candidates(ctx, a.ID)
			if err != nil {
				return res, fmt.Errorf("poll artifact %d: %w", a.ID, err)
			}
			for _, spec := range specs {
				res.Candidates++
				created, err := p.enqueue(ctx, spec)
				if err != nil {
					return res, err
				}
				if created {
					res.Created++
				} else {
					res.AlreadyQueued++
				}
			}
		}
	}

	p.logger.Info("Poll complete",
		zap.Int64("round", res.RoundNum),
		zap.Int("targets", res.Targets),
		zap.Int("candidates", res.Candidates),
		zap.Int("created", res.Created),
		zap.Int("already_queued", res.AlreadyQueued))
	return res, nil
}

func (p *Planner) enqueue(ctx context.Context, spec ledger.JobSpec) (bool, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	job, created, err := ledger.EnqueueJob(ctx, p.db, spec)
	if err != nil {
		return false, fmt.Errorf("enqueue %s job for artifact %d: %w", spec.Kind, spec.ArtifactID, err)
	}
	p.metrics.RecordEnqueue(string(spec.Kind), created)
	if created {
		p.logger.Debug("Job enqueued",
			zap.Int64("job_id", job.ID),
			zap.Int64("artifact_id", spec.ArtifactID),
			zap.String("kind", string(spec.Kind)))
	}
	return created, nil
}

func (p *Planner) matches(name string) bool {
	return matchTarget(p.match, name)
}

// matchTarget reports whether name matches a doublestar glob. An empty
// pattern matches everything.
func matchTarget(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func inputJob(artifactID int64, kind ledger.WorkerKind, priority int, field string, id int64) ledger.JobSpec {
	payload, _ := json.Marshal(map[string]int64{field: id})
	return ledger.JobSpec{ArtifactID: artifactID, Kind: kind, Priority: priority, Payload: payload}
}
