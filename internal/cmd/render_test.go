package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/ledger"
)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func at(s string) *time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &ts
}

func int64p(v int64) *int64 { return &v }

func TestRenderRounds(t *testing.T) {
	rounds := []ledger.Round{
		{ID: 1, Num: 1, EndsAt: at("2026-10-18T12:00:00Z")},
		{ID: 2, Num: 2, EndsAt: at("2026-10-18T14:00:00Z")},
		{ID: 3, Num: 3},
	}

	var buf bytes.Buffer
	require.NoError(t, renderRounds(&buf, rounds, 2))
	newGolden(t).Assert(t, "rounds", buf.Bytes())
}

func TestRenderJobs(t *testing.T) {
	produced := true
	input := "test:4"
	jobs := []ledger.Job{
		{ID: 1, ArtifactID: 1, Kind: ledger.KindFuzzer, Priority: 10},
		{
			ID:             12,
			ArtifactID:     3,
			Kind:           ledger.KindDriller,
			Priority:       30,
			InputKey:       &input,
			StartedAt:      at("2026-10-18T12:00:00Z"),
			CompletedAt:    at("2026-10-18T12:05:00Z"),
			ProducedOutput: &produced,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderJobs(&buf, jobs))
	newGolden(t).Assert(t, "jobs", buf.Bytes())
}

func TestRenderDecisions(t *testing.T) {
	decisions := []worker.Decision{
		{
			TargetID:   1,
			TargetName: "CROMU_00001",
			Cable:      &ledger.Cable{ID: 3, TargetID: 1, RuleID: int64p(7), ArtifactIDs: []int64{4, 5}},
		},
		{TargetID: 2, TargetName: "CROMU_00002", SkipReason: worker.SkipAlreadySubmitted},
		{TargetID: 3, TargetName: "KPRCA_00011", SkipReason: worker.SkipNothingNew},
	}

	var buf bytes.Buffer
	require.NoError(t, renderDecisions(&buf, decisions))
	newGolden(t).Assert(t, "decisions", buf.Bytes())
}
