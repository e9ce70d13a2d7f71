package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/pkg/ledger"
)

func TestDecideBuildsOneCablePerTarget(t *testing.T) {
	f := newFixture(t)
	root := f.artifact(t, f.target, nil, "root")
	f.artifact(t, f.target, root, "patch-old")
	newest := f.artifact(t, f.target, root, "patch-new")
	_, err := ledger.CreateRule(f.ctx, f.db, f.target.ID, "alert tcp any any -> any any (msg:\"old\";)")
	require.NoError(t, err)
	rule, err := ledger.CreateRule(f.ctx, f.db, f.target.ID, "alert tcp any any -> any any (msg:\"new\";)")
	require.NoError(t, err)

	quiet := f.addTarget(t, "KPRCA_00001")
	f.artifact(t, quiet, nil, "quiet-root")

	s := NewSubmitter(f.db, "", nil, nil)
	now := time.Now()

	decisions, err := s.Decide(f.ctx, now)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	byName := map[string]Decision{}
	for _, d := range decisions {
		byName[d.TargetName] = d
	}

	d := byName["CROMU_00001"]
	require.NotNil(t, d.Cable)
	assert.Equal(t, []int64{newest.ID}, d.Cable.ArtifactIDs)
	require.NotNil(t, d.Cable.RuleID)
	assert.Equal(t, rule.ID, *d.Cable.RuleID)
	assert.Equal(t, SkipNothingNew, byName["KPRCA_00001"].SkipReason)

	t.Run("pending cable blocks a second one", func(t *testing.T) {
		decisions, err := s.Decide(f.ctx, now)
		require.NoError(t, err)
		for _, d := range decisions {
			assert.Nil(t, d.Cable)
		}
		assert.Contains(t, decisions, Decision{TargetID: f.target.ID, TargetName: "CROMU_00001", SkipReason: SkipCablePending})
	})

	t.Run("submitted target is skipped for the round", func(t *testing.T) {
		_, err := ledger.Submit(f.ctx, f.db, ledger.SubmitParams{
			TargetID: f.target.ID, TeamID: f.self.ID, ArtifactIDs: d.Cable.ArtifactIDs, Now: now,
		})
		require.NoError(t, err)
		_, err = ledger.ProcessCable(f.ctx, f.db, d.Cable.ID, now)
		require.NoError(t, err)

		decisions, err := s.Decide(f.ctx, now)
		require.NoError(t, err)
		assert.Contains(t, decisions, Decision{TargetID: f.target.ID, TargetName: "CROMU_00001", SkipReason: SkipAlreadySubmitted})
	})
}

func TestDecideRuleOnly(t *testing.T) {
	f := newFixture(t)
	f.artifact(t, f.target, nil, "root")
	rule, err := ledger.CreateRule(f.ctx, f.db, f.target.ID, "alert udp any any -> any any (msg:\"r\";)")
	require.NoError(t, err)

	decisions, err := NewSubmitter(f.db, "", nil, nil).Decide(f.ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].Cable)
	assert.Empty(t, decisions[0].Cable.ArtifactIDs)
	assert.Equal(t, rule.ID, *decisions[0].Cable.RuleID)
}

func TestDecideTargetMatch(t *testing.T) {
	f := newFixture(t)
	root := f.artifact(t, f.target, nil, "root")
	f.artifact(t, f.target, root, "patch")

	decisions, err := NewSubmitter(f.db, "", nil, nil).WithTargetMatch("KPRCA_*").Decide(f.ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestDecideUnknownSelfTeam(t *testing.T) {
	f := newFixture(t)
	_, err := NewSubmitter(f.db, "nobody", nil, nil).Decide(f.ctx, time.Now())
	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
}
