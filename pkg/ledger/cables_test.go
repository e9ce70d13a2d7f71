package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCableQueueOrder(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	other := mustTarget(t, ctx, db, "cs-2")
	root := mustArtifact(t, ctx, db, tg.ID, nil, "root")
	patch := mustArtifact(t, ctx, db, tg.ID, root, "patch")
	rule, err := CreateRule(ctx, db, tg.ID, "alert tcp any any -> any any (msg:\"x\";)")
	require.NoError(t, err)

	c1, err := CreateCable(ctx, db, CableParams{TargetID: tg.ID, ArtifactIDs: []int64{patch.ID, root.ID, patch.ID}})
	require.NoError(t, err)
	assert.Equal(t, []int64{root.ID, patch.ID}, c1.ArtifactIDs)
	c2, err := CreateCable(ctx, db, CableParams{TargetID: tg.ID, RuleID: &rule.ID})
	require.NoError(t, err)
	assert.Empty(t, c2.ArtifactIDs)
	otherRoot := mustArtifact(t, ctx, db, other.ID, nil, "other-root")
	c3, err := CreateCable(ctx, db, CableParams{TargetID: other.ID, ArtifactIDs: []int64{otherRoot.ID}})
	require.NoError(t, err)
	c4, err := CreateCable(ctx, db, CableParams{TargetID: tg.ID, RuleID: &rule.ID, ArtifactIDs: []int64{patch.ID}})
	require.NoError(t, err)

	pending, err := UnprocessedCables(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1.ID, c2.ID, c3.ID, c4.ID}, cableIDs(pending))
	assert.Equal(t, []int64{root.ID, patch.ID}, pending[0].ArtifactIDs)
	require.NotNil(t, pending[3].RuleID)
	assert.Equal(t, rule.ID, *pending[3].RuleID)

	pending, err = UnprocessedCables(ctx, db, tg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1.ID, c2.ID, c4.ID}, cableIDs(pending))

	ok, err := ProcessCable(ctx, db, c2.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err = UnprocessedCables(ctx, db, tg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1.ID, c4.ID}, cableIDs(pending), "processed cables leave the queue; order is kept")

	all, err := ListCables(ctx, db, tg.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[1].Processed())
	assert.False(t, all[0].Processed())

	got, err := GetCable(ctx, db, c2.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed())
}

func TestProcessCableOnce(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	root := mustArtifact(t, ctx, db, tg.ID, nil, "root")
	c, err := CreateCable(ctx, db, CableParams{TargetID: tg.ID, ArtifactIDs: []int64{root.ID}})
	require.NoError(t, err)

	first := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	ok, err := ProcessCable(ctx, db, c.ID, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ProcessCable(ctx, db, c.ID, first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := GetCable(ctx, db, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, first.Equal(*got.ProcessedAt), "second call must not move processed_at")

	_, err = ProcessCable(ctx, db, 999, time.Now())
	assert.True(t, IsNotFound(err))

	_, err = GetCable(ctx, db, 999)
	assert.True(t, IsNotFound(err))
}

func TestConcurrentProcessCable(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	c, err := CreateCable(ctx, db, CableParams{TargetID: tg.ID})
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		total = 6
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ProcessCable(ctx, db, c.ID, time.Now())
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCreateCableChecks(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	other := mustTarget(t, ctx, db, "cs-2")
	foreign := mustArtifact(t, ctx, db, other.ID, nil, "foreign")
	foreignRule, err := CreateRule(ctx, db, other.ID, "rule")
	require.NoError(t, err)

	_, err = CreateCable(ctx, db, CableParams{TargetID: tg.ID, ArtifactIDs: []int64{foreign.ID}})
	assert.True(t, IsInvariantViolation(err))

	_, err = CreateCable(ctx, db, CableParams{TargetID: tg.ID, ArtifactIDs: []int64{999}})
	assert.Error(t, err)

	_, err = CreateCable(ctx, db, CableParams{TargetID: tg.ID, RuleID: &foreignRule.ID})
	assert.True(t, IsInvariantViolation(err))

	_, err = CreateCable(ctx, db, CableParams{TargetID: tg.ID, RuleID: ptr(int64(999))})
	assert.True(t, IsNotFound(err))

	_, err = CreateCable(ctx, db, CableParams{TargetID: 999})
	assert.True(t, IsNotFound(err))

	pending, err := UnprocessedCables(ctx, db, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed creates leave nothing behind")
}

func cableIDs(cables []Cable) []int64 {
	out := make([]int64, 0, len(cables))
	for _, c := range cables {
		out = append(out, c.ID)
	}
	return out
}
