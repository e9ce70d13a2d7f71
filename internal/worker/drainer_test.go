package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/3leaps/gofielding/pkg/output"
)

func readRecords(t *testing.T, buf *bytes.Buffer) []output.Record {
	t.Helper()
	var out []output.Record
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestDrainSubmitsAndConsumes(t *testing.T) {
	f := newFixture(t)
	root := f.artifact(t, f.target, nil, "root")
	patch := f.artifact(t, f.target, root, "patch")
	rule, err := ledger.CreateRule(f.ctx, f.db, f.target.ID, "alert tcp any any -> any any (msg:\"x\";)")
	require.NoError(t, err)
	cable, err := ledger.CreateCable(f.ctx, f.db, ledger.CableParams{
		TargetID: f.target.ID, RuleID: &rule.ID, ArtifactIDs: []int64{patch.ID},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	d := NewDrainer(f.db, output.NewJSONLWriter(&buf, "run-1", ledger.DefaultSelfTeamName), "", nil, metrics.NewCollector())
	now := time.Now()

	sum, err := d.Drain(f.ctx, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Cables)
	assert.Equal(t, int64(1), sum.Submitted)
	assert.Zero(t, sum.Errors)

	records := readRecords(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, output.TypeCable, records[0].Type)
	assert.Equal(t, output.TypeSummary, records[1].Type)

	var rec output.CableRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &rec))
	assert.Equal(t, cable.ID, rec.CableID)
	assert.Equal(t, "CROMU_00001", rec.Target)
	assert.Equal(t, int64(1), rec.RoundNum)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, patch.SHA256, rec.Artifacts[0].SHA256)
	assert.Equal(t, rule.SHA256, rec.RuleSHA256)
	assert.NotNil(t, rec.FieldingID)
	assert.False(t, rec.AlreadySatisfied)

	submitted, err := ledger.HasSubmissionsInRound(f.ctx, f.db, f.target.ID, f.self.ID, f.round.ID)
	require.NoError(t, err)
	assert.True(t, submitted)

	rules, err := ledger.UnsubmittedRules(f.ctx, f.db, f.target.ID, f.self.ID)
	require.NoError(t, err)
	assert.Empty(t, rules)

	pending, err := ledger.UnprocessedCables(f.ctx, f.db, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	t.Run("empty queue writes only a summary", func(t *testing.T) {
		sum, err := d.Drain(f.ctx, 0, now)
		require.NoError(t, err)
		assert.Zero(t, sum.Cables)
		records := readRecords(t, &buf)
		require.Len(t, records, 1)
		assert.Equal(t, output.TypeSummary, records[0].Type)
	})
}

func TestDrainAlreadySatisfied(t *testing.T) {
	f := newFixture(t)
	root := f.artifact(t, f.target, nil, "root")
	patch := f.artifact(t, f.target, root, "patch")
	now := time.Now()

	_, err := ledger.Submit(f.ctx, f.db, ledger.SubmitParams{
		TargetID: f.target.ID, TeamID: f.self.ID, ArtifactIDs: []int64{patch.ID}, Now: now,
	})
	require.NoError(t, err)
	_, err = ledger.CreateCable(f.ctx, f.db, ledger.CableParams{TargetID: f.target.ID, ArtifactIDs: []int64{patch.ID}})
	require.NoError(t, err)

	var buf bytes.Buffer
	sum, err := NewDrainer(f.db, output.NewJSONLWriter(&buf, "run-2", ""), "", nil, nil).Drain(f.ctx, f.target.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.AlreadySatisfied)
	assert.Zero(t, sum.Submitted)

	records := readRecords(t, &buf)
	var rec output.CableRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &rec))
	assert.True(t, rec.AlreadySatisfied)
	assert.Nil(t, rec.FieldingID)

	pending, err := ledger.UnprocessedCables(f.ctx, f.db, f.target.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "a satisfied cable is still consumed")
}

func TestDrainWithoutRoundLeavesCablePending(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.Open(ctx, ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ledger.Migrate(ctx, db))

	_, err = ledger.EnsureTeam(ctx, db, ledger.DefaultSelfTeamName)
	require.NoError(t, err)
	tg, _, err := ledger.EnsureTarget(ctx, db, "CROMU_00001")
	require.NoError(t, err)
	root, err := ledger.CreateArtifact(ctx, db, ledger.ArtifactParams{TargetID: tg.ID, Name: "root", SHA256: hashOf("root")})
	require.NoError(t, err)
	cable, err := ledger.CreateCable(ctx, db, ledger.CableParams{TargetID: tg.ID, ArtifactIDs: []int64{root.ID}})
	require.NoError(t, err)

	var buf bytes.Buffer
	sum, err := NewDrainer(db, output.NewJSONLWriter(&buf, "run-3", ""), "", nil, nil).Drain(ctx, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Errors)

	records := readRecords(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, output.TypeError, records[0].Type)
	var errRec output.ErrorRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &errRec))
	assert.Equal(t, output.ErrCodeNoRound, errRec.Code)
	assert.Equal(t, cable.ID, errRec.CableID)

	pending, err := ledger.UnprocessedCables(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

// nestedDrainWriter starts a second drain from inside the first one's cable
// hand-off, the tightest interleaving two drain processes can produce.
type nestedDrainWriter struct {
	output.Writer
	inner    func() (*output.SummaryRecord, error)
	innerSum *output.SummaryRecord
	cables   int
}

func (w *nestedDrainWriter) WriteCable(ctx context.Context, rec *output.CableRecord) error {
	w.cables++
	if w.inner != nil {
		sum, err := w.inner()
		if err != nil {
			return err
		}
		w.innerSum = sum
		w.inner = nil
	}
	return w.Writer.WriteCable(ctx, rec)
}

func TestConcurrentDrainersDeliverOnce(t *testing.T) {
	f := newFixture(t)
	root := f.artifact(t, f.target, nil, "root")
	_, err := ledger.CreateCable(f.ctx, f.db, ledger.CableParams{TargetID: f.target.ID, ArtifactIDs: []int64{root.ID}})
	require.NoError(t, err)
	now := time.Now()

	var bufA, bufB bytes.Buffer
	b := &nestedDrainWriter{Writer: output.NewJSONLWriter(&bufB, "run-b", "")}
	drainerB := NewDrainer(f.db, b, "", nil, nil)
	a := &nestedDrainWriter{
		Writer: output.NewJSONLWriter(&bufA, "run-a", ""),
		inner:  func() (*output.SummaryRecord, error) { return drainerB.Drain(f.ctx, 0, now) },
	}

	sumA, err := NewDrainer(f.db, a, "", nil, nil).Drain(f.ctx, 0, now)
	require.NoError(t, err)

	assert.Equal(t, 1, a.cables)
	assert.Zero(t, b.cables, "the cable must not be handed off twice")
	assert.Equal(t, int64(1), sumA.Submitted)
	assert.Zero(t, sumA.Skipped)
	require.NotNil(t, a.innerSum)
	assert.Zero(t, a.innerSum.Cables)
}
