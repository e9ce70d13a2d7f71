package worker

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/pkg/ledger"
)

// fixture is a ledger with an open round, the self team and one target seen
// in that round.
type fixture struct {
	ctx    context.Context
	db     *sql.DB
	round  *ledger.Round
	self   *ledger.Team
	target *ledger.Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := ledger.Open(ctx, ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ledger.Migrate(ctx, db))

	ends := time.Now().Add(time.Hour)
	round, err := ledger.CreateRound(ctx, db, 1, &ends)
	require.NoError(t, err)
	self, err := ledger.EnsureTeam(ctx, db, ledger.DefaultSelfTeamName)
	require.NoError(t, err)

	f := &fixture{ctx: ctx, db: db, round: round, self: self}
	f.target = f.addTarget(t, "CROMU_00001")
	return f
}

func (f *fixture) addTarget(t *testing.T, name string) *ledger.Target {
	t.Helper()
	tg, _, err := ledger.EnsureTarget(f.ctx, f.db, name)
	require.NoError(t, err)
	_, err = ledger.SeenInRound(f.ctx, f.db, tg.ID, f.round.ID)
	require.NoError(t, err)
	return tg
}

func (f *fixture) artifact(t *testing.T, target *ledger.Target, parent *ledger.Artifact, name string) *ledger.Artifact {
	t.Helper()
	p := ledger.ArtifactParams{TargetID: target.ID, Name: name, SHA256: hashOf(name)}
	if parent != nil {
		kind := "reassembler"
		p.ParentID = &parent.ID
		p.PatchKind = &kind
	}
	a, err := ledger.CreateArtifact(f.ctx, f.db, p)
	require.NoError(t, err)
	return a
}

func (f *fixture) testCase(t *testing.T, art *ledger.Artifact, name string) *ledger.TestCase {
	t.Helper()
	tc, err := ledger.CreateTestCase(f.ctx, f.db, ledger.EvidenceParams{ArtifactID: &art.ID, SHA256: hashOf(name)})
	require.NoError(t, err)
	return tc
}

func (f *fixture) crash(t *testing.T, art *ledger.Artifact, name string) *ledger.Crash {
	t.Helper()
	c, err := ledger.CreateCrash(f.ctx, f.db, ledger.CrashParams{
		EvidenceParams: ledger.EvidenceParams{ArtifactID: &art.ID, SHA256: hashOf(name)},
		Kind:           "SIGSEGV",
	})
	require.NoError(t, err)
	return c
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func countKinds(specs []ledger.JobSpec) map[ledger.WorkerKind]int {
	out := make(map[ledger.WorkerKind]int)
	for _, s := range specs {
		out[s.Kind]++
	}
	return out
}
