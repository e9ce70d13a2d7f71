package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// aggregateFixture is one target with a root, two sibling patches and a
// grandchild under patchA, plus an unrelated second root in the same target.
type aggregateFixture struct {
	target     *Target
	root       *Artifact
	patchA     *Artifact
	patchB     *Artifact
	grandchild *Artifact
	loneRoot   *Artifact

	rootTest       *TestCase
	patchATest     *TestCase
	patchBTest     *TestCase
	grandchildTest *TestCase
	targetTest     *TestCase
}

func TestAggregateScopes(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	f := aggregateFixture{target: tg}
	f.root = mustArtifact(t, ctx, db, tg.ID, nil, "root")
	f.patchA = mustArtifact(t, ctx, db, tg.ID, f.root, "patch-a")
	f.patchB = mustArtifact(t, ctx, db, tg.ID, f.root, "patch-b")
	f.grandchild = mustArtifact(t, ctx, db, tg.ID, f.patchA, "patch-a-1")
	f.loneRoot = mustArtifact(t, ctx, db, tg.ID, nil, "lone-root")

	newTest := func(a *Artifact, name string) *TestCase {
		p := EvidenceParams{TargetID: tg.ID, SHA256: hashOf(name)}
		if a != nil {
			p.ArtifactID = &a.ID
		}
		tc, err := CreateTestCase(ctx, db, p)
		require.NoError(t, err)
		return tc
	}
	f.rootTest = newTest(f.root, "t-root")
	f.patchATest = newTest(f.patchA, "t-a")
	f.patchBTest = newTest(f.patchB, "t-b")
	f.grandchildTest = newTest(f.grandchild, "t-a-1")
	f.targetTest = newTest(nil, "t-target")

	cases := []struct {
		name   string
		anchor *Artifact
		scope  AggregateScope
		want   []int64
	}{
		{"artifact only", f.patchA, ScopeArtifact, []int64{f.patchATest.ID}},
		{"subtree of patch", f.patchA, ScopeSubtree, []int64{f.patchATest.ID, f.grandchildTest.ID}},
		{"subtree of root", f.root, ScopeSubtree, []int64{f.rootTest.ID, f.patchATest.ID, f.patchBTest.ID, f.grandchildTest.ID}},
		{"tree from patch includes root and sibling", f.patchA, ScopeTree, []int64{f.rootTest.ID, f.patchATest.ID, f.patchBTest.ID, f.grandchildTest.ID}},
		{"tree from grandchild", f.grandchild, ScopeTree, []int64{f.rootTest.ID, f.patchATest.ID, f.patchBTest.ID, f.grandchildTest.ID}},
		{"tree of unrelated root", f.loneRoot, ScopeTree, []int64{}},
		{"target includes target-level tests", f.patchB, ScopeTarget, []int64{f.rootTest.ID, f.patchATest.ID, f.patchBTest.ID, f.grandchildTest.ID, f.targetTest.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Tests(ctx, db, tc.anchor.ID, tc.scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, testIDs(got))
		})
	}

	t.Run("named wrappers", func(t *testing.T) {
		got, err := TestsForArtifact(ctx, db, f.patchB.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.patchBTest.ID}, testIDs(got))

		got, err = AllTestsForArtifact(ctx, db, f.patchA.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.patchATest.ID, f.grandchildTest.ID}, testIDs(got))

		got, err = LineageTests(ctx, db, f.patchB.ID)
		require.NoError(t, err)
		assert.Len(t, got, 4)

		got, err = TargetTests(ctx, db, tg.ID)
		require.NoError(t, err)
		assert.Len(t, got, 5)
	})

	t.Run("unknown anchor", func(t *testing.T) {
		_, err := Tests(ctx, db, 999, ScopeSubtree)
		assert.True(t, IsNotFound(err))
	})
}

func TestFoundCrashScopes(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	root := mustArtifact(t, ctx, db, tg.ID, nil, "root")
	patchA := mustArtifact(t, ctx, db, tg.ID, root, "patch-a")
	patchB := mustArtifact(t, ctx, db, tg.ID, root, "patch-b")
	loneRoot := mustArtifact(t, ctx, db, tg.ID, nil, "lone-root")

	found, err := TargetFoundCrash(ctx, db, tg.ID)
	require.NoError(t, err)
	assert.False(t, found)

	crash, err := CreateCrash(ctx, db, CrashParams{
		EvidenceParams: EvidenceParams{ArtifactID: &patchA.ID, SHA256: hashOf("crash")},
		Kind:           "ip_overwrite",
		CrashPC:        ptr(int64(0x41414141)),
	})
	require.NoError(t, err)
	assert.Equal(t, tg.ID, crash.TargetID)

	cases := []struct {
		name   string
		anchor int64
		scope  AggregateScope
		want   bool
	}{
		{"crashing artifact", patchA.ID, ScopeArtifact, true},
		{"root only", root.ID, ScopeArtifact, false},
		{"root subtree sees child crash", root.ID, ScopeSubtree, true},
		{"sibling subtree", patchB.ID, ScopeSubtree, false},
		{"sibling tree", patchB.ID, ScopeTree, true},
		{"unrelated root tree", loneRoot.ID, ScopeTree, false},
		{"unrelated root target", loneRoot.ID, ScopeTarget, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FoundCrash(ctx, db, tc.anchor, tc.scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("named wrappers", func(t *testing.T) {
		got, err := ArtifactFoundCrash(ctx, db, patchB.ID)
		require.NoError(t, err)
		assert.False(t, got)

		got, err = LineageFoundCrash(ctx, db, patchB.ID)
		require.NoError(t, err)
		assert.True(t, got)

		got, err = TargetFoundCrash(ctx, db, tg.ID)
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("crash records", func(t *testing.T) {
		crashes, err := Crashes(ctx, db, root.ID, ScopeSubtree)
		require.NoError(t, err)
		require.Len(t, crashes, 1)
		assert.Equal(t, "ip_overwrite", crashes[0].Kind)
		require.NotNil(t, crashes[0].CrashPC)
		assert.Equal(t, int64(0x41414141), *crashes[0].CrashPC)
	})
}

func TestDrilledTests(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	root := mustArtifact(t, ctx, db, tg.ID, nil, "root")

	first, err := CreateTestCase(ctx, db, EvidenceParams{ArtifactID: &root.ID, SHA256: hashOf("1")})
	require.NoError(t, err)
	second, err := CreateTestCase(ctx, db, EvidenceParams{ArtifactID: &root.ID, SHA256: hashOf("2")})
	require.NoError(t, err)

	undrilled, err := UndrilledTests(ctx, db, tg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, testIDs(undrilled))

	changed, err := MarkTestDrilled(ctx, db, first.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = MarkTestDrilled(ctx, db, first.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = MarkTestDrilled(ctx, db, 999)
	assert.True(t, IsNotFound(err))

	undrilled, err = UndrilledTests(ctx, db, tg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID}, testIDs(undrilled))

	got, err := GetTestCase(ctx, db, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Drilled)
}

func TestEvidenceTargetChecks(t *testing.T) {
	ctx, db := openTestDB(t)
	tg := mustTarget(t, ctx, db, "cs-1")
	other := mustTarget(t, ctx, db, "cs-2")
	root := mustArtifact(t, ctx, db, tg.ID, nil, "root")

	_, err := CreateTestCase(ctx, db, EvidenceParams{TargetID: other.ID, ArtifactID: &root.ID})
	assert.True(t, IsInvariantViolation(err))

	_, err = CreateTestCase(ctx, db, EvidenceParams{})
	assert.Error(t, err)

	_, err = CreateCrash(ctx, db, CrashParams{EvidenceParams: EvidenceParams{TargetID: 999}})
	assert.True(t, IsNotFound(err))
}
