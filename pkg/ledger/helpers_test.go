package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return ctx, db
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func ptr[T any](v T) *T {
	return &v
}

func mustTarget(t *testing.T, ctx context.Context, db *sql.DB, name string) *Target {
	t.Helper()
	tg, err := CreateTarget(ctx, db, name)
	require.NoError(t, err)
	return tg
}

func mustTeam(t *testing.T, ctx context.Context, db *sql.DB, name string) *Team {
	t.Helper()
	tm, err := CreateTeam(ctx, db, name)
	require.NoError(t, err)
	return tm
}

func mustArtifact(t *testing.T, ctx context.Context, db *sql.DB, targetID int64, parent *Artifact, name string) *Artifact {
	t.Helper()
	p := ArtifactParams{TargetID: targetID, Name: name, SHA256: hashOf(name)}
	if parent != nil {
		p.ParentID = &parent.ID
		p.PatchKind = ptr("reassembler")
	}
	a, err := CreateArtifact(ctx, db, p)
	require.NoError(t, err)
	return a
}

// mustOpenRound creates a round that is current for the next hour.
func mustOpenRound(t *testing.T, ctx context.Context, db *sql.DB, num int64) *Round {
	t.Helper()
	r, err := CreateRound(ctx, db, num, ptr(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	return r
}

func artifactIDs(arts []Artifact) []int64 {
	out := make([]int64, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.ID)
	}
	return out
}

func testIDs(tests []TestCase) []int64 {
	out := make([]int64, 0, len(tests))
	for _, tc := range tests {
		out = append(out, tc.ID)
	}
	return out
}
