package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootHash  = "64e0221fb5ce8eb49ab0e5c84a271af938f06f71696ff86aae9e23731854aab0"
	patchHash = "66624105ee3e64538a52557017f332f12be5d3eb97a262b1f2d2a5912ff80b56"
	otherHash = "08f74e93b7a48ea4d3c49fedc826cfd6ed0108a49103d2f9d29b165d4d4bfcf6"
)

func validManifestYAML() string {
	return `version: "1.0"
teams: [rival]
rounds:
  - num: 1
    ends_at: 2026-08-05T12:05:00Z
  - num: 2
targets:
  - name: CROMU_00001
    seen_in_rounds: [1]
    artifacts:
      - name: CROMU_00001
        sha256: ` + rootHash + `
        size_bytes: 4096
      - name: CROMU_00001.reassembled
        sha256: ` + patchHash + `
        parent: CROMU_00001
        patch_kind: reassembler
`
}

func validManifestJSON() string {
	return `{
  "version": "1.0",
  "self_team": "shellphish",
  "targets": [
    {"name": "KPRCA_00001", "artifacts": [{"name": "KPRCA_00001", "sha256": "` + otherHash + `"}]}
  ]
}`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "competition.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, ledger.DefaultSelfTeamName, m.SelfTeam)
				assert.Equal(t, []string{ledger.DefaultSelfTeamName, "rival"}, m.Teams)
				require.Len(t, m.Rounds, 2)
				require.NotNil(t, m.Rounds[0].EndsAt)
				assert.True(t, time.Date(2026, 8, 5, 12, 5, 0, 0, time.UTC).Equal(*m.Rounds[0].EndsAt))
				assert.Nil(t, m.Rounds[1].EndsAt)
				require.Len(t, m.Targets, 1)
				assert.Equal(t, []int64{1}, m.Targets[0].SeenInRounds)
				assert.Equal(t, "CROMU_00001", m.Targets[0].Artifacts[1].Parent)
				assert.Equal(t, int64(4096), m.Targets[0].Artifacts[0].SizeBytes)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "competition.json",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "shellphish", m.SelfTeam)
				assert.Equal(t, []string{"shellphish"}, m.Teams)
			},
		},
		{
			name:     "unknown extension falls back to YAML",
			content:  validManifestYAML(),
			filename: "competition.seed",
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name:        "missing version",
			content:     "teams: [self]\n",
			filename:    "no-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name:        "wrong version",
			content:     "version: \"2.0\"\n",
			filename:    "wrong-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "bad sha256",
			content: `version: "1.0"
targets:
  - name: X
    artifacts:
      - name: X
        sha256: nothex
`,
			filename:    "bad-hash.yaml",
			wantErr:     true,
			errContains: "sha256",
		},
		{
			name: "parent listed after child",
			content: `version: "1.0"
targets:
  - name: X
    artifacts:
      - name: X.patched
        sha256: ` + patchHash + `
        parent: X
      - name: X
        sha256: ` + rootHash + `
`,
			filename:    "order.yaml",
			wantErr:     true,
			errContains: "listed earlier",
		},
		{
			name: "duplicate round numbers",
			content: `version: "1.0"
rounds:
  - num: 1
  - num: 1
`,
			filename:    "dup-rounds.yaml",
			wantErr:     true,
			errContains: "duplicate round",
		},
		{
			name: "unknown field rejected",
			content: `version: "1.0"
scoring: true
`,
			filename:    "unknown-field.yaml",
			wantErr:     true,
			errContains: "additional",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			m, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains))
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestJSON()), "")
	require.NoError(t, err)
	assert.Equal(t, "KPRCA_00001", m.Targets[0].Name)
}

func TestValidationErrors(t *testing.T) {
	_, err := LoadFromBytes([]byte(`version: "1.0"
rounds:
  - num: 3
  - num: 3
targets:
  - name: A
  - name: A
`), "two.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), "2 errors")
	assert.Equal(t, "/rounds/1/num", verrs[0].Path)

	t.Run("typed manifest", func(t *testing.T) {
		m := &Manifest{Version: "1.0", Targets: []TargetSpec{{Name: ""}}}
		assert.Error(t, Validate(m))

		m = &Manifest{Version: DefaultVersion, Targets: []TargetSpec{{Name: "ok"}}}
		assert.NoError(t, Validate(m))
	})
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.Open(ctx, ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ledger.Migrate(ctx, db))

	m, err := LoadFromBytes([]byte(validManifestYAML()), "competition.yaml")
	require.NoError(t, err)

	res, err := Apply(ctx, db, m)
	require.NoError(t, err)
	assert.Equal(t, &ApplyResult{RoundsCreated: 2, TeamsCreated: 2, TargetsCreated: 1, ArtifactsCreated: 2, RoundsSeen: 1}, res)

	t.Run("second apply creates nothing", func(t *testing.T) {
		res, err := Apply(ctx, db, m)
		require.NoError(t, err)
		assert.Equal(t, &ApplyResult{}, res)
	})

	t.Run("ledger state", func(t *testing.T) {
		self, err := ledger.SelfTeam(ctx, db, "")
		require.NoError(t, err)
		assert.Equal(t, ledger.DefaultSelfTeamName, self.Name)

		target, err := ledger.GetTargetByName(ctx, db, "CROMU_00001")
		require.NoError(t, err)
		roots, err := ledger.Roots(ctx, db, target.ID)
		require.NoError(t, err)
		require.Len(t, roots, 1)

		desc, err := ledger.DescendantsOf(ctx, db, roots[0].ID)
		require.NoError(t, err)
		require.Len(t, desc, 1)
		require.NotNil(t, desc[0].PatchKind)
		assert.Equal(t, "reassembler", *desc[0].PatchKind)

		rounds, err := ledger.TargetRounds(ctx, db, target.ID)
		require.NoError(t, err)
		require.Len(t, rounds, 1)
		assert.Equal(t, int64(1), rounds[0].Num)
	})

	t.Run("hash owned by another target", func(t *testing.T) {
		clash := &Manifest{Version: "1.0", Targets: []TargetSpec{{
			Name:      "OTHER",
			Artifacts: []ArtifactSpec{{Name: "OTHER", SHA256: rootHash}},
		}}}
		_, err := Apply(ctx, db, clash)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "belongs to target")
	})

	t.Run("seen in unknown round", func(t *testing.T) {
		bad := &Manifest{Version: "1.0", Targets: []TargetSpec{{Name: "LATE", SeenInRounds: []int64{9}}}}
		_, err := Apply(ctx, db, bad)
		require.Error(t, err)
		assert.True(t, ledger.IsNotFound(err))
	})
}
