// Package manifest loads, validates and applies gofielding competition
// manifests.
//
// A competition manifest is a YAML or JSON file that seeds the ledger with the
// rounds, teams and targets of a competition, along with the root artifacts
// (and any known patches) of each target. Manifests are validated against an
// embedded JSON Schema before use; the schema disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	self_team: self
//	teams: [self, shellphish, rival]
//	rounds:
//	  - num: 1
//	    ends_at: 2026-08-05T12:05:00Z
//	  - num: 2
//	targets:
//	  - name: CROMU_00001
//	    seen_in_rounds: [1]
//	    artifacts:
//	      - name: CROMU_00001
//	        sha256: 3f2a...
//	      - name: CROMU_00001.reassembled
//	        sha256: 9bc1...
//	        parent: CROMU_00001
//	        patch_kind: reassembler
package manifest

import (
	"time"

	"github.com/3leaps/gofielding/pkg/ledger"
)

// DefaultVersion is the current manifest schema version.
const DefaultVersion = "1.0"

// Manifest is a validated competition manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// SelfTeam names the team this deployment submits for. Default: "self".
	SelfTeam string `json:"self_team,omitempty" yaml:"self_team,omitempty"`

	// Teams lists every competing team by name. The self team is added if
	// missing.
	Teams []string `json:"teams,omitempty" yaml:"teams,omitempty"`

	Rounds  []RoundSpec  `json:"rounds,omitempty" yaml:"rounds,omitempty"`
	Targets []TargetSpec `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// RoundSpec declares a round by sequence number. A nil EndsAt leaves the round
// open-ended.
type RoundSpec struct {
	Num    int64      `json:"num" yaml:"num"`
	EndsAt *time.Time `json:"ends_at,omitempty" yaml:"ends_at,omitempty"`
}

// TargetSpec declares a target and its known artifacts.
type TargetSpec struct {
	Name string `json:"name" yaml:"name"`

	// SeenInRounds lists round numbers in which the target was fielded.
	SeenInRounds []int64 `json:"seen_in_rounds,omitempty" yaml:"seen_in_rounds,omitempty"`

	// Artifacts are created in order; a parent must be listed before its
	// children.
	Artifacts []ArtifactSpec `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// ArtifactSpec declares one artifact of a target.
type ArtifactSpec struct {
	Name   string `json:"name" yaml:"name"`
	SHA256 string `json:"sha256" yaml:"sha256"`

	// Parent is the name of an earlier artifact of the same target.
	Parent    string `json:"parent,omitempty" yaml:"parent,omitempty"`
	PatchKind string `json:"patch_kind,omitempty" yaml:"patch_kind,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
}

// ApplyDefaults fills in optional fields after validation.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.SelfTeam == "" {
		m.SelfTeam = ledger.DefaultSelfTeamName
	}
	for _, name := range m.Teams {
		if name == m.SelfTeam {
			return
		}
	}
	m.Teams = append([]string{m.SelfTeam}, m.Teams...)
}
