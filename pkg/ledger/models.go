package ledger

import (
	"encoding/json"
	"time"
)

// Target is a logical evaluation unit (a challenge set) grouping related
// binary artifacts.
type Target struct {
	ID        int64     `json:"target_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Round is a sequence-numbered competition time window. Rounds are append-only.
type Round struct {
	ID        int64      `json:"round_id"`
	Num       int64      `json:"num"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Team struct {
	ID        int64     `json:"team_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a binary node: a root target binary or a patch derived from one.
type Artifact struct {
	ID        int64     `json:"artifact_id"`
	TargetID  int64     `json:"target_id"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	SHA256    string    `json:"sha256"`
	PatchKind *string   `json:"patch_kind,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot reports whether the artifact has no parent.
func (a Artifact) IsRoot() bool {
	return a.ParentID == nil
}

// IsPatch reports whether the artifact carries a patch-kind tag.
func (a Artifact) IsPatch() bool {
	return a.PatchKind != nil && *a.PatchKind != ""
}

// Fielding is a ledger entry recording a team's artifact set at up to three
// round milestones for one target.
type Fielding struct {
	ID                int64     `json:"fielding_id"`
	TargetID          int64     `json:"target_id"`
	TeamID            int64     `json:"team_id"`
	SubmissionRoundID *int64    `json:"submission_round_id,omitempty"`
	AvailableRoundID  *int64    `json:"available_round_id,omitempty"`
	FieldedRoundID    *int64    `json:"fielded_round_id,omitempty"`
	ArtifactIDs       []int64   `json:"artifact_ids"`
	CreatedAt         time.Time `json:"created_at"`
}

// Cable is a pending outbound submission batch.
type Cable struct {
	ID          int64      `json:"cable_id"`
	TargetID    int64      `json:"target_id"`
	RuleID      *int64     `json:"rule_id,omitempty"`
	ArtifactIDs []int64    `json:"artifact_ids"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Processed reports whether the cable has been consumed.
func (c Cable) Processed() bool {
	return c.ProcessedAt != nil
}

// Job is a unit of analysis or patching work against one artifact.
type Job struct {
	ID             int64           `json:"job_id"`
	ArtifactID     int64           `json:"artifact_id"`
	Kind           WorkerKind      `json:"worker"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	InputKey       *string         `json:"input_key,omitempty"`
	Limits         JobLimits       `json:"limits"`
	ProducedOutput *bool           `json:"produced_output,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// JobLimits are optional resource limits passed through to the worker.
type JobLimits struct {
	CPU    *int64 `json:"cpu,omitempty"`
	Memory *int64 `json:"memory,omitempty"`
	Time   *int64 `json:"time,omitempty"`
}

// TestCase is an input produced by a worker against an artifact (or, when
// ArtifactID is nil, against the target as a whole).
type TestCase struct {
	ID         int64     `json:"test_id"`
	TargetID   int64     `json:"target_id"`
	ArtifactID *int64    `json:"artifact_id,omitempty"`
	JobID      *int64    `json:"job_id,omitempty"`
	SHA256     string    `json:"sha256"`
	Drilled    bool      `json:"drilled"`
	CreatedAt  time.Time `json:"created_at"`
}

type Crash struct {
	ID         int64     `json:"crash_id"`
	TargetID   int64     `json:"target_id"`
	ArtifactID *int64    `json:"artifact_id,omitempty"`
	JobID      *int64    `json:"job_id,omitempty"`
	SHA256     string    `json:"sha256"`
	Kind       string    `json:"kind"`
	CrashPC    *int64    `json:"crash_pc,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FunctionIdentity maps an address to a recovered symbol name.
type FunctionIdentity struct {
	ID         int64  `json:"identity_id"`
	TargetID   int64  `json:"target_id"`
	ArtifactID *int64 `json:"artifact_id,omitempty"`
	Address    int64  `json:"address"`
	Symbol     string `json:"symbol"`
}

// DetectionRule is a network detection (IDS) rule set for a target.
type DetectionRule struct {
	ID        int64     `json:"rule_id"`
	TargetID  int64     `json:"target_id"`
	Rules     string    `json:"rules"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

type RuleFielding struct {
	ID                int64     `json:"rule_fielding_id"`
	RuleID            int64     `json:"rule_id"`
	TeamID            int64     `json:"team_id"`
	SubmissionRoundID *int64    `json:"submission_round_id,omitempty"`
	AvailableRoundID  *int64    `json:"available_round_id,omitempty"`
	FieldedRoundID    *int64    `json:"fielded_round_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type Exploit struct {
	ID          int64     `json:"exploit_id"`
	TargetID    int64     `json:"target_id"`
	JobID       *int64    `json:"job_id,omitempty"`
	PovType     string    `json:"pov_type"`
	Method      string    `json:"method"`
	Reliability float64   `json:"reliability"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExploitFielding struct {
	ID                int64     `json:"exploit_fielding_id"`
	ExploitID         int64     `json:"exploit_id"`
	TeamID            int64     `json:"team_id"`
	ThrowCount        int       `json:"throw_count"`
	SubmissionRoundID *int64    `json:"submission_round_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// PatchScore is judge feedback for a patched target in one round. It is
// recorded as reported and never computed here.
type PatchScore struct {
	ID             int64           `json:"patch_score_id"`
	TargetID       int64           `json:"target_id"`
	RoundID        int64           `json:"round_id"`
	PatchKind      *string         `json:"patch_kind,omitempty"`
	NumPolls       int64           `json:"num_polls"`
	HasFailedPolls bool            `json:"has_failed_polls"`
	Perf           json.RawMessage `json:"perf"`
	CreatedAt      time.Time       `json:"created_at"`
}
