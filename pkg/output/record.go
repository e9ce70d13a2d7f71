// Package output provides JSONL output for ledger hand-offs and listings.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently. Drained
// cables are emitted as gofielding.cable.v1 records; this is the hand-off
// point to whatever transport delivers submissions to the judge.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gofielding.<type>.v<version>
const (
	// TypeCable identifies a drained submission batch.
	TypeCable = "gofielding.cable.v1"

	// TypeJob identifies job listing records.
	TypeJob = "gofielding.job.v1"

	// TypeError identifies error records.
	TypeError = "gofielding.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gofielding.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "gofielding.cable.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record written by one command or drain pass.
	RunID string `json:"run_id"`

	// Team is the team on whose behalf the records were produced.
	Team string `json:"team,omitempty"`

	Data json.RawMessage `json:"data"`
}

// CableRecord is the data payload for a drained cable. Consumers submit
// Artifacts and, when present, the rule text for Target.
type CableRecord struct {
	CableID  int64  `json:"cable_id"`
	TargetID int64  `json:"target_id"`
	Target   string `json:"target"`

	// RoundNum is the round the submission was recorded against.
	RoundNum int64 `json:"round_num"`

	Artifacts []CableArtifact `json:"artifacts"`

	RuleID     *int64 `json:"rule_id,omitempty"`
	RuleSHA256 string `json:"rule_sha256,omitempty"`
	Rules      string `json:"rules,omitempty"`

	// AlreadySatisfied is set when the team had already submitted for the
	// target in this round; the cable is consumed without a new fielding.
	AlreadySatisfied bool `json:"already_satisfied,omitempty"`

	FieldingID *int64    `json:"fielding_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CableArtifact is one binary in a cable.
type CableArtifact struct {
	ArtifactID int64   `json:"artifact_id"`
	Name       string  `json:"name"`
	SHA256     string  `json:"sha256"`
	PatchKind  *string `json:"patch_kind,omitempty"`
	SizeBytes  int64   `json:"size_bytes"`
}

// JobRecord is the data payload for job listings.
type JobRecord struct {
	JobID       int64           `json:"job_id"`
	ArtifactID  int64           `json:"artifact_id"`
	Worker      string          `json:"worker"`
	State       string          `json:"state"`
	Priority    int             `json:"priority"`
	InputKey    *string         `json:"input_key,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing a whole drain, so one
// bad cable does not block the rest of the queue.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	Message string `json:"message"`

	CableID  int64 `json:"cable_id,omitempty"`
	TargetID int64 `json:"target_id,omitempty"`

	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvariantViolation = "INVARIANT_VIOLATION"
	ErrCodeAlreadySatisfied   = "ALREADY_SATISFIED"
	ErrCodeNoRound            = "NO_CURRENT_ROUND"
	ErrCodeInternal           = "INTERNAL"
)

// SummaryRecord is emitted once at the end of a drain pass.
type SummaryRecord struct {
	Cables           int64 `json:"cables"`
	Submitted        int64 `json:"submitted"`
	AlreadySatisfied int64 `json:"already_satisfied"`
	Skipped          int64 `json:"skipped"`
	Errors           int64 `json:"errors"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
