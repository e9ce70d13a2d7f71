// Package jobregistry tracks worker runs on disk so a crashed worker's ledger
// job can be found and reset.
//
// A run is one attempt by one local process at one ledger job. The ledger
// knows a job was started; only the registry knows which PID started it.
package jobregistry

import "time"

// RunState is the lifecycle state of a worker run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"

	// RunStateUnknown marks a run that claimed to be running but whose PID is
	// gone.
	RunStateUnknown RunState = "unknown"

	// RunStateReset marks an unknown run whose ledger job has been reset.
	RunStateReset RunState = "reset"
)

// Terminal reports whether the run will not change state on its own.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateReset:
		return true
	}
	return false
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID       string   `json:"run_id"`
	LedgerJobID int64    `json:"ledger_job_id"`
	ArtifactID  int64    `json:"artifact_id,omitempty"`
	Kind        string   `json:"kind"`
	State       RunState `json:"state"`
	PID         int      `json:"pid,omitempty"`
	Host        string   `json:"host,omitempty"`
	Command     []string `json:"command,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Error       string   `json:"error,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}
