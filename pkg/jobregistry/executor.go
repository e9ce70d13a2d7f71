package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Executor runs worker tool commands for ledger jobs and records each run.
//
// The child's stdout and stderr go to per-run log files. If this process
// dies while the child runs, the record stays "running" until the child is
// gone too, at which point Get reports it unknown.
type Executor struct {
	store *Store
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

// RunSpec describes one worker invocation.
type RunSpec struct {
	LedgerJobID int64
	ArtifactID  int64
	Kind        string
	Command     []string
	Env         []string
	Dir         string
}

// Run is a started child process.
type Run struct {
	Record *RunRecord

	store *Store
	cmd   *exec.Cmd
	logs  []*os.File
}

// Start spawns spec.Command and writes a running record. It refuses to start
// a second live run for the same ledger job.
func (e *Executor) Start(ctx context.Context, spec RunSpec) (*Run, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, fmt.Errorf("no command configured for %s jobs", spec.Kind)
	}
	if existing, ok, err := e.store.Running(spec.LedgerJobID); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("job %d already running as run %s", spec.LedgerJobID, existing.RunID)
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(e.store.RunDir(runID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(e.StderrPath(runID))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	closeLogs := func() {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("GOFIELDING_JOB_ID=%d", spec.LedgerJobID),
		fmt.Sprintf("GOFIELDING_ARTIFACT_ID=%d", spec.ArtifactID),
		"GOFIELDING_RUN_ID="+runID,
	)
	cmd.Env = append(cmd.Env, spec.Env...)

	if err := cmd.Start(); err != nil {
		closeLogs()
		return nil, fmt.Errorf("start %s worker: %w", spec.Kind, err)
	}

	now := e.store.now()
	host, _ := os.Hostname()
	rec := &RunRecord{
		RunID:         runID,
		LedgerJobID:   spec.LedgerJobID,
		ArtifactID:    spec.ArtifactID,
		Kind:          spec.Kind,
		State:         RunStateRunning,
		PID:           cmd.Process.Pid,
		Host:          host,
		Command:       spec.Command,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: func() *time.Time { t := now; return &t }(),
		StdoutPath:    e.StdoutPath(runID),
		StderrPath:    e.StderrPath(runID),
	}
	if err := e.store.Write(rec); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		closeLogs()
		return nil, err
	}

	return &Run{Record: rec, store: e.store, cmd: cmd, logs: []*os.File{stdoutFile, stderrFile}}, nil
}

// Wait blocks until the child exits and records the outcome. It returns the
// child's error, if any.
func (r *Run) Wait() error {
	waitErr := r.cmd.Wait()
	for _, f := range r.logs {
		_ = f.Close()
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}
	if err := r.store.Finish(r.Record.RunID, exitCode, waitErr); err != nil {
		return errors.Join(waitErr, err)
	}
	if rec, err := r.store.Get(r.Record.RunID); err == nil {
		r.Record = rec
	}
	return waitErr
}
