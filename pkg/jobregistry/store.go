package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrRunNotFound is returned by Get for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store persists and loads RunRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/stdout.log
//	<root>/<run_id>/stderr.log
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write atomically replaces the record on disk.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a run. A run that claims to be running but whose PID is gone is
// rewritten as unknown before it is returned.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	// Zombie detection.
	if record.State == RunStateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateUnknown
		now := s.now()
		record.LastHeartbeat = &now
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns every readable run, newest first.
func (s *Store) List() ([]RunRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

// ListState returns the runs currently in state.
func (s *Store) ListState(state RunState) ([]RunRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}

// Running returns the live run for a ledger job, if any.
func (s *Store) Running(ledgerJobID int64) (*RunRecord, bool, error) {
	runs, err := s.ListState(RunStateRunning)
	if err != nil {
		return nil, false, err
	}
	for i := range runs {
		if runs[i].LedgerJobID == ledgerJobID {
			return &runs[i], true, nil
		}
	}
	return nil, false, nil
}

// Heartbeat stamps a running run.
func (s *Store) Heartbeat(runID string) error {
	return s.update(runID, func(r *RunRecord) error {
		if r.State != RunStateRunning {
			return fmt.Errorf("run %s is %s, not running", runID, r.State)
		}
		now := s.now()
		r.LastHeartbeat = &now
		return nil
	})
}

// Finish records the outcome of a run. A nil runErr means success.
func (s *Store) Finish(runID string, exitCode int, runErr error) error {
	return s.update(runID, func(r *RunRecord) error {
		if r.State.Terminal() {
			return fmt.Errorf("run %s already %s", runID, r.State)
		}
		now := s.now()
		r.EndedAt = &now
		r.ExitCode = &exitCode
		r.State = RunStateSucceeded
		if runErr != nil {
			r.State = RunStateFailed
			r.Error = runErr.Error()
		}
		return nil
	})
}

// MarkReset records that the ledger job of an unknown run was reset.
func (s *Store) MarkReset(runID string) error {
	return s.update(runID, func(r *RunRecord) error {
		if r.State != RunStateUnknown {
			return fmt.Errorf("run %s is %s, not unknown", runID, r.State)
		}
		now := s.now()
		r.State = RunStateReset
		r.EndedAt = &now
		return nil
	})
}

func (s *Store) update(runID string, fn func(*RunRecord) error) error {
	r, err := s.Get(runID)
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	return s.Write(r)
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
