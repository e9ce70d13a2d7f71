package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/gofielding/internal/errors"
	"github.com/3leaps/gofielding/pkg/ledger"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusTimeout   = "timeout"
)

const defaultCheckTimeout = 2 * time.Second

// HealthChecker is implemented by anything the readiness probe depends on.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// LedgerChecker fails while the ledger cannot be reached or has no schema.
type LedgerChecker struct {
	DB *sql.DB
}

func (c LedgerChecker) CheckHealth(ctx context.Context) error {
	if c.DB == nil {
		return errors.New("ledger not open")
	}
	if err := c.DB.PingContext(ctx); err != nil {
		return err
	}
	v, err := ledger.CurrentSchemaVersion(ctx, c.DB)
	if err != nil {
		return err
	}
	if v == 0 {
		return errors.New("ledger schema not initialized")
	}
	return nil
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checks for the health endpoints.
type HealthManager struct {
	version      string
	started      time.Time
	checkTimeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:      version,
		started:      time.Now(),
		checkTimeout: defaultCheckTimeout,
		checkers:     make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces a named check.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// HealthHandler runs every check. Any failing check yields 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving. It runs no checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  statusHealthy,
		Version: m.version,
		Uptime:  time.Since(m.started).Round(time.Second).String(),
	})
}

// ReadinessHandler reports whether the ledger and other dependencies answer.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler succeeds once the manager exists, which is after config
// and the ledger have been opened.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: statusHealthy, Version: m.version})
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == statusHealthy {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:  status,
			Version: m.version,
			Uptime:  time.Since(m.started).Round(time.Second).String(),
			Checks:  checks,
		})
		return
	}

	details := make(map[string]any, len(checks))
	for k, v := range checks {
		details[k] = v
	}
	respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
		"service is "+status).WithDetails(map[string]any{"status": status, "checks": details}))
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		err := checkers[i].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = statusTimeout
		default:
			results[name] = statusUnhealthy
		}
	}
	return results
}

// determineOverallStatus is unhealthy if any check failed, degraded if any
// timed out, and healthy otherwise.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := statusHealthy
	for _, s := range checks {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			status = statusDegraded
		}
	}
	return status
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager used by the package
// level handlers.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).HealthHandler)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).LivenessHandler)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).ReadinessHandler)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).StartupHandler)
}

func withManager(w http.ResponseWriter, r *http.Request, fn func(*HealthManager, http.ResponseWriter, *http.Request)) {
	m := globalHealthManager
	if m == nil {
		respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"health manager not initialized"))
		return
	}
	fn(m, w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
