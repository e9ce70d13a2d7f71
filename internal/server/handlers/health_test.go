package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/pkg/ledger"
)

func openLedger(t *testing.T, migrate bool) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := ledger.Open(ctx, ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if migrate {
		require.NoError(t, ledger.Migrate(ctx, db))
	}
	return db
}

type slowChecker struct{}

func (slowChecker) CheckHealth(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestLedgerChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("migrated ledger", func(t *testing.T) {
		assert.NoError(t, LedgerChecker{DB: openLedger(t, true)}.CheckHealth(ctx))
	})

	t.Run("schema missing", func(t *testing.T) {
		err := LedgerChecker{DB: openLedger(t, false)}.CheckHealth(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema not initialized")
	})

	t.Run("closed handle", func(t *testing.T) {
		db := openLedger(t, true)
		require.NoError(t, db.Close())
		assert.Error(t, LedgerChecker{DB: db}.CheckHealth(ctx))
	})

	t.Run("no handle", func(t *testing.T) {
		assert.EqualError(t, LedgerChecker{}.CheckHealth(ctx), "ledger not open")
	})
}

func TestReadinessReportsLedger(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ledger", LedgerChecker{DB: openLedger(t, true)})

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["ledger"])
}

func TestReadinessUnavailableWithoutSchema(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ledger", LedgerChecker{DB: openLedger(t, false)})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	assert.Equal(t, "unhealthy", resp.Error.Details["status"])

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", checks["ledger"])
}

func TestSlowCheckerDegradesReadiness(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.checkTimeout = 100 * time.Millisecond
	manager.RegisterChecker("ledger", LedgerChecker{DB: openLedger(t, true)})
	manager.RegisterChecker("blobs", slowChecker{})

	checks := manager.runChecks(context.Background())
	assert.Equal(t, "healthy", checks["ledger"])
	assert.Equal(t, "timeout", checks["blobs"])
	assert.Equal(t, "degraded", manager.determineOverallStatus(checks))
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")
	assert.Equal(t, "healthy", manager.determineOverallStatus(map[string]string{"ledger": "healthy"}))
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{"ledger": "timeout"}))
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{
		"ledger": "unhealthy",
		"blobs":  "timeout",
	}))
}

func TestGlobalHandlers(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	InitHealthManager("test-version").RegisterChecker("ledger", LedgerChecker{DB: openLedger(t, true)})
	require.NotNil(t, GetHealthManager())

	for path, handler := range map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestGlobalHandlers_WhenNotInitialized(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()
	globalHealthManager = nil

	assert.Nil(t, GetHealthManager())
	for name, handler := range map[string]http.HandlerFunc{
		"health":    HealthHandler,
		"liveness":  LivenessHandler,
		"readiness": ReadinessHandler,
		"startup":   StartupHandler,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}
