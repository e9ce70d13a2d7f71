package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/internal/metrics"
)

func TestMetricsRecordsRoutePattern(t *testing.T) {
	m := metrics.NewCollector()
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/v1/jobs/1", "/v1/jobs/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	n, err := testutil.GatherAndCount(m.Registry(), "gofielding_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "both requests share one route label set")
}

func TestMetricsNilCollector(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, Metrics(nil)(next))
}
