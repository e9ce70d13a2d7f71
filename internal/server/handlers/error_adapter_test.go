package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gofielding/internal/errors"
	"github.com/3leaps/gofielding/pkg/ledger"
)

func TestDefaultResponderMapsLedgerErrors(t *testing.T) {
	ResetHTTPErrorResponder()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "duplicate submission",
			err:    &ledger.LedgerError{Op: "submit", Entity: "fielding", Err: ledger.ErrUniqueViolation},
			status: http.StatusConflict,
			code:   apperrors.CodeAlreadySatisfied,
		},
		{
			name:   "wrapped duplicate job",
			err:    fmt.Errorf("enqueue: %w", ledger.ErrUniqueViolation),
			status: http.StatusConflict,
			code:   apperrors.CodeAlreadySatisfied,
		},
		{
			name:   "unknown job",
			err:    &ledger.LedgerError{Op: "get", Entity: "job", ID: 99, Err: ledger.ErrNotFound},
			status: http.StatusNotFound,
			code:   apperrors.CodeNotFound,
		},
		{
			name:   "milestone already set",
			err:    &ledger.LedgerError{Op: "set round", Entity: "fielding", ID: 3, Err: ledger.ErrInvariantViolation},
			status: http.StatusUnprocessableEntity,
			code:   apperrors.CodeInvariantViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/submissions", nil)
			rec := httptest.NewRecorder()
			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.err.Error(), body.Error.Message)
		})
	}
}

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	t.Run("custom responder sees the ledger error", func(t *testing.T) {
		var seen error
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			seen = err
			w.WriteHeader(http.StatusTeapot)
		})

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/claim", nil), ledger.ErrNotFound)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.ErrorIs(t, seen, ledger.ErrNotFound)
	})

	t.Run("nil restores the default", func(t *testing.T) {
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})
		SetHTTPErrorResponder(nil)

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodPost, "/v1/submissions", nil), ledger.ErrUniqueViolation)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	called := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/7/start", nil), ledger.ErrInvariantViolation)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
