package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofielding/internal/errors"
	"github.com/3leaps/gofielding/internal/observability"
)

// ErrorResponse is the JSON body written for errors raised in middleware.
// It has the same shape as apperrors.HTTPErrorResponse.
type ErrorResponse struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		RequestID string         `json:"request_id,omitempty"`
		Details   map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// Recovery turns a panic in the handler chain into a 500 INTERNAL_ERROR
// response and logs the stack.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := apperrors.RequestIDFromContext(r.Context())
			observability.CLILogger.Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			envelope := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is kept as an alias for Recovery.
var ErrorHandler = Recovery

// envelopeFields is the subset of the gofulmen envelope carried on the wire.
type envelopeFields struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id"`
	Context       map[string]any `json:"context"`
	Details       map[string]any `json:"details"`
}

// writeErrorResponse renders a gofulmen error envelope in the service's
// error shape. The envelope's correlation id becomes the request id and its
// context becomes the details.
func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	var f envelopeFields
	if raw, err := json.Marshal(envelope); err == nil {
		_ = json.Unmarshal(raw, &f)
	}

	var resp ErrorResponse
	resp.Error.Code = f.Code
	resp.Error.Message = f.Message
	resp.Error.RequestID = f.CorrelationID
	resp.Error.Details = f.Details
	if len(f.Context) > 0 {
		if resp.Error.Details == nil {
			resp.Error.Details = make(map[string]any, len(f.Context))
		}
		for k, v := range f.Context {
			resp.Error.Details[k] = v
		}
	}
	if resp.Error.Code == "" {
		resp.Error.Code = apperrors.CodeInternal
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
