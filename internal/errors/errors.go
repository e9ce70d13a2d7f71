// Package errors defines the HTTP error envelope and the mapping from domain
// errors onto status codes.
//
// Every non-2xx response from the server carries an HTTPErrorResponse body.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/gofielding/pkg/blobstore"
	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/3leaps/gofielding/pkg/manifest"
)

// Error codes.
const (
	CodeAlreadySatisfied   = "ALREADY_SATISFIED"
	CodeNotFound           = "NOT_FOUND"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeValidation         = "VALIDATION_ERROR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeNoCurrentRound     = "NO_CURRENT_ROUND"
	CodeInternal           = "INTERNAL_ERROR"
	CodeTimeout            = "TIMEOUT"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error that already knows its HTTP status and code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func New(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

// NewValidationError reports a malformed request.
func NewValidationError(message string) *AppError {
	return New(http.StatusBadRequest, CodeValidation, message)
}

// NewExternalServiceError reports a dependency that could not be reached.
func NewExternalServiceError(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeExternalService, message)
}

// WrapInternal wraps err as a 500. The request id in ctx, if any, is kept in
// the details so logs and responses can be correlated.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// Classify maps err onto an HTTP status and error code.
//
// Ledger uniqueness violations mean the operation was already satisfied and
// map to 409; missing rows map to 404; broken invariants map to 422.
func Classify(err error) (int, string) {
	var app *AppError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case stderrors.As(err, &app):
		return app.Status, app.Code
	case ledger.IsUniqueViolation(err):
		return http.StatusConflict, CodeAlreadySatisfied
	case ledger.IsNotFound(err), blobstore.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case ledger.IsInvariantViolation(err):
		return http.StatusUnprocessableEntity, CodeInvariantViolation
	case stderrors.Is(err, ledger.ErrInvalidPayload),
		stderrors.Is(err, blobstore.ErrInvalidDigest),
		stderrors.Is(err, manifest.ErrValidationFailed):
		return http.StatusBadRequest, CodeValidation
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as an HTTPErrorResponse.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	body := HTTPError{Code: code, Message: err.Error()}

	var app *AppError
	if stderrors.As(err, &app) {
		if app.Message != "" {
			body.Message = app.Message
		}
		body.Details = app.Details
	}
	if status == http.StatusInternalServerError && app == nil {
		// Driver errors can leak schema details.
		body.Message = http.StatusText(status)
	}
	if r != nil {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	WriteError(w, status, body)
}

// WriteError writes body with the given status.
func WriteError(w http.ResponseWriter, status int, body HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
