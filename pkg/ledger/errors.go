package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Error classes surfaced by every ledger operation.
var (
	// ErrUniqueViolation means the store rejected a write because an equivalent
	// record already exists (duplicate submission, duplicate content hash,
	// duplicate keyed job). Callers treat it as "operation already satisfied".
	ErrUniqueViolation = errors.New("uniqueness violation")

	// ErrNotFound means a lookup by identifier matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation means the operation would break a ledger invariant
	// (setting a round milestone twice, a parent from another target, an empty
	// submission). The operation is aborted without writing anything.
	ErrInvariantViolation = errors.New("invariant violation")
)

// LedgerError carries the operation context for a classified failure.
type LedgerError struct {
	// Op is the ledger operation (e.g. "submit", "enqueue job").
	Op string

	// Entity is the table-level entity involved (e.g. "fielding").
	Entity string

	// ID identifies the entity when known.
	ID int64

	// Err is one of the sentinel error classes.
	Err error

	// Detail is the underlying driver message or invariant description.
	Detail string
}

func (e *LedgerError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Entity != "" {
		b.WriteString(" ")
		b.WriteString(e.Entity)
		if e.ID > 0 {
			fmt.Fprintf(&b, " %d", e.ID)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsNoCurrentRound reports whether err means no round exists at all, so no
// current round can be resolved.
func IsNoCurrentRound(err error) bool {
	var le *LedgerError
	return errors.As(err, &le) && le.Op == opResolveCurrent && le.Entity == "round" && errors.Is(le.Err, ErrNotFound)
}

const opResolveCurrent = "resolve current"

func notFound(op, entity string, id int64) error {
	return &LedgerError{Op: op, Entity: entity, ID: id, Err: ErrNotFound}
}

func invariant(op, entity string, id int64, format string, args ...any) error {
	return &LedgerError{Op: op, Entity: entity, ID: id, Err: ErrInvariantViolation, Detail: fmt.Sprintf(format, args...)}
}

// classify maps driver errors onto the ledger error classes. Errors that are
// neither constraint failures nor missing rows are wrapped unchanged.
func classify(op, entity string, id int64, err error) error {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, entity, id)
	}
	if isUniqueConstraint(err) {
		return &LedgerError{Op: op, Entity: entity, ID: id, Err: ErrUniqueViolation, Detail: err.Error()}
	}
	return fmt.Errorf("%s %s: %w", op, entity, err)
}

// isUniqueConstraint recognises SQLite/libsql unique and primary key
// violations. modernc errors carry the extended result code; libsql only
// reports the "UNIQUE constraint failed: ..." text.
func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	if driverUniqueConstraint(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_PRIMARYKEY")
}
