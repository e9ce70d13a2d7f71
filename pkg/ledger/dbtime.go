package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// dbTimeLayout is fixed-width so that lexical comparison in SQL matches
// chronological order (ends_at > now, processed_at ordering).
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func nullableDBTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDBTime(*t)
}

func parseDBTimeValue(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(dbTimeLayout, raw); err == nil {
		return t, nil
	}
	// Rows written by other tools may carry a plain RFC3339 value.
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse db time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func parseOptionalDBTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseDBTimeValue(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
