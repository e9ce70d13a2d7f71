//go:build !cgo

package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverUniqueConstraint(t *testing.T) {
	ctx, db := openTestDB(t)
	insert := `INSERT INTO teams (name, created_at) VALUES (?, '2026-10-18T00:00:00.000000000Z')`

	_, err := db.ExecContext(ctx, insert, "shellphish")
	require.NoError(t, err)

	t.Run("duplicate name carries the unique code", func(t *testing.T) {
		_, err := db.ExecContext(ctx, insert, "shellphish")
		require.Error(t, err)
		assert.True(t, driverUniqueConstraint(err))
		assert.True(t, driverUniqueConstraint(fmt.Errorf("create team: %w", err)))
		assert.True(t, IsUniqueViolation(classify("create", "team", 0, err)))
	})

	t.Run("duplicate primary key", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `INSERT INTO teams (team_id, name, created_at)
			SELECT team_id, 'other', created_at FROM teams WHERE name = 'shellphish'`)
		require.Error(t, err)
		assert.True(t, driverUniqueConstraint(err))
	})

	t.Run("not null is not a uniqueness violation", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `INSERT INTO teams (name, created_at) VALUES (NULL, '')`)
		require.Error(t, err)
		assert.False(t, driverUniqueConstraint(err))
		assert.False(t, isUniqueConstraint(err))
	})

	t.Run("untyped text falls back to the message", func(t *testing.T) {
		err := errors.New("UNIQUE constraint failed: teams.name")
		assert.False(t, driverUniqueConstraint(err))
		assert.True(t, isUniqueConstraint(err))
	})
}
