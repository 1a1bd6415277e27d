package subscription

import (
	"errors"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/require"
)

func TestLineageConflictMappingIsConstraintSpecific(t *testing.T) {
	lineage := &pgconn.PgError{Code: uniqueViolation, ConstraintName: lineageUniqueConstraint}
	require.ErrorIs(t, mapLineageConflict(lineage), ErrLineageConflict)

	// Two concurrent first purchases by the same user trip the
	// (user_id, platform) key instead; that is not a lineage conflict.
	userPlatform := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "user_subscriptions_user_platform_key"}
	mapped := mapLineageConflict(userPlatform)
	require.NotErrorIs(t, mapped, ErrLineageConflict)
	require.ErrorIs(t, mapped, userPlatform)

	plain := errors.New("connection reset")
	require.Equal(t, plain, mapLineageConflict(plain))
}
