package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	serialization := &pgconn.PgError{Code: CodeSerializationFailure}
	deadlock := &pgconn.PgError{Code: CodeDeadlockDetected}
	unique := &pgconn.PgError{Code: CodeUniqueViolation}

	require.True(t, IsRetryable(serialization))
	require.True(t, IsRetryable(fmt.Errorf("commit: %w", deadlock)))
	require.False(t, IsRetryable(unique))
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: CodeSerializationFailure}))
}
