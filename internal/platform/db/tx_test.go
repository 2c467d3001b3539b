package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestConstraintViolations(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	foreign := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"})

	require.True(t, IsUniqueViolation(unique))
	require.False(t, IsUniqueViolation(foreign))
	require.True(t, IsForeignKeyViolation(foreign))
	require.False(t, IsForeignKeyViolation(unique))
	require.False(t, IsForeignKeyViolation(errors.New("23503")))
	require.False(t, IsForeignKeyViolation(nil))
}
