package runner

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRateLimitSignal(t *testing.T) {
	assert.True(t, isRateLimitSignal(&pgconn.PgError{
		Code:    "P0001",
		Message: `{"code":429,"message":"Too many requests"}`,
	}))
	assert.True(t, isRateLimitSignal(&pgconn.PgError{
		Code:    "P0001",
		Message: "rate limit exceeded for ip",
	}))
	assert.False(t, isRateLimitSignal(&pgconn.PgError{
		Code:    "P0001",
		Message: "something else went wrong",
	}))
	assert.False(t, isRateLimitSignal(assert.AnError))
}

func TestMapSubmitError(t *testing.T) {
	assert.ErrorIs(t, MapSubmitError(&pgconn.PgError{Code: "P0002"}), ErrFormNotFound)
	assert.ErrorIs(t, MapSubmitError(&pgconn.PgError{Code: "42501"}), ErrForbidden)

	for _, code := range []string{"P0003", "P0004", "P0005", "P0006", "P0007", "P0008"} {
		err := MapSubmitError(&pgconn.PgError{Code: code})
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict, "code %s", code)
		assert.Equal(t, code, conflict.Code)
	}

	// Unknown codes and non-pg errors pass through.
	unknown := &pgconn.PgError{Code: "XX000", Message: "boom"}
	assert.Equal(t, error(unknown), MapSubmitError(unknown))
	assert.Equal(t, assert.AnError, MapSubmitError(assert.AnError))
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Nil(t, nullable("   "))
	assert.Equal(t, "x", nullable("x"))
}
