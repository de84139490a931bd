package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsDuplicateProjection(t *testing.T) {
	dup := &pgconn.PgError{Code: PgErrUniqueViolation, ConstraintName: "idx_transactions_tx_hash"}
	assert.True(t, isDuplicateProjection(dup))

	// gorm wraps driver errors; the unique violation must survive wrapping.
	assert.True(t, isDuplicateProjection(fmt.Errorf("recording transaction: %w", dup)))

	// Any other failure is a real projection error, never a skip.
	assert.False(t, isDuplicateProjection(&pgconn.PgError{Code: PgErrForeignKeyViolation}))
	assert.False(t, isDuplicateProjection(errors.New("connection reset by peer")))
	assert.False(t, isDuplicateProjection(nil))
}
