package errclass

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := ErrValidation.WithMessage("cycle detected")
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("record task.depend: %w", err)
	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.Equal(t, "E_VALIDATION", Code(wrapped))
}

func TestWith_DoesNotMutateClass(t *testing.T) {
	err := ErrNotFound.With("id", "T1")
	assert.Nil(t, ErrNotFound.Details)
	assert.Equal(t, map[string]string{"id": "T1"}, DetailsOf(err))
}

func TestError_Format(t *testing.T) {
	err := ErrValidation.
		WithMessage("merge_key conflict").
		With("merge_key", "k1").
		With("existing_id", "N1")
	assert.Equal(t, "E_VALIDATION: merge_key conflict (existing_id=N1, merge_key=k1)", err.Error())

	cause := errors.New("disk full")
	assert.Equal(t, "E_IO: append ledger: disk full", ErrIO.WithMessage("append ledger").Wrap(cause).Error())
	assert.ErrorIs(t, ErrIO.Wrap(cause), cause)
}

func TestIsRetryable(t *testing.T) {
	busy := ErrIO.WithMessage("database is locked").AsRetryable()
	require.True(t, IsRetryable(fmt.Errorf("with_transaction: %w", busy)))
	require.False(t, IsRetryable(ErrIO.WithMessage("permission denied")))
	require.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, "", Code(errors.New("plain")))
}
