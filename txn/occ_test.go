package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateReadSetClean(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	v := versionAt(1, 10, "v1")
	v.LSN = 1
	store.AddVersion("k", v)

	val := NewValidator()
	val.TrackRead(5, "k", v)

	require.NoError(t, val.ValidateReadSet(5, store))
}

func TestValidateReadSetDetectsChange(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	v1 := versionAt(1, 10, "v1")
	v1.LSN = 1
	store.AddVersion("k", v1)

	val := NewValidator()
	val.TrackRead(5, "k", v1)

	// Another transaction writes after the read.
	v2 := versionAt(2, 20, "v2")
	v2.LSN = 2
	store.AddVersion("k", v2)

	err := val.ValidateReadSet(5, store)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, KindValidationFailed, te.Kind)
	require.Equal(t, "k", te.Key)
	require.True(t, te.Retriable())
}

func TestValidateReadSetOwnWritesAllowed(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	v1 := versionAt(1, 10, "v1")
	v1.LSN = 1
	store.AddVersion("k", v1)

	val := NewValidator()
	val.TrackRead(5, "k", v1)

	// The validating transaction's own write does not conflict.
	mine := versionAt(5, 20, "mine")
	mine.LSN = 2
	store.AddVersion("k", mine)

	require.NoError(t, val.ValidateReadSet(5, store))
}

func TestValidateReadSetAbsentKey(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	val := NewValidator()

	// Observed absent, still absent: fine.
	val.TrackRead(5, "missing", nil)
	require.NoError(t, val.ValidateReadSet(5, store))

	// Observed absent, now written: conflict.
	v := versionAt(2, 10, "v")
	v.LSN = 1
	store.AddVersion("missing", v)
	err := val.ValidateReadSet(5, store)
	require.Equal(t, KindValidationFailed, KindOf(err))
}

func TestValidatorForget(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	v1 := versionAt(1, 10, "v1")
	v1.LSN = 1
	store.AddVersion("k", v1)

	val := NewValidator()
	val.TrackRead(5, "k", v1)
	val.Forget(5)

	// No tracked reads, nothing to conflict.
	v2 := versionAt(2, 20, "v2")
	v2.LSN = 2
	store.AddVersion("k", v2)
	require.NoError(t, val.ValidateReadSet(5, store))
}

func TestValidatorFirstObservationWins(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	v1 := versionAt(1, 10, "v1")
	v1.LSN = 1
	store.AddVersion("k", v1)

	val := NewValidator()
	val.TrackRead(5, "k", v1)

	v2 := versionAt(2, 20, "v2")
	v2.LSN = 2
	store.AddVersion("k", v2)

	// A later read of the newer version does not overwrite the first
	// observation; validation still reports the conflict.
	val.TrackRead(5, "k", v2)
	err := val.ValidateReadSet(5, store)
	require.Equal(t, KindValidationFailed, KindOf(err))
}
