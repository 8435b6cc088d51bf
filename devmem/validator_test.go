package devmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatorFillAndCheckRoundTrip(t *testing.T) {
	v := NewValidator(7)
	buf := make([]byte, 23)
	v.Fill(buf, 5)

	checker := NewValidator(7)
	require.NoError(t, checker.Check(buf, 5))
	require.Zero(t, checker.Mismatches())
}

func TestValidatorFillContinuesAcrossOffset(t *testing.T) {
	v := NewValidator(5)
	first := make([]byte, 3)
	second := make([]byte, 3)
	v.Fill(first, 0)
	v.Fill(second, 3)

	require.Equal(t, []byte{0, 1, 2}, first)
	require.Equal(t, []byte{3, 4, 0}, second)
}

func TestValidatorCheckCountsMismatchesWithoutStoppingEarly(t *testing.T) {
	v := NewValidator(4)
	buf := []byte{0, 1, 2, 3, 0, 1, 2, 3}
	buf[2] = 9
	buf[6] = 9

	require.NoError(t, v.Check(buf, 0))
	require.Equal(t, 2, v.Mismatches())
}

func TestValidatorCheckFailsAboveMismatchThreshold(t *testing.T) {
	v := NewValidator(2)
	v.MismatchLimit = 3

	buf := make([]byte, 10)
	for i := range buf {
		buf[i] = 9 // never matches the 0/1 sequence
	}

	err := v.Check(buf, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidationFailure))
}
