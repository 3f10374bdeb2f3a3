package coperror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromApplyUnwrapsCompositionError(t *testing.T) {
	inner := New(UnknownSession)
	wrapped := WrapComposition(inner)

	got := FromApply(wrapped)
	ce, ok := got.(*Error)
	require.True(t, ok)
	require.Equal(t, UnknownSession, ce.Type)
}

func TestFromApplyDefaultsToInternal(t *testing.T) {
	got := FromApply(errors.New("boom"))
	ce, ok := got.(*Error)
	require.True(t, ok)
	require.Equal(t, Internal, ce.Type)
	require.ErrorIs(t, ce, ce.Cause)
}

func TestFromApplyPassesThroughDirectCopycatError(t *testing.T) {
	direct := New(Configuration)
	got := FromApply(direct)
	require.Same(t, direct, got)
}

func TestFromApplyNil(t *testing.T) {
	// Must be an untyped-nil error interface, not a (*Error)(nil)
	// wrapped in a non-nil interface: callers compare this against
	// `err == nil` directly.
	got := FromApply(nil)
	require.Nil(t, got)
	require.NoError(t, got)
}
