package crdtdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndStateVector(t *testing.T) {
	d := New()
	assert.Equal(t, make([]byte, 8), d.StateVector())

	d.Append([]byte("hello"))
	d.Append([]byte("world"))

	sv := d.StateVector()
	require.Len(t, sv, 8)
	assert.NotEqual(t, make([]byte, 8), sv)
}

func TestDiffAndApplyUpdate_Convergence(t *testing.T) {
	a := New()
	a.Append([]byte("one"))
	a.Append([]byte("two"))

	b := New()
	diff := a.Diff(b.StateVector())
	require.NoError(t, b.ApplyUpdate(diff))

	assert.Equal(t, a.StateVector(), b.StateVector())
	assert.Equal(t, a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate())
}

func TestApplyUpdate_IsIdempotent(t *testing.T) {
	a := New()
	update := a.Append([]byte("payload"))

	b := New()
	require.NoError(t, b.ApplyUpdate(update))
	require.NoError(t, b.ApplyUpdate(update))

	assert.Equal(t, a.StateVector(), b.StateVector())
	assert.Len(t, b.EncodeStateAsUpdate(), len(a.EncodeStateAsUpdate()))
}

func TestApplyUpdate_MalformedReturnsError(t *testing.T) {
	d := New()
	err := d.ApplyUpdate([]byte{0xFF, 0xFF, 0xFF})
	assert.Error(t, err)
}

func TestApplyUpdate_TruncatedLengthIsMalformed(t *testing.T) {
	d := New()
	// clock=1, length=100, but no data follows.
	update := []byte{1, 100}
	err := d.ApplyUpdate(update)
	assert.Error(t, err)
}

func TestEncodeStateAsUpdate_AlwaysZeroVector(t *testing.T) {
	d := New()
	d.Append([]byte("a"))
	d.Append([]byte("b"))

	full := d.EncodeStateAsUpdate()

	other := New()
	require.NoError(t, other.ApplyUpdate(full))
	assert.Equal(t, d.StateVector(), other.StateVector())
}

func TestDiff_EmptyStateVectorYieldsFullHistory(t *testing.T) {
	d := New()
	d.Append([]byte("x"))

	full := d.Diff(nil)
	assert.Equal(t, d.EncodeStateAsUpdate(), full)
}

func TestDiff_AfterPartialSync(t *testing.T) {
	a := New()
	a.Append([]byte("one"))

	b := New()
	require.NoError(t, b.ApplyUpdate(a.Diff(b.StateVector())))

	a.Append([]byte("two"))
	incremental := a.Diff(b.StateVector())
	require.NoError(t, b.ApplyUpdate(incremental))

	assert.Equal(t, a.StateVector(), b.StateVector())
}
