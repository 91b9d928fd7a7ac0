package sshtransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetDelete(t *testing.T) {
	r := newRegistry()
	s := testSession(t, nil)

	require.NoError(t, r.put(s.id, s))
	assert.Error(t, r.put(s.id, s))
	assert.Equal(t, 1, r.len())

	got, ok := r.get(s.id)
	assert.True(t, ok)
	assert.Same(t, s, got)

	got, ok = r.delete(s.id)
	assert.True(t, ok)
	assert.Same(t, s, got)
	_, ok = r.delete(s.id)
	assert.False(t, ok)
	_, ok = r.get(s.id)
	assert.False(t, ok)
	assert.Equal(t, 0, r.len())
}

func TestRegistryCompleteUnderlay(t *testing.T) {
	r := newRegistry()
	s := testSession(t, nil)
	require.NoError(t, r.put(s.id, s))

	calls := 0
	assert.True(t, r.completeUnderlay(s.id, func(got *session) {
		assert.Same(t, s, got)
		calls++
	}))
	assert.False(t, r.completeUnderlay(s.id, func(*session) { calls++ }))
	assert.Equal(t, 1, calls)
	_, ok := r.delete(s.id)
	assert.False(t, ok)
}

func TestRegistryCloseAll(t *testing.T) {
	r := newRegistry()
	a := testSession(t, nil)
	b := testSession(t, nil)
	require.NoError(t, r.put(a.id, a))
	require.NoError(t, r.put(b.id, b))

	all := r.closeAll()
	assert.ElementsMatch(t, []*session{a, b}, all)
	assert.Equal(t, 0, r.len())

	c := testSession(t, nil)
	assert.ErrorIs(t, r.put(c.id, c), ErrStackClosed)
	assert.Empty(t, r.closeAll())
}
