package wrpc_async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_insertRemove(t *testing.T) {
	r := newRegistry()
	a, b := &call{}, &call{}
	ka := r.insert(a)
	kb := r.insert(b)
	assert.Equal(t, 2, r.len())
	assert.Equal(t, ka, a.key)
	assert.NotEqual(t, ka, kb)

	got, ok := r.get(kb)
	require.True(t, ok)
	assert.Same(t, b, got)

	removed, err := r.remove(ka)
	require.NoError(t, err)
	assert.Same(t, a, removed)
	assert.Equal(t, 1, r.len())
}

func TestRegistry_doubleRemoveIsDetected(t *testing.T) {
	r := newRegistry()
	k := r.insert(&call{})
	_, err := r.remove(k)
	require.NoError(t, err)

	_, err = r.remove(k)
	assert.ErrorIs(t, err, ErrStaleHandle)

	_, err = r.remove(handleKey{index: 42, gen: 1})
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestRegistry_slotReuseBumpsGeneration(t *testing.T) {
	r := newRegistry()
	old := r.insert(&call{})
	_, err := r.remove(old)
	require.NoError(t, err)

	c := &call{}
	fresh := r.insert(c)
	assert.Equal(t, old.index, fresh.index)
	assert.NotEqual(t, old.gen, fresh.gen)

	_, ok := r.get(old)
	assert.False(t, ok)
	_, err = r.remove(old)
	assert.ErrorIs(t, err, ErrStaleHandle)

	got, ok := r.get(fresh)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestRegistry_snapshot(t *testing.T) {
	r := newRegistry()
	for i := 0; i < 5; i++ {
		r.insert(&call{})
	}
	for _, c := range r.snapshot() {
		_, err := r.remove(c.key)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, r.len())
	assert.Empty(t, r.snapshot())
}

func TestCall_refsAndTransitions(t *testing.T) {
	released := 0
	c := newCall(nil, func(*call) { released++ })
	c.retain()
	c.release()
	assert.Equal(t, 0, released)
	c.release()
	assert.Equal(t, 1, released)
	assert.Panics(t, c.release)

	c = newCall(nil, nil)
	c.transition(stateProcessing)
	c.transition(stateFinished)
	assert.Panics(t, func() { c.transition(stateProcessing) })

	c = newCall(nil, nil)
	assert.Panics(t, func() { c.transition(stateFinished) })
	assert.False(t, c.abort())
	assert.True(t, c.isAborted())
	assert.Equal(t, stateListening, c.state, "abort leaves the state alone")
}
