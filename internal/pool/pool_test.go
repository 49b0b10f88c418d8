package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_reusesObjects(t *testing.T) {
	type item struct{ n int }
	p := New(func() *item { return &item{} })

	a := p.Get()
	require.NotNil(t, a)
	a.n = 42
	p.Put(a)

	b := p.Get()
	require.NotNil(t, b)
}

func TestBytes_sizing(t *testing.T) {
	p := NewBytes(1024)

	buf := p.Get()
	require.NotNil(t, buf)
	assert.Len(t, *buf, 1024)
	p.Put(buf)
}

func TestBytes_rejectsWrongSize(t *testing.T) {
	p := NewBytes(64)

	wrong := make([]byte, 32)
	assert.NotPanics(t, func() { p.Put(&wrong) })
	assert.NotPanics(t, func() { p.Put(nil) })

	buf := p.Get()
	assert.Len(t, *buf, 64)
}
