package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerA struct{ calls *[]string }

func (c closerA) Close() error { *c.calls = append(*c.calls, "a"); return nil }

type closerB struct{ calls *[]string }

func (c closerB) Close() { *c.calls = append(*c.calls, "b") }

func TestResolve(t *testing.T) {
	c := NewContainer()
	c.Register("n", 42)

	v, err := Resolve[int](c, "n")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Resolve[string](c, "n")
	assert.Error(t, err)

	_, err = Resolve[int](c, "missing")
	assert.Error(t, err)
}

func TestClosersReverseOrder(t *testing.T) {
	var calls []string
	c := NewContainer()
	c.Register("a", closerA{&calls})
	c.Register("plain", "x")
	c.Register("b", closerB{&calls})

	for _, closeFn := range c.Closers() {
		require.NoError(t, closeFn())
	}

	assert.Equal(t, []string{"b", "a"}, calls)
	assert.Equal(t, []string{"a", "b", "plain"}, c.GetNames())

	c.Clear()
	assert.False(t, c.Has("a"))
}
