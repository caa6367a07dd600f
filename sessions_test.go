package taskgate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	closed   int
	closeErr error
	log      *[]string
	name     string
}

func (c *fakeClient) Close() error {
	c.closed++
	if c.log != nil {
		*c.log = append(*c.log, c.name)
	}
	return c.closeErr
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	a := &fakeClient{}

	require.NoError(t, r.Register("alpha", a))
	assert.ErrorIs(t, r.Register("alpha", &fakeClient{}), ErrSessionExists)
	assert.ErrorIs(t, r.Register("", &fakeClient{}), ErrInvalidRequest)

	got, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("beta")
	assert.False(t, ok)

	require.NoError(t, r.Unregister("alpha"))
	assert.Equal(t, 1, a.closed)
	assert.ErrorIs(t, r.Unregister("alpha"), ErrNotFound)
	assert.Empty(t, r.Names())
}

func TestSessionRegistryCloseAll(t *testing.T) {
	r := NewSessionRegistry()
	var order []string
	failing := errors.New("disconnect failed")

	require.NoError(t, r.Register("one", &fakeClient{name: "one", log: &order}))
	require.NoError(t, r.Register("two", &fakeClient{name: "two", log: &order, closeErr: failing}))
	require.NoError(t, r.Register("three", &fakeClient{name: "three", log: &order}))
	assert.Equal(t, []string{"one", "three", "two"}, r.Names())

	err := r.CloseAll()
	assert.ErrorIs(t, err, failing)
	assert.Equal(t, []string{"three", "two", "one"}, order)
	assert.Empty(t, r.Names())
	assert.NoError(t, r.CloseAll())
}
