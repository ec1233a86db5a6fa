package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedis(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetSetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	got, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got, "miss is nil, not an error")

	require.NoError(t, c.Set(ctx, "k", []byte(`{"jobs":[]}`)))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"jobs":[]}`), got)

	require.NoError(t, c.Delete(ctx, "k"))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, c.Delete(ctx), "empty delete is a no-op")
}

func TestDeleteByPrefix(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	user := "11111111-1111-1111-1111-111111111111"
	require.NoError(t, c.Set(ctx, "jobs:"+user+":page1", []byte("a")))
	require.NoError(t, c.Set(ctx, "jobs:"+user+":page2", []byte("b")))
	require.NoError(t, c.Set(ctx, "conversations:"+user, []byte("c")))

	require.NoError(t, c.DeleteByPrefix(ctx, "jobs:"+user+":"))

	got, err := c.Get(ctx, "jobs:"+user+":page1")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = c.Get(ctx, "conversations:"+user)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got, "other prefixes survive")
}
