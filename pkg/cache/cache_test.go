package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, namespace string) *Cache {
	t.Helper()
	c, err := Open(Options{Namespace: namespace})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetMiss(t *testing.T) {
	c := openMemory(t, "ns")
	tokens, ok, err := c.Get("hello world")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, tokens)
}

func TestPutGet(t *testing.T) {
	c := openMemory(t, "ns")
	require.NoError(t, c.Put("unaffable", []string{"un", "##aff", "##able"}))

	tokens, ok, err := c.Get("unaffable")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"un", "##aff", "##able"}, tokens)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNamespacesDiffer(t *testing.T) {
	a := openMemory(t, "lower")
	assert.NotEqual(t, a.key("Text"), (&Cache{namespace: "cased"}).key("Text"))
	assert.Equal(t, a.key("Text"), (&Cache{namespace: "lower"}).key("Text"))
}

func TestPersistsOnDisk(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(Options{Dir: dir, Namespace: "ns"})
	require.NoError(t, err)
	require.NoError(t, c.Put("a b", []string{"a", "b"}))
	require.NoError(t, c.Close())

	c, err = Open(Options{Dir: dir, Namespace: "ns"})
	require.NoError(t, err)
	defer c.Close()

	tokens, ok, err := c.Get("a b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, tokens)
}
