package vocab

import (
	"bytes"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	v, err := Load(strings.NewReader("[PAD]\n[UNK]\nthe\n\ncat  \nthe\n"))
	require.NoError(t, err)

	assert.Equal(t, 4, v.Size())
	id, ok := v.ID("cat")
	assert.True(t, ok)
	assert.Equal(t, 3, id)
	assert.True(t, v.Contains("the"))
	assert.False(t, v.Contains("dog"))
}

func TestEnsure(t *testing.T) {
	v := New([]string{"a", "b"})

	id, added := v.Ensure("b")
	assert.False(t, added)
	assert.Equal(t, 1, id)

	id, added = v.Ensure("[CLS]")
	assert.True(t, added)
	assert.Equal(t, 2, id)
	assert.Equal(t, 3, v.Size())

	id, added = v.Ensure("[CLS]")
	assert.False(t, added)
	assert.Equal(t, 2, id)
}

func TestEnsureConcurrent(t *testing.T) {
	v := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tok := range []string{"x", "y", "z"} {
				v.Ensure(tok)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, v.Size())
	words := v.Words()
	assert.ElementsMatch(t, []string{"x", "y", "z"}, words)
}

func TestConversions(t *testing.T) {
	v := New([]string{"[PAD]", "[UNK]", "the", "cat"})

	ids, err := v.TokensToIDs([]string{"the", "dog", "cat"})
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1, 3}, ids)

	tokens, err := v.IDsToTokens([]int32{3, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "the"}, tokens)

	_, err = v.IDsToTokens([]int32{9})
	assert.ErrorIs(t, err, ErrUnknownID)

	noUnk := New([]string{"the"})
	_, err = noUnk.TokensToIDs([]string{"dog"})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSaveRoundTrip(t *testing.T) {
	v := New([]string{"a", "b", "c"})
	v.Ensure("d")

	var buf bytes.Buffer
	require.NoError(t, v.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, v.Words(), loaded.Words())
}

func TestRandomToken(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	v := New([]string{"a", "b", "c"})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[v.RandomToken(rng)] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, "", New(nil).RandomToken(rng))
}
