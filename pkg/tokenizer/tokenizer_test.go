package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrieLongestMatch(t *testing.T) {
	tr := newTrie()
	require.NoError(t, tr.insert([]byte("a"), 1))
	require.NoError(t, tr.insert([]byte("abc"), 2))

	id, n, ok := tr.match([]byte("abcd"))
	assert.True(t, ok)
	assert.Equal(t, int32(2), id)
	assert.Equal(t, 3, n)

	id, n, ok = tr.match([]byte("ax"))
	assert.True(t, ok)
	assert.Equal(t, int32(1), id)
	assert.Equal(t, 1, n)

	_, n, ok = tr.match([]byte("zx"))
	assert.False(t, ok)
	assert.Equal(t, 1, n, "a miss must consume one byte")
}

func TestTrieRejectsEmptyEntry(t *testing.T) {
	tr := newTrie()
	assert.Error(t, tr.insert(nil, 0))
}

func TestByteLevelRoundTrip(t *testing.T) {
	tok := NewByteLevel()
	text := "Hello, world! 123\nsecond line"
	ids, err := tok.Encode(text)
	require.NoError(t, err)
	got, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestBuildInputsWrapsSpecials(t *testing.T) {
	tok, err := New([]string{"a", "b", "", ""}, WithBOS(2), WithEOT(3))
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 0, 1, 3}, tok.BuildInputs([]int32{0, 1}))
}

func TestBatchEncodeTruncates(t *testing.T) {
	tok := NewByteLevel()
	blocks, err := tok.BatchEncode([]string{"abcdefgh", "xy"}, 5)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	// Wrapped blocks never exceed maxLen; the eot token counts against it.
	assert.Len(t, blocks[0], 5)
	assert.Equal(t, tok.EOT(), blocks[0][4])
	assert.Len(t, blocks[1], 3)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tok := NewByteLevel()
	require.NoError(t, tok.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, tok.VocabSize(), loaded.VocabSize())
	assert.Equal(t, tok.EOT(), loaded.EOT())
	_, hasPad := loaded.PadID()
	assert.False(t, hasPad)

	want, err := tok.Encode("round trip")
	require.NoError(t, err)
	got, err := loaded.Encode("round trip")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir() + "/nope")
	assert.Error(t, err)
}
