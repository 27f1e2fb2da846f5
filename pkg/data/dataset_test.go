package data

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldTok maps every whitespace-separated word to one token id. Specials are
// opt-in so block lengths stay exact in windowing tests.
type fieldTok struct {
	specials bool
}

func (f *fieldTok) Encode(text string) ([]int32, error) {
	fields := strings.Fields(text)
	ids := make([]int32, len(fields))
	for i := range ids {
		ids[i] = int32(i % 97)
	}
	return ids, nil
}

func (f *fieldTok) Decode(ids []int32) (string, error) { return fmt.Sprint(ids), nil }

func (f *fieldTok) BuildInputs(ids []int32) []int32 {
	if !f.specials {
		return append([]int32(nil), ids...)
	}
	out := append([]int32{200}, ids...)
	return append(out, 201)
}

func (f *fieldTok) BatchEncode(texts []string, maxLen int) ([][]int32, error) {
	out := make([][]int32, 0, len(texts))
	for _, text := range texts {
		ids, err := f.Encode(text)
		if err != nil {
			return nil, err
		}
		if len(ids) > maxLen {
			ids = ids[:maxLen]
		}
		out = append(out, ids)
	}
	return out, nil
}

func (f *fieldTok) PadID() (int32, bool) { return 0, false }

func (f *fieldTok) Save(dir string) error { return nil }

func writeWords(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "w%d ", i)
	}
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestWindowingDropsRemainder(t *testing.T) {
	path := writeWords(t, 1000)
	ds, err := NewTextDataset(path, &fieldTok{}, Config{SeqLen: 256, NTokens: -1, NBatches: -1})
	require.NoError(t, err)

	// 1000 tokens at seq len 256: three full blocks, the trailing 232
	// tokens are dropped.
	require.Equal(t, 3, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		assert.Len(t, ds.Block(i), 256)
	}
	assert.Equal(t, 1000, ds.RawTokens())
	assert.Equal(t, 768, ds.ProducedTokens())
}

func TestShortTextSingleBlock(t *testing.T) {
	path := writeWords(t, 10)
	ds, err := NewTextDataset(path, &fieldTok{specials: true}, Config{SeqLen: 256, NTokens: -1, NBatches: -1})
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())
	assert.Len(t, ds.Block(0), 12) // 10 tokens plus the two wrapping specials
}

func TestTokenAccountingInvariant(t *testing.T) {
	path := writeWords(t, 523)
	ds, err := NewTextDataset(path, &fieldTok{specials: true}, Config{SeqLen: 64, NTokens: -1, NBatches: -1})
	require.NoError(t, err)

	total := 0
	for i := 0; i < ds.Len(); i++ {
		total += len(ds.Block(i))
	}
	assert.Equal(t, ds.ProducedTokens(), total)
}

func TestSeqLenMustBePositive(t *testing.T) {
	path := writeWords(t, 10)
	_, err := NewTextDataset(path, &fieldTok{}, Config{SeqLen: 0, NTokens: -1, NBatches: -1})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestMissingPath(t *testing.T) {
	_, err := NewTextDataset(filepath.Join(t.TempDir(), "nope.txt"), &fieldTok{}, Config{SeqLen: 8, NTokens: -1, NBatches: -1})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNTokensCap(t *testing.T) {
	path := writeWords(t, 100)
	ds, err := NewTextDataset(path, &fieldTok{}, Config{SeqLen: 10, NTokens: 50, NBatches: -1})
	require.NoError(t, err)
	assert.Equal(t, 5, ds.Len())
	assert.Equal(t, 50, ds.ProducedTokens())
}

func TestNBatchesCapPerFile(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "one line with five words\n")
	}
	path := filepath.Join(t.TempDir(), "lines.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	ds, err := NewTextDataset(path, &fieldTok{}, Config{SeqLen: 100, NTokens: -1, NBatches: 3, Efficient: true})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
}

func TestEfficientSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.txt")
	require.NoError(t, os.WriteFile(path, []byte("first line\n\n   \nsecond line\n"), 0o644))

	ds, err := NewTextDataset(path, &fieldTok{}, Config{SeqLen: 100, NTokens: -1, NBatches: -1, Efficient: true})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, 4, ds.RawTokens())
}

func TestFastPathUsesBatchEncoder(t *testing.T) {
	path := writeWords(t, 30)
	ds, err := NewTextDataset(path, &fieldTok{}, Config{SeqLen: 8, NTokens: -1, NBatches: -1, Fast: true})
	require.NoError(t, err)
	// One line, truncated by the batch encoder, no secondary re-chunking.
	require.Equal(t, 1, ds.Len())
	assert.Len(t, ds.Block(0), 8)
}

func TestDirectoryGlobIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("three words here"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two words"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.md"), []byte("ignored entirely"), 0o644))

	ds, err := NewTextDataset(dir, &fieldTok{}, Config{SeqLen: 100, NTokens: -1, NBatches: -1})
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	// a.txt before b.txt regardless of creation order.
	assert.Len(t, ds.Block(0), 2)
	assert.Len(t, ds.Block(1), 3)
}

func TestAdjustmentFactor(t *testing.T) {
	ds := &TextDataset{rawTokens: 101, producedTokens: 201}
	assert.InDelta(t, 2.0, ds.AdjustmentFactor(), 1e-12)
	assert.Equal(t, 1.0, (&TextDataset{rawTokens: 1}).AdjustmentFactor())
}

func TestBatchesPadToWidestRow(t *testing.T) {
	ds := &TextDataset{blocks: [][]int32{
		{1, 2, 3},
		{4},
		{5, 6},
	}}
	batches := ds.Batches(2, 9)
	require.Len(t, batches, 2)

	assert.Equal(t, 2, batches[0].B)
	assert.Equal(t, 3, batches[0].T)
	assert.Equal(t, []int32{1, 2, 3, 4, 9, 9}, batches[0].Tokens)

	// The final short batch is kept.
	assert.Equal(t, 1, batches[1].B)
	assert.Equal(t, 2, batches[1].T)
	assert.Equal(t, []int32{5, 6}, batches[1].Tokens)
}
