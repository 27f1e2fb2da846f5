package sample

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkkaggle/lm-finetuning/pkg/model"
)

// fixedModel returns the same logits at every decode step.
type fixedModel struct {
	logits []float32
}

func (m *fixedModel) Forward(tokens []int32, past *model.Cache) ([]float32, *model.Cache, error) {
	return append([]float32(nil), m.logits...), past, nil
}

func (m *fixedModel) ForwardWithLabels(tokens, labels []int32, batch, seqLen int) (float32, error) {
	return 0, nil
}

func (m *fixedModel) Backward(scale float32) error { return nil }

func (m *fixedModel) NamedParameters() []model.Parameter { return nil }

func (m *fixedModel) VocabSize() int { return len(m.logits) }

func (m *fixedModel) EOT() int32 { return 0 }

func (m *fixedModel) Save(dir string) error { return nil }

// idTok encodes any prompt to token 0 and decodes ids to their literal form.
type idTok struct{}

func (idTok) Encode(text string) ([]int32, error) { return []int32{0}, nil }

func (idTok) Decode(ids []int32) (string, error) { return fmt.Sprint(ids), nil }

func (idTok) BuildInputs(ids []int32) []int32 { return ids }

func (idTok) BatchEncode(texts []string, maxLen int) ([][]int32, error) { return nil, nil }

func (idTok) PadID() (int32, bool) { return 0, false }

func (idTok) Save(dir string) error { return nil }

func finiteCount(logits []float64) int {
	n := 0
	for _, v := range logits {
		if !math.IsInf(v, -1) {
			n++
		}
	}
	return n
}

func TestTopKKeepsExactlyK(t *testing.T) {
	logits := []float64{5, 4, 3, 2, 1}
	TopKTopPFilter(logits, 3, 0)
	assert.Equal(t, 3, finiteCount(logits))
	assert.True(t, math.IsInf(logits[3], -1))
	assert.True(t, math.IsInf(logits[4], -1))
}

func TestTopKKeepsBoundaryTies(t *testing.T) {
	logits := []float64{5, 4, 4, 1}
	TopKTopPFilter(logits, 2, 0)
	// Both entries tied at the k-th value survive.
	assert.Equal(t, 3, finiteCount(logits))
	assert.True(t, math.IsInf(logits[3], -1))
}

func TestTopKClampsToVocab(t *testing.T) {
	logits := []float64{1, 2}
	TopKTopPFilter(logits, 10, 0)
	assert.Equal(t, 2, finiteCount(logits))
}

func TestTopPKeepsNucleus(t *testing.T) {
	// Probabilities 0.5, 0.3, 0.2.
	logits := []float64{math.Log(0.5), math.Log(0.3), math.Log(0.2)}
	TopKTopPFilter(logits, 0, 0.7)
	// Cumulative mass crosses 0.7 at the second token, which is still
	// kept; only the third is masked.
	assert.False(t, math.IsInf(logits[0], -1))
	assert.False(t, math.IsInf(logits[1], -1))
	assert.True(t, math.IsInf(logits[2], -1))

	survivors := 0.5 + 0.3
	assert.GreaterOrEqual(t, survivors, 0.7)
}

func TestTopPAlwaysKeepsOne(t *testing.T) {
	logits := []float64{math.Log(0.5), math.Log(0.3), math.Log(0.2)}
	TopKTopPFilter(logits, 0, 0.01)
	assert.Equal(t, 1, finiteCount(logits))
	assert.False(t, math.IsInf(logits[0], -1))
}

func TestGreedyDeterminism(t *testing.T) {
	m := &fixedModel{logits: []float32{0.1, 2.0, 0.3}}
	cfg := Config{NSamples: 1, SampleLen: 3, Temperature: 0, Seed: 7}

	first, err := Sample("x", m, idTok{}, cfg)
	require.NoError(t, err)
	second, err := Sample("x", m, idTok{}, cfg)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, fmt.Sprint([]int32{0, 1, 1, 1}), first[0])
}

func TestRepetitionPenaltySuppressesSeenTokens(t *testing.T) {
	m := &fixedModel{logits: []float32{2.0, 1.9, -5.0}}
	cfg := Config{NSamples: 1, SampleLen: 1, Temperature: 0, Seed: 7}

	// Without a penalty the prompt token 0 wins again.
	out, err := Sample("x", m, idTok{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint([]int32{0, 0}), out[0])

	// Penalizing seen tokens hands the step to the runner-up.
	cfg.RepetitionPenalty = 2.0
	out, err = Sample("x", m, idTok{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint([]int32{0, 1}), out[0])
}

func TestSampleCountAndTemperatureOne(t *testing.T) {
	m := &fixedModel{logits: []float32{0, 0, 10}}
	cfg := Config{NSamples: 3, SampleLen: 2, Temperature: 1.0, Seed: 42}
	out, err := Sample("x", m, idTok{}, cfg)
	require.NoError(t, err)
	require.Len(t, out, 3)
	// With one dominant logit the categorical draw is near-deterministic.
	for _, s := range out {
		assert.Equal(t, fmt.Sprint([]int32{0, 2, 2}), s)
	}
}
