package train

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkkaggle/lm-finetuning/pkg/data"
	"github.com/bkkaggle/lm-finetuning/pkg/model"
	"github.com/bkkaggle/lm-finetuning/pkg/optim"
)

// countingLM records training forward passes so tests can verify exactly how
// many micro-batches a run consumed.
type countingLM struct {
	trainCalls int
	vocab      int
	param      model.Parameter
}

func newCountingLM() *countingLM {
	return &countingLM{
		vocab: 8,
		param: model.Parameter{Name: "w.weight", Data: make([]float32, 4), Grad: make([]float32, 4)},
	}
}

func (m *countingLM) Forward(tokens []int32, past *model.Cache) ([]float32, *model.Cache, error) {
	return make([]float32, m.vocab), past, nil
}

func (m *countingLM) ForwardWithLabels(tokens, labels []int32, batch, seqLen int) (float32, error) {
	m.trainCalls++
	return 1.0, nil
}

func (m *countingLM) Backward(scale float32) error { return nil }

func (m *countingLM) NamedParameters() []model.Parameter {
	return []model.Parameter{m.param}
}

func (m *countingLM) VocabSize() int { return m.vocab }

func (m *countingLM) EOT() int32 { return 0 }

func (m *countingLM) Save(dir string) error { return nil }

// fieldTok maps whitespace-separated words to token ids one-to-one.
type fieldTok struct{}

func (fieldTok) Encode(text string) ([]int32, error) {
	fields := strings.Fields(text)
	ids := make([]int32, len(fields))
	for i := range ids {
		ids[i] = int32(i % 5)
	}
	return ids, nil
}

func (fieldTok) Decode(ids []int32) (string, error) { return fmt.Sprint(ids), nil }

func (fieldTok) BuildInputs(ids []int32) []int32 { return ids }

func (fieldTok) BatchEncode(texts []string, maxLen int) ([][]int32, error) { return nil, nil }

func (fieldTok) PadID() (int32, bool) { return 0, false }

func (fieldTok) Save(dir string) error { return nil }

func makeDataset(t *testing.T, words, seqLen int) *data.TextDataset {
	t.Helper()
	var b strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&b, "w%d ", i)
	}
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	ds, err := data.NewTextDataset(path, fieldTok{}, data.Config{SeqLen: seqLen, NTokens: -1, NBatches: -1})
	require.NoError(t, err)
	return ds
}

func quietConfig(saveDir string) Config {
	return Config{
		SaveDir:        saveDir,
		LR:             1e-3,
		BatchSize:      1,
		GradAccumSteps: 1,
		Epochs:         1,
		LoggingSteps:   1000,
		HistSteps:      1000,
		SaveSteps:      1000,
	}
}

func newTestRunContext(t *testing.T) *RunContext {
	t.Helper()
	rc, err := NewRunContext(filepath.Join(t.TempDir(), "run"))
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return rc
}

func TestParamGroupsSplitAndDecay(t *testing.T) {
	params := []model.Parameter{
		{Name: "wte.weight"},
		{Name: "h.0.attn.qkv.weight"},
		{Name: "h.0.attn.qkv.bias"},
		{Name: "h.0.layernorm1.weight"},
	}
	groups := ParamGroups(params)
	require.Len(t, groups, 2)

	var decayed, exempt []string
	for _, p := range groups[0].Params {
		decayed = append(decayed, p.Name)
	}
	for _, p := range groups[1].Params {
		exempt = append(exempt, p.Name)
	}
	assert.Equal(t, []string{"wte.weight", "h.0.attn.qkv.weight"}, decayed)
	assert.Equal(t, []string{"h.0.attn.qkv.bias", "h.0.layernorm1.weight"}, exempt)

	// Decay is disabled for both groups; see DESIGN.md before changing.
	assert.Equal(t, float32(0), groups[0].WeightDecay)
	assert.Equal(t, float32(0), groups[1].WeightDecay)
}

func TestConfigValidation(t *testing.T) {
	cfg := quietConfig(t.TempDir())
	cfg.Optimizer = "Adagrad"
	_, err := New(cfg, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = quietConfig(t.TempDir())
	cfg.Epochs = 0
	_, err = New(cfg, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFreshRunConsumesAllBatches(t *testing.T) {
	m := newCountingLM()
	trainDS := makeDataset(t, 8, 2) // 4 blocks
	valDS := makeDataset(t, 4, 2)   // 2 blocks
	rc := newTestRunContext(t)

	saveDir := t.TempDir()
	tr, err := New(quietConfig(saveDir), m, fieldTok{}, trainDS, valDS, rc)
	require.NoError(t, err)
	require.NoError(t, tr.Run())

	// 4 train micro-batches plus one validation pass over 2 batches.
	assert.Equal(t, 6, m.trainCalls)

	// The final state is saved unconditionally.
	_, err = os.Stat(filepath.Join(saveDir, "optimizer.pt"))
	assert.NoError(t, err)

	require.Len(t, rc.Samples(), 1)
}

func TestResumptionSkipsTrainedBatches(t *testing.T) {
	m := newCountingLM()
	trainDS := makeDataset(t, 8, 2)
	valDS := makeDataset(t, 4, 2)
	rc := newTestRunContext(t)

	ckpt := filepath.Join(t.TempDir(), "checkpoint-2")
	require.NoError(t, os.MkdirAll(ckpt, 0o755))

	cfg := quietConfig(t.TempDir())
	cfg.Checkpoint = ckpt
	tr, err := New(cfg, m, fieldTok{}, trainDS, valDS, rc)
	require.NoError(t, err)

	assert.Equal(t, Progress{GlobalStep: 2, EpochsTrained: 0, StepsTrainedInCurrentEpoch: 2}, tr.Progress())

	require.NoError(t, tr.Run())
	// The two micro-batches already counted in the checkpoint's step are
	// skipped: 2 train forwards remain, plus the 2-batch validation pass.
	assert.Equal(t, 4, m.trainCalls)
}

func TestResumptionAtEpochBoundarySkipsNothing(t *testing.T) {
	m := newCountingLM()
	trainDS := makeDataset(t, 8, 2)
	valDS := makeDataset(t, 4, 2)
	rc := newTestRunContext(t)

	ckpt := filepath.Join(t.TempDir(), "checkpoint-4")
	require.NoError(t, os.MkdirAll(ckpt, 0o755))

	cfg := quietConfig(t.TempDir())
	cfg.Checkpoint = ckpt
	cfg.Epochs = 2
	tr, err := New(cfg, m, fieldTok{}, trainDS, valDS, rc)
	require.NoError(t, err)
	require.Equal(t, Progress{GlobalStep: 4, EpochsTrained: 1}, tr.Progress())

	require.NoError(t, tr.Run())
	// One full remaining epoch: 4 train forwards plus validation.
	assert.Equal(t, 6, m.trainCalls)
}

func TestGradientHistogram(t *testing.T) {
	p := model.Parameter{
		Name: "w.weight",
		Grad: []float32{-1, -0.5, 0, 0.25, 1},
	}
	dividers, counts, err := gradientHistogram(p)
	require.NoError(t, err)
	assert.Len(t, dividers, histogramBins+1)
	assert.Len(t, counts, histogramBins)

	var total float64
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, float64(len(p.Grad)), total)
}

func TestGradientHistogramDegenerateRange(t *testing.T) {
	p := model.Parameter{Name: "w.weight", Grad: []float32{0.5, 0.5, 0.5}}
	_, _, err := gradientHistogram(p)
	assert.Error(t, err)

	_, _, err = gradientHistogram(model.Parameter{Name: "empty"})
	assert.Error(t, err)
}

func TestNewGradientStepSelection(t *testing.T) {
	assert.IsType(t, standardStep{}, NewGradientStep("CPU", false))
	assert.IsType(t, standardStep{}, NewGradientStep("GPU", false))
	assert.IsType(t, &scaledLossStep{}, NewGradientStep("GPU", true))
	assert.IsType(t, barrierStep{}, NewGradientStep("TPU", false))
}

func TestScaledLossStepUnscalesBeforeClip(t *testing.T) {
	gs := &scaledLossStep{scale: 1024}
	assert.Equal(t, float32(1024), gs.ScaleLoss(1.0))

	data := []float32{0}
	grad := []float32{2048}
	groups := []optim.ParamGroup{{
		Params: []model.Parameter{{Name: "w", Data: data, Grad: grad}},
	}}
	opt := optim.NewSGD(groups, 1.0)

	// 2048 unscales to 2, clips to the unit norm, steps with lr 1.
	gs.ClipAndStep(groups, opt)
	assert.InDelta(t, -1.0, float64(data[0]), 1e-4)
}
