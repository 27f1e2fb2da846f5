package optim

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkkaggle/lm-finetuning/pkg/model"
)

func singleParamGroup(name string, data, grad []float32) []ParamGroup {
	return []ParamGroup{{
		Params: []model.Parameter{{Name: name, Data: data, Grad: grad}},
	}}
}

func TestAdamWFirstStep(t *testing.T) {
	data := []float32{1.0}
	grad := []float32{1.0}
	o := NewAdamW(singleParamGroup("w", data, grad), 0.1)
	o.Step()
	// With bias correction the first update is a full lr-sized step.
	assert.InDelta(t, 0.9, float64(data[0]), 1e-4)
}

func TestAdamWDescendsAgainstGradient(t *testing.T) {
	data := []float32{0.0}
	grad := []float32{-2.5}
	o := NewAdamW(singleParamGroup("w", data, grad), 0.01)
	o.Step()
	assert.Greater(t, float64(data[0]), 0.0)
}

func TestSGDStep(t *testing.T) {
	data := []float32{1.0}
	grad := []float32{0.5}
	o := NewSGD(singleParamGroup("w", data, grad), 0.2)
	o.Step()
	assert.InDelta(t, 0.9, float64(data[0]), 1e-6)
}

func TestZeroGrad(t *testing.T) {
	grad := []float32{1, 2, 3}
	o := NewSGD(singleParamGroup("w", make([]float32, 3), grad), 0.1)
	o.ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0}, grad)
}

func TestClipGradNorm(t *testing.T) {
	grad := []float32{3, 4}
	groups := singleParamGroup("w", make([]float32, 2), grad)

	norm := ClipGradNorm(groups, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-6)

	clipped := math.Sqrt(float64(grad[0]*grad[0] + grad[1]*grad[1]))
	assert.InDelta(t, 1.0, clipped, 1e-5)
}

func TestClipGradNormBelowThresholdIsNoop(t *testing.T) {
	grad := []float32{0.3, 0.4}
	norm := ClipGradNorm(singleParamGroup("w", make([]float32, 2), grad), 1.0)
	assert.InDelta(t, 0.5, norm, 1e-6)
	assert.Equal(t, []float32{0.3, 0.4}, grad)
}

func TestAdamWSaveLoadRoundTrip(t *testing.T) {
	data := []float32{1.0}
	grad := []float32{1.0}
	groups := singleParamGroup("w", data, grad)
	o := NewAdamW(groups, 0.1)
	o.Step()

	path := filepath.Join(t.TempDir(), "optimizer.pt")
	require.NoError(t, o.Save(path))

	restored := NewAdamW(groups, 0.5)
	require.NoError(t, restored.Load(path))
	assert.Equal(t, o.t, restored.t)
	assert.Equal(t, o.lr, restored.lr)
	assert.InDelta(t, float64(o.m["w"][0]), float64(restored.m["w"][0]), 1e-7)
	assert.InDelta(t, float64(o.v["w"][0]), float64(restored.v["w"][0]), 1e-7)
}

func TestLinearScheduleWarmupAndDecay(t *testing.T) {
	o := NewSGD(nil, 1.0)
	s := NewLinearSchedule(o, 2, 10)

	s.Step()
	assert.InDelta(t, 0.5, o.LR(), 1e-9)
	s.Step()
	assert.InDelta(t, 1.0, o.LR(), 1e-9)
	for i := 0; i < 8; i++ {
		s.Step()
	}
	assert.InDelta(t, 0.0, o.LR(), 1e-9)
}

func TestLinearScheduleSaveLoadRoundTrip(t *testing.T) {
	o := NewSGD(nil, 1.0)
	s := NewLinearSchedule(o, 2, 10)
	s.Step()

	path := filepath.Join(t.TempDir(), "scheduler.pt")
	require.NoError(t, s.Save(path))

	o2 := NewSGD(nil, 1.0)
	s2 := NewLinearSchedule(o2, 2, 10)
	require.NoError(t, s2.Load(path))
	assert.InDelta(t, 0.5, o2.LR(), 1e-9)
}
