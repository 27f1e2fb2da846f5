package train

import (
	"github.com/charmbracelet/log"

	"github.com/bkkaggle/lm-finetuning/pkg/optim"
)

// maxGradNorm is the clipping threshold applied at every accumulation
// boundary.
const maxGradNorm = 1.0

// GradientStep abstracts over how gradients reach the optimizer: the plain
// path, the loss-scaled half-precision path, and the barrier path used by
// devices that synchronize before each update. The trainer depends only on
// this interface.
type GradientStep interface {
	// ScaleLoss transforms the backward seed for one micro-batch.
	ScaleLoss(seed float32) float32
	// ClipAndStep clips the accumulated gradient norm and applies one
	// optimizer update.
	ClipAndStep(groups []optim.ParamGroup, opt optim.Optimizer)
}

// NewGradientStep selects the strategy for an accelerator/precision
// combination.
func NewGradientStep(accelerator string, fp16 bool) GradientStep {
	switch {
	case accelerator == "GPU" && fp16:
		return &scaledLossStep{scale: 1024}
	case accelerator == "TPU":
		return barrierStep{}
	default:
		return standardStep{}
	}
}

type standardStep struct{}

func (standardStep) ScaleLoss(seed float32) float32 { return seed }

func (standardStep) ClipAndStep(groups []optim.ParamGroup, opt optim.Optimizer) {
	optim.ClipGradNorm(groups, maxGradNorm)
	opt.Step()
}

// scaledLossStep multiplies the backward seed so small half-precision
// gradients survive, then unscales before clipping.
type scaledLossStep struct {
	scale float32
}

func (s *scaledLossStep) ScaleLoss(seed float32) float32 { return seed * s.scale }

func (s *scaledLossStep) ClipAndStep(groups []optim.ParamGroup, opt optim.Optimizer) {
	inv := 1.0 / s.scale
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
		}
	}
	optim.ClipGradNorm(groups, maxGradNorm)
	opt.Step()
}

// barrierStep synchronizes with the device before stepping. On a single
// process the barrier is a no-op; it is kept as its own strategy so the
// trainer never branches on the accelerator kind.
type barrierStep struct{}

func (barrierStep) ScaleLoss(seed float32) float32 { return seed }

func (barrierStep) ClipAndStep(groups []optim.ParamGroup, opt optim.Optimizer) {
	optim.ClipGradNorm(groups, maxGradNorm)
	log.Debug("device barrier before optimizer step")
	opt.Step()
}
