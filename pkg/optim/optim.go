// Package optim provides the optimizers, gradient clipping and learning-rate
// schedule used for fine-tuning.
package optim

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"github.com/bkkaggle/lm-finetuning/pkg/model"
)

// ParamGroup is a set of parameters sharing a weight decay.
type ParamGroup struct {
	Params      []model.Parameter
	WeightDecay float32
}

// Optimizer consumes accumulated parameter gradients and produces in-place
// parameter updates.
type Optimizer interface {
	Step()
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	Save(path string) error
	Load(path string) error
}

func zeroGrads(groups []ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] = 0.0
			}
		}
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm, and returns the norm observed before clipping.
func ClipGradNorm(groups []ParamGroup, maxNorm float64) float64 {
	var sumSq float64
	for _, g := range groups {
		for _, p := range g.Params {
			for _, v := range p.Grad {
				sumSq += float64(v) * float64(v)
			}
		}
	}
	norm := math.Sqrt(sumSq)
	if norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, g := range groups {
			for _, p := range g.Params {
				for i := range p.Grad {
					p.Grad[i] *= scale
				}
			}
		}
	}
	return norm
}

// AdamW implements the AdamW optimizer with bias-corrected first and second
// moment estimates, decoupled weight decay per group.
type AdamW struct {
	groups []ParamGroup
	lr     float64
	beta1  float32
	beta2  float32
	eps    float32
	t      int

	m map[string][]float32
	v map[string][]float32
}

// NewAdamW builds an AdamW optimizer over groups.
func NewAdamW(groups []ParamGroup, lr float64) *AdamW {
	return &AdamW{
		groups: groups,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      map[string][]float32{},
		v:      map[string][]float32{},
	}
}

// Step applies one parameter update from the accumulated gradients.
func (o *AdamW) Step() {
	o.t++
	correction1 := 1.0 - float32(math.Pow(float64(o.beta1), float64(o.t)))
	correction2 := 1.0 - float32(math.Pow(float64(o.beta2), float64(o.t)))
	lr := float32(o.lr)
	for _, g := range o.groups {
		for _, p := range g.Params {
			m := o.m[p.Name]
			if m == nil {
				m = make([]float32, len(p.Data))
				o.m[p.Name] = m
				o.v[p.Name] = make([]float32, len(p.Data))
			}
			v := o.v[p.Name]
			for i := range p.Data {
				grad := p.Grad[i]
				m[i] = o.beta1*m[i] + (1.0-o.beta1)*grad
				v[i] = o.beta2*v[i] + (1.0-o.beta2)*grad*grad
				mHat := m[i] / correction1
				vHat := v[i] / correction2
				p.Data[i] -= lr * (mHat/(float32(math.Sqrt(float64(vHat)))+o.eps) + g.WeightDecay*p.Data[i])
			}
		}
	}
}

// ZeroGrad clears the accumulated gradients.
func (o *AdamW) ZeroGrad() { zeroGrads(o.groups) }

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.lr }

// SetLR replaces the learning rate; used by the schedule.
func (o *AdamW) SetLR(lr float64) { o.lr = lr }

type adamWState struct {
	T  int
	LR float64
	M  map[string][]float32
	V  map[string][]float32
}

// Save writes the optimizer state to path.
func (o *AdamW) Save(path string) error {
	return writeGob(path, adamWState{T: o.t, LR: o.lr, M: o.m, V: o.v})
}

// Load restores optimizer state written by Save.
func (o *AdamW) Load(path string) error {
	var s adamWState
	if err := readGob(path, &s); err != nil {
		return err
	}
	o.t, o.lr, o.m, o.v = s.T, s.LR, s.M, s.V
	return nil
}

// SGD implements plain stochastic gradient descent.
type SGD struct {
	groups []ParamGroup
	lr     float64
}

// NewSGD builds an SGD optimizer over groups.
func NewSGD(groups []ParamGroup, lr float64) *SGD {
	return &SGD{groups: groups, lr: lr}
}

// Step applies one parameter update from the accumulated gradients.
func (o *SGD) Step() {
	lr := float32(o.lr)
	for _, g := range o.groups {
		for _, p := range g.Params {
			for i := range p.Data {
				p.Data[i] -= lr * (p.Grad[i] + g.WeightDecay*p.Data[i])
			}
		}
	}
}

// ZeroGrad clears the accumulated gradients.
func (o *SGD) ZeroGrad() { zeroGrads(o.groups) }

// LR returns the current learning rate.
func (o *SGD) LR() float64 { return o.lr }

// SetLR replaces the learning rate; used by the schedule.
func (o *SGD) SetLR(lr float64) { o.lr = lr }

type sgdState struct{ LR float64 }

// Save writes the optimizer state to path.
func (o *SGD) Save(path string) error { return writeGob(path, sgdState{LR: o.lr}) }

// Load restores optimizer state written by Save.
func (o *SGD) Load(path string) error {
	var s sgdState
	if err := readGob(path, &s); err != nil {
		return err
	}
	o.lr = s.LR
	return nil
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return nil
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
