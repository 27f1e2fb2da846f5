// Package model defines the causal language model capability consumed by the
// trainer and the sampler, and a CPU transformer implementing it.
package model

import (
	"fmt"
	"sort"
)

// Parameter is a named view into a model's trainable memory. Data and Grad
// alias the model's contiguous parameter and gradient buffers, so optimizer
// updates are visible to the model without copying.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// CausalLM maps a token sequence, and optionally a cached decode state, to
// next-token logits. Implementations expose trainable parameters and a
// gradient-accumulating backward pass.
type CausalLM interface {
	// Forward feeds tokens through the model, reusing past when non-nil,
	// and returns the logits for the position after the last token along
	// with the updated cache.
	Forward(tokens []int32, past *Cache) ([]float32, *Cache, error)
	// ForwardWithLabels runs a training forward pass over a rectangular
	// batch (flattened row-major) and returns the mean next-token loss.
	ForwardWithLabels(tokens, labels []int32, batch, seqLen int) (float32, error)
	// Backward accumulates parameter gradients of scale*loss from the most
	// recent ForwardWithLabels call.
	Backward(scale float32) error
	NamedParameters() []Parameter
	VocabSize() int
	EOT() int32
	Save(dir string) error
}

// Config describes a transformer's shape.
type Config struct {
	MaxSeqLen int
	VocabSize int
	NumLayers int
	NumHeads  int
	Channels  int
	EOT       int32
}

func (c Config) validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	case c.MaxSeqLen <= 0:
		return fmt.Errorf("max seq len must be positive, got %d", c.MaxSeqLen)
	case c.NumLayers <= 0:
		return fmt.Errorf("num layers must be positive, got %d", c.NumLayers)
	case c.Channels <= 0 || c.NumHeads <= 0 || c.Channels%c.NumHeads != 0:
		return fmt.Errorf("channels (%d) must be a positive multiple of heads (%d)", c.Channels, c.NumHeads)
	}
	return nil
}

// Factory builds a model variant from its configuration.
type Factory func(cfg Config) (CausalLM, error)

var registry = map[string]Factory{}

// Register makes a model family available to New.
func Register(name string, f Factory) {
	registry[name] = f
}

// Families lists the registered model families in order.
func Families() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a model of the given family.
func New(family string, cfg Config) (CausalLM, error) {
	f, ok := registry[family]
	if !ok {
		return nil, fmt.Errorf("unknown model family %q (have %v)", family, Families())
	}
	return f(cfg)
}

func init() {
	// Both families share the decoder-only transformer below; they differ
	// in tokenizer conventions, which live with the tokenizer.
	Register("gpt2", func(cfg Config) (CausalLM, error) { return newGPT("gpt2", cfg) })
	Register("ctrl", func(cfg Config) (CausalLM, error) { return newGPT("ctrl", cfg) })
}
