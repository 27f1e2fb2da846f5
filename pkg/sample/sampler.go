// Package sample generates text from a causal language model under
// configurable filtering and penalty rules.
package sample

import (
	"math"
	"math/rand"
	"sort"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/floats"

	"github.com/bkkaggle/lm-finetuning/pkg/model"
	"github.com/bkkaggle/lm-finetuning/pkg/tokenizer"
)

// Config controls sampling behavior.
type Config struct {
	// NSamples is how many sequences to generate.
	NSamples int
	// SampleLen is how many tokens each sequence grows beyond the prompt.
	SampleLen int
	// Temperature scales logits; zero selects greedy decoding.
	Temperature float64
	// TopK, when positive, keeps only the k highest logits.
	TopK int
	// TopP, when positive, keeps the smallest set of tokens whose
	// cumulative probability reaches the threshold.
	TopP float64
	// RepetitionPenalty divides the logits of already-generated tokens;
	// 1.0 disables the penalty.
	RepetitionPenalty float64
	// Seed fixes the random source; zero seeds from the default source.
	Seed int64
}

// state tracks one in-flight sample: the token sequence grown so far, the
// cached model state, and the distinct ids already generated (the repetition
// penalty set). It is owned by a single Sample call.
type state struct {
	tokens []int32
	past   *model.Cache
	seen   map[int32]struct{}
}

func (s *state) push(id int32) {
	s.tokens = append(s.tokens, id)
	s.seen[id] = struct{}{}
}

// Sample generates cfg.NSamples sequences of up to cfg.SampleLen tokens each,
// decoded back to text. Samples are independent; the prompt seeds each one.
func Sample(prompt string, m model.CausalLM, tok tokenizer.Tokenizer, cfg Config) ([]string, error) {
	promptIDs, err := tok.Encode(prompt)
	if err != nil {
		return nil, err
	}
	if len(promptIDs) == 0 {
		promptIDs = []int32{m.EOT()}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))

	out := make([]string, 0, cfg.NSamples)
	for n := 0; n < cfg.NSamples; n++ {
		s := &state{
			tokens: append([]int32(nil), promptIDs...),
			seen:   map[int32]struct{}{},
		}
		for _, id := range promptIDs {
			s.seen[id] = struct{}{}
		}

		// Prime the cache with the whole prompt; afterwards only the
		// newest token is fed per step.
		logits, past, err := m.Forward(s.tokens, nil)
		if err != nil {
			return nil, err
		}
		s.past = past

		for step := 0; step < cfg.SampleLen; step++ {
			next := chooseNext(logits, s, cfg, rng)
			s.push(next)
			logits, s.past, err = m.Forward([]int32{next}, s.past)
			if err != nil {
				return nil, err
			}
		}
		text, err := tok.Decode(s.tokens)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	log.Debug("sampling finished", "samples", len(out), "seed", seed)
	return out, nil
}

// chooseNext applies temperature, repetition penalty and top-k/top-p
// filtering to a fresh copy of the logits, then picks the next token.
func chooseNext(logits []float32, s *state, cfg Config, rng *rand.Rand) int32 {
	scores := make([]float64, len(logits))
	for i, v := range logits {
		scores[i] = float64(v)
	}
	if cfg.Temperature > 0 {
		floats.Scale(1.0/cfg.Temperature, scores)
	}
	if cfg.RepetitionPenalty != 0 && cfg.RepetitionPenalty != 1.0 {
		// Division is applied to negative logits too, which pulls them
		// toward zero instead of suppressing them further. Kept as-is;
		// see DESIGN.md.
		for id := range s.seen {
			scores[id] /= cfg.RepetitionPenalty
		}
	}
	TopKTopPFilter(scores, cfg.TopK, cfg.TopP)

	if cfg.Temperature == 0 {
		return int32(floats.MaxIdx(scores))
	}
	probs := softmax(scores)
	floats.CumSum(probs, probs)
	coin := rng.Float64()
	for i, cdf := range probs {
		if coin < cdf {
			return int32(i)
		}
	}
	return int32(len(probs) - 1)
}

// TopKTopPFilter masks logits in place. Top-k keeps the k highest logits
// (ties at the boundary survive); nucleus filtering then keeps the smallest
// set of remaining tokens whose cumulative probability exceeds topP, always
// retaining at least the most probable token. Masked entries become -Inf.
func TopKTopPFilter(logits []float64, topK int, topP float64) {
	negInf := math.Inf(-1)
	if topK > 0 {
		if topK > len(logits) {
			topK = len(logits)
		}
		sorted := append([]float64(nil), logits...)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
		kth := sorted[topK-1]
		for i, v := range logits {
			if v < kth {
				logits[i] = negInf
			}
		}
	}
	if topP > 0 {
		order := make([]int, len(logits))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return logits[order[a]] > logits[order[b]]
		})
		sortedLogits := make([]float64, len(logits))
		for i, idx := range order {
			sortedLogits[i] = logits[idx]
		}
		cum := softmax(sortedLogits)
		floats.CumSum(cum, cum)

		remove := make([]bool, len(cum))
		for i, c := range cum {
			remove[i] = c > topP
		}
		// Shift right so the first token crossing the threshold is kept.
		copy(remove[1:], remove[:len(remove)-1])
		remove[0] = false

		for i, r := range remove {
			if r {
				logits[order[i]] = negInf
			}
		}
	}
}

// softmax returns the probability distribution of logits; -Inf entries get
// probability zero.
func softmax(logits []float64) []float64 {
	probs := make([]float64, len(logits))
	max := floats.Max(logits)
	if math.IsInf(max, -1) {
		// Everything masked; fall back to uniform.
		for i := range probs {
			probs[i] = 1.0 / float64(len(probs))
		}
		return probs
	}
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - max)
		sum += probs[i]
	}
	floats.Scale(1.0/sum, probs)
	return probs
}
