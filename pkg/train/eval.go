package train

import (
	"math"

	"github.com/bkkaggle/lm-finetuning/pkg/data"
	"github.com/bkkaggle/lm-finetuning/pkg/model"
	"github.com/bkkaggle/lm-finetuning/pkg/sample"
	"github.com/bkkaggle/lm-finetuning/pkg/tokenizer"
)

// Summary reports the metrics of a standalone evaluation pass.
type Summary struct {
	Loss               float64
	Perplexity         float64
	AdjustedPerplexity float64
	Samples            []string
}

// Evaluate runs a forward-only pass over the validation set, generates
// qualitative samples from prompt, and logs the resulting metrics.
func Evaluate(m model.CausalLM, tok tokenizer.Tokenizer, val *data.TextDataset, batchSize int, prompt string, scfg sample.Config, rc *RunContext) (Summary, error) {
	padID, _ := tok.PadID()
	loss, err := meanLoss(m, val.Batches(batchSize, padID))
	if err != nil {
		return Summary{}, err
	}
	if prompt == "" {
		prompt = " "
	}
	texts, err := sample.Sample(prompt, m, tok, scfg)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Loss:               loss,
		Perplexity:         math.Exp(loss),
		AdjustedPerplexity: math.Exp(loss * val.AdjustmentFactor()),
		Samples:            texts,
	}
	rc.LogScalars(0, map[string]float64{
		"val_loss":                s.Loss,
		"val_perplexity":          s.Perplexity,
		"adjusted_val_perplexity": s.AdjustedPerplexity,
	})
	for _, text := range texts {
		rc.AddSample(0, 0, text)
	}
	rc.Logger.Info("evaluation finished",
		"valLoss", s.Loss,
		"adjustedValPerplexity", s.AdjustedPerplexity)
	return s, nil
}
