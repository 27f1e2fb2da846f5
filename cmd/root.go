// Package cmd contains the root command for the lm-finetuning CLI.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/bkkaggle/lm-finetuning/pkg/data"
	"github.com/bkkaggle/lm-finetuning/pkg/model"
	"github.com/bkkaggle/lm-finetuning/pkg/sample"
	"github.com/bkkaggle/lm-finetuning/pkg/tokenizer"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	trainPath string
	valPath   string
	saveDir   string
	runDir    string

	seqLen    int
	nTokens   int
	nBatches  int
	fast      bool
	efficient bool

	modelType  string
	checkpoint string

	optimizer  string
	lr         float64
	batchSize  int
	gradSteps  int
	epochs     int
	lrSchedule bool
	evalOnly   bool

	accelerator string
	fp16        bool

	loggingSteps int
	histSteps    int
	saveSteps    int

	nSamples          int
	sampleLen         int
	temperature       float64
	topK              int
	topP              float64
	repetitionPenalty float64
	seed              int64

	debug bool
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lm-finetuning",
	Short: "Fine-tune and sample from causal language models",
	Long: `
Fine-tune a causal language model on a text corpus, evaluate it on a
held-out split, and generate samples from it.
	`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if RootArgs.debug {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()

	f.StringVar(&RootArgs.trainPath, "train_path", "./data/train.txt", "Training corpus file or directory of *.txt files")
	f.StringVar(&RootArgs.valPath, "val_path", "./data/val.txt", "Validation corpus file or directory of *.txt files")
	f.StringVar(&RootArgs.saveDir, "save_dir", "./checkpoints", "Directory for checkpoints and the final model")
	f.StringVar(&RootArgs.runDir, "run_dir", "", "Run directory for logs and metrics (default runs/<timestamp>)")

	f.IntVar(&RootArgs.seqLen, "seq_len", 256, "Block length in tokens")
	f.IntVar(&RootArgs.nTokens, "n_tokens", -1, "Cap on tokens taken per text unit, -1 for unlimited")
	f.IntVar(&RootArgs.nBatches, "n_batches", -1, "Cap on blocks produced per file, -1 for unlimited")
	f.BoolVar(&RootArgs.fast, "fast", false, "Batch-encode lines in one tokenizer call")
	f.BoolVar(&RootArgs.efficient, "efficient", false, "Read the corpus line by line")

	f.StringVar(&RootArgs.modelType, "model_type", "gpt2", fmt.Sprintf("Model family, one of %v", model.Families()))
	f.StringVar(&RootArgs.checkpoint, "checkpoint", "", "Pretrained model directory or checkpoint-N directory to resume from")

	f.StringVar(&RootArgs.optimizer, "optimizer", "AdamW", "Optimizer, AdamW or SGD")
	f.Float64Var(&RootArgs.lr, "lr", 5e-5, "Peak learning rate")
	f.IntVar(&RootArgs.batchSize, "batch_size", 4, "Micro-batch size")
	f.IntVar(&RootArgs.gradSteps, "grad_steps", 1, "Gradient accumulation steps per optimizer update")
	f.IntVar(&RootArgs.epochs, "epochs", 1, "Number of epochs to train")
	f.BoolVar(&RootArgs.lrSchedule, "lr_schedule", false, "Linear warmup then linear decay of the learning rate")
	f.BoolVar(&RootArgs.evalOnly, "eval_only", false, "Skip training and only evaluate")

	f.StringVar(&RootArgs.accelerator, "accelerator", "CPU", "Accelerator kind: CPU, GPU or TPU")
	f.BoolVar(&RootArgs.fp16, "fp16", false, "Scale the loss as for mixed-precision training")

	f.IntVar(&RootArgs.loggingSteps, "logging_steps", 10, "Optimizer updates between scalar logs")
	f.IntVar(&RootArgs.histSteps, "hist_steps", 100, "Optimizer updates between gradient histograms")
	f.IntVar(&RootArgs.saveSteps, "save_steps", 100, "Optimizer updates between checkpoints")

	f.IntVar(&RootArgs.nSamples, "n_samples", 1, "Samples to generate per evaluation")
	f.IntVar(&RootArgs.sampleLen, "sample_len", 256, "Tokens to generate per sample")
	f.Float64Var(&RootArgs.temperature, "temperature", 1.0, "Sampling temperature, 0 for greedy decoding")
	f.IntVar(&RootArgs.topK, "top_k", 0, "Keep only the k highest logits, 0 to disable")
	f.Float64Var(&RootArgs.topP, "top_p", 0, "Nucleus filtering threshold, 0 to disable")
	f.Float64Var(&RootArgs.repetitionPenalty, "repetition_penalty", 1.0, "Divide logits of already-generated tokens")
	f.Int64Var(&RootArgs.seed, "seed", 0, "Sampling seed, 0 for random")

	f.BoolVar(&RootArgs.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewFinetuneCommand())
	rootCmd.AddCommand(NewEvalCommand())
}

// samplingConfig collects the sampling flags into a sample.Config.
func (a *rootArgs) samplingConfig() sample.Config {
	return sample.Config{
		NSamples:          a.nSamples,
		SampleLen:         a.sampleLen,
		Temperature:       a.temperature,
		TopK:              a.topK,
		TopP:              a.topP,
		RepetitionPenalty: a.repetitionPenalty,
		Seed:              a.seed,
	}
}

// datasetConfig collects the windowing flags into a data.Config.
func (a *rootArgs) datasetConfig() data.Config {
	return data.Config{
		SeqLen:    a.seqLen,
		NTokens:   a.nTokens,
		NBatches:  a.nBatches,
		Fast:      a.fast,
		Efficient: a.efficient,
	}
}

// loadModelAndTokenizer restores both from the checkpoint path, or builds a
// fresh randomly initialized byte-level model when no checkpoint is given.
func loadModelAndTokenizer(a *rootArgs) (model.CausalLM, tokenizer.Tokenizer, error) {
	if a.checkpoint != "" {
		m, err := model.Load(a.checkpoint, a.modelType)
		if err != nil {
			return nil, nil, fmt.Errorf("load model: %w", err)
		}
		tok, err := tokenizer.Load(a.checkpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("load tokenizer: %w", err)
		}
		return m, tok, nil
	}

	tok := tokenizer.NewByteLevel()
	m, err := model.New(a.modelType, model.Config{
		MaxSeqLen: 1024,
		VocabSize: tok.VocabSize(),
		NumLayers: 4,
		NumHeads:  4,
		Channels:  128,
		EOT:       tok.EOT(),
	})
	if err != nil {
		return nil, nil, err
	}
	if g, ok := m.(*model.GPT); ok {
		seed := a.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		g.Randomize(seed)
	}
	return m, tok, nil
}

// buildDataset loads one split and reports its size.
func buildDataset(name, path string, tok tokenizer.Tokenizer, cfg data.Config) (*data.TextDataset, error) {
	start := time.Now()
	ds, err := data.NewTextDataset(path, tok, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("built dataset",
		"split", name,
		"blocks", ds.Len(),
		"rawTokens", ds.RawTokens(),
		"producedTokens", ds.ProducedTokens(),
		"took", time.Since(start))
	return ds, nil
}
