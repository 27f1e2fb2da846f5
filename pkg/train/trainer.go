package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/bkkaggle/lm-finetuning/pkg/data"
	"github.com/bkkaggle/lm-finetuning/pkg/model"
	"github.com/bkkaggle/lm-finetuning/pkg/optim"
	"github.com/bkkaggle/lm-finetuning/pkg/sample"
	"github.com/bkkaggle/lm-finetuning/pkg/tokenizer"
)

const histogramBins = 64

// Config holds every trainer knob.
type Config struct {
	// SaveDir receives checkpoints and the final model.
	SaveDir string
	// Checkpoint is the model/tokenizer source. When it names a
	// checkpoint-N directory, training resumes from global step N.
	Checkpoint string

	Optimizer      string // "AdamW" or "SGD"
	LR             float64
	BatchSize      int
	GradAccumSteps int
	Epochs         int
	LRSchedule     bool

	Accelerator string
	FP16        bool

	// Cadences, all in completed optimizer updates.
	LoggingSteps int
	HistSteps    int
	SaveSteps    int

	// Prompt seeds the qualitative sample generated at each epoch end.
	Prompt   string
	Sampling sample.Config
}

func (c *Config) validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be positive, got %d", ErrConfig, c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfig, c.BatchSize)
	case c.GradAccumSteps <= 0:
		return fmt.Errorf("%w: grad accumulation steps must be positive, got %d", ErrConfig, c.GradAccumSteps)
	case c.LoggingSteps <= 0 || c.HistSteps <= 0 || c.SaveSteps <= 0:
		return fmt.Errorf("%w: logging, histogram and save cadences must be positive", ErrConfig)
	}
	switch c.Optimizer {
	case "", "AdamW", "SGD":
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrConfig, c.Optimizer)
	}
	return nil
}

// noDecayPatterns matches parameters conventionally exempt from weight decay:
// biases and layer-normalization weights.
var noDecayPatterns = []string{"bias", "layernorm"}

// ParamGroups partitions parameters into a decayed and a non-decayed group.
// Both groups currently carry a weight decay of 0.0, so decay is disabled
// regardless of the split; the grouping is preserved for comparability with
// earlier runs (see DESIGN.md before changing either value).
func ParamGroups(params []model.Parameter) []optim.ParamGroup {
	isNoDecay := func(name string) bool {
		for _, pattern := range noDecayPatterns {
			if strings.Contains(name, pattern) {
				return true
			}
		}
		return false
	}
	var decay, noDecay []model.Parameter
	for _, p := range params {
		if isNoDecay(p.Name) {
			noDecay = append(noDecay, p)
		} else {
			decay = append(decay, p)
		}
	}
	return []optim.ParamGroup{
		{Params: decay, WeightDecay: 0.0},
		{Params: noDecay, WeightDecay: 0.0},
	}
}

// Trainer runs the fine-tuning loop over a model and two datasets.
type Trainer struct {
	cfg Config
	m   model.CausalLM
	tok tokenizer.Tokenizer
	rc  *RunContext

	train *data.TextDataset
	val   *data.TextDataset

	groups []optim.ParamGroup
	opt    optim.Optimizer
	sched  *optim.LinearSchedule
	gs     GradientStep

	trainBatches []data.Batch
	valBatches   []data.Batch
	progress     Progress
}

// New wires a trainer: optimizer over the grouped parameters, optional
// schedule, gradient-step strategy, and resumption state from cfg.Checkpoint.
func New(cfg Config, m model.CausalLM, tok tokenizer.Tokenizer, trainDS, valDS *data.TextDataset, rc *RunContext) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Prompt == "" {
		cfg.Prompt = " "
	}
	padID, _ := tok.PadID()
	t := &Trainer{
		cfg:          cfg,
		m:            m,
		tok:          tok,
		rc:           rc,
		train:        trainDS,
		val:          valDS,
		trainBatches: trainDS.Batches(cfg.BatchSize, padID),
		valBatches:   valDS.Batches(cfg.BatchSize, padID),
		gs:           NewGradientStep(cfg.Accelerator, cfg.FP16),
	}
	if len(t.trainBatches) < cfg.GradAccumSteps {
		return nil, fmt.Errorf("%w: %d train batches cannot fill one accumulation window of %d",
			ErrConfig, len(t.trainBatches), cfg.GradAccumSteps)
	}

	t.groups = ParamGroups(m.NamedParameters())
	switch cfg.Optimizer {
	case "", "AdamW":
		t.opt = optim.NewAdamW(t.groups, cfg.LR)
	case "SGD":
		t.opt = optim.NewSGD(t.groups, cfg.LR)
	}
	totalSteps := len(t.trainBatches) / cfg.GradAccumSteps * cfg.Epochs
	if cfg.LRSchedule {
		t.sched = optim.NewLinearSchedule(t.opt, totalSteps/10, totalSteps)
	}
	if err := t.resume(); err != nil {
		return nil, err
	}
	return t, nil
}

// resume restores optimizer/scheduler state and epoch position when the
// checkpoint path is a previously saved checkpoint directory.
func (t *Trainer) resume() error {
	if t.cfg.Checkpoint == "" {
		return nil
	}
	info, err := os.Stat(t.cfg.Checkpoint)
	if err != nil || !info.IsDir() {
		return nil // a weights file or pretrained source, not a resume dir
	}
	optPath := filepath.Join(t.cfg.Checkpoint, "optimizer.pt")
	if _, err := os.Stat(optPath); err == nil {
		t.rc.Logger.Info("loading optimizer state", "path", optPath)
		if err := t.opt.Load(optPath); err != nil {
			return err
		}
	}
	if t.sched != nil {
		schedPath := filepath.Join(t.cfg.Checkpoint, "scheduler.pt")
		if _, err := os.Stat(schedPath); err == nil {
			if err := t.sched.Load(schedPath); err != nil {
				return err
			}
		}
	}
	t.progress, err = ProgressFromCheckpoint(t.cfg.Checkpoint, len(t.trainBatches), t.cfg.GradAccumSteps)
	if err != nil {
		return err
	}
	if t.progress.GlobalStep > 0 {
		t.rc.Logger.Info("resuming",
			"globalStep", t.progress.GlobalStep,
			"epochsTrained", t.progress.EpochsTrained,
			"skipBatches", t.progress.StepsTrainedInCurrentEpoch)
	}
	return nil
}

// Progress returns the trainer's resumption state.
func (t *Trainer) Progress() Progress { return t.progress }

// Run executes the epoch loop until cfg.Epochs epochs have completed, then
// saves the final state unconditionally.
func (t *Trainer) Run() error {
	globalStep := t.progress.GlobalStep
	skip := t.progress.StepsTrainedInCurrentEpoch
	seed := t.gs.ScaleLoss(1.0 / float32(t.cfg.GradAccumSteps))

	for epoch := t.progress.EpochsTrained; epoch < t.cfg.Epochs; epoch++ {
		t.rc.Logger.Info("epoch", "epoch", epoch)

		var trainLoss float64
		var lastLoss float64
		seen := 0
		for i, batch := range t.trainBatches {
			if skip > 0 {
				// Already counted in the checkpoint's global step.
				skip--
				continue
			}
			loss, err := t.m.ForwardWithLabels(batch.Tokens, batch.Tokens, batch.B, batch.T)
			if err != nil {
				return err
			}
			scaled := float64(loss) / float64(t.cfg.GradAccumSteps)
			trainLoss += scaled
			lastLoss = scaled
			seen++
			if err := t.m.Backward(seed); err != nil {
				return err
			}

			if (i+1)%t.cfg.GradAccumSteps != 0 {
				continue
			}
			t.gs.ClipAndStep(t.groups, t.opt)
			if t.sched != nil {
				t.sched.Step()
			}
			if globalStep%t.cfg.LoggingSteps == 0 {
				t.rc.LogScalars(globalStep, map[string]float64{
					"train_loss":    lastLoss * float64(t.cfg.GradAccumSteps),
					"learning_rate": t.opt.LR(),
				})
				if globalStep%t.cfg.HistSteps == 0 {
					t.logGradientHistograms(globalStep)
				}
			}
			t.opt.ZeroGrad()
			globalStep++
			if globalStep%t.cfg.SaveSteps == 0 {
				if err := t.saveCheckpoint(globalStep); err != nil {
					return err
				}
			}
		}

		valLoss, err := meanLoss(t.m, t.valBatches)
		if err != nil {
			return err
		}
		if seen > 0 {
			trainLoss = trainLoss / float64(seen) * float64(t.cfg.GradAccumSteps)
		}

		texts, err := sample.Sample(t.cfg.Prompt, t.m, t.tok, t.cfg.Sampling)
		if err != nil {
			return err
		}
		joined := strings.Join(texts, "\n")
		t.rc.AddSample(globalStep, epoch, joined)

		metrics := map[string]float64{
			"train_epoch_loss":          trainLoss,
			"train_perplexity":          math.Exp(trainLoss),
			"adjusted_train_perplexity": math.Exp(trainLoss * t.train.AdjustmentFactor()),
			"val_epoch_loss":            valLoss,
			"val_perplexity":            math.Exp(valLoss),
			"adjusted_val_perplexity":   math.Exp(valLoss * t.val.AdjustmentFactor()),
		}
		t.rc.LogScalars(globalStep, metrics)
		t.rc.Logger.Info("finished epoch",
			"epoch", epoch,
			"trainLoss", trainLoss,
			"valLoss", valLoss,
			"adjustedValPerplexity", metrics["adjusted_val_perplexity"])
	}

	// Final state is persisted regardless of the save cadence.
	return t.saveInto(t.cfg.SaveDir)
}

func (t *Trainer) saveCheckpoint(globalStep int) error {
	dir := filepath.Join(t.cfg.SaveDir, fmt.Sprintf("checkpoint-%d", globalStep))
	t.rc.Logger.Info("saving checkpoint", "globalStep", globalStep, "dir", dir)
	return t.saveInto(dir)
}

func (t *Trainer) saveInto(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := t.m.Save(dir); err != nil {
		return err
	}
	if err := t.tok.Save(dir); err != nil {
		return err
	}
	if err := t.opt.Save(filepath.Join(dir, "optimizer.pt")); err != nil {
		return err
	}
	if t.sched != nil {
		if err := t.sched.Save(filepath.Join(dir, "scheduler.pt")); err != nil {
			return err
		}
	}
	return nil
}

// logGradientHistograms emits a per-parameter gradient histogram. A parameter
// whose histogram cannot be computed is skipped, never fatal.
func (t *Trainer) logGradientHistograms(globalStep int) {
	for _, g := range t.groups {
		for _, p := range g.Params {
			dividers, counts, err := gradientHistogram(p)
			if err != nil {
				t.rc.Logger.Debug("skipping gradient histogram", "param", p.Name, "err", err)
				continue
			}
			t.rc.LogHistogram(globalStep, "gradients/"+p.Name, dividers, counts)
		}
	}
}

// gradientHistogram buckets a parameter's gradient values into
// histogramBins equal-width bins.
func gradientHistogram(p model.Parameter) (dividers, counts []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("histogram: %v", r)
		}
	}()
	if len(p.Grad) == 0 {
		return nil, nil, fmt.Errorf("no gradient")
	}
	x := make([]float64, len(p.Grad))
	for i, v := range p.Grad {
		x[i] = float64(v)
	}
	sort.Float64s(x)
	lo, hi := x[0], x[len(x)-1]
	if math.IsNaN(lo) || math.IsInf(lo, 0) || math.IsNaN(hi) || math.IsInf(hi, 0) {
		return nil, nil, fmt.Errorf("non-finite gradient values")
	}
	if lo == hi {
		return nil, nil, fmt.Errorf("degenerate gradient range")
	}
	dividers = make([]float64, histogramBins+1)
	width := (hi - lo) / histogramBins
	for i := range dividers {
		dividers[i] = lo + float64(i)*width
	}
	// stat.Histogram requires max(x) < dividers[last].
	dividers[histogramBins] = math.Nextafter(hi, math.Inf(1))
	counts = stat.Histogram(nil, dividers, x, nil)
	return dividers, counts, nil
}

// meanLoss runs the forward-only path over batches and returns the mean loss.
func meanLoss(m model.CausalLM, batches []data.Batch) (float64, error) {
	if len(batches) == 0 {
		return 0, fmt.Errorf("%w: empty validation set", ErrConfig)
	}
	var total float64
	for _, b := range batches {
		loss, err := m.ForwardWithLabels(b.Tokens, b.Tokens, b.B, b.T)
		if err != nil {
			return 0, err
		}
		total += float64(loss)
	}
	return total / float64(len(batches)), nil
}
