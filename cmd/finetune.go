package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bkkaggle/lm-finetuning/pkg/train"
)

// NewFinetuneCommand returns a new finetune command.
func NewFinetuneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Fine-tune a model on a text corpus",
		Long: `
Fine-tune a causal language model on the training corpus, evaluating on
the validation split at each epoch end. Training resumes from a
checkpoint-N directory when --checkpoint names one.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, tok, err := loadModelAndTokenizer(&RootArgs)
			if err != nil {
				return err
			}
			trainDS, err := buildDataset("train", RootArgs.trainPath, tok, RootArgs.datasetConfig())
			if err != nil {
				return err
			}
			valDS, err := buildDataset("val", RootArgs.valPath, tok, RootArgs.datasetConfig())
			if err != nil {
				return err
			}

			rc, err := train.NewRunContext(RootArgs.runDir)
			if err != nil {
				return err
			}
			defer rc.Close()

			if RootArgs.evalOnly {
				_, err := train.Evaluate(m, tok, valDS, RootArgs.batchSize, " ", RootArgs.samplingConfig(), rc)
				return err
			}

			t, err := train.New(train.Config{
				SaveDir:        RootArgs.saveDir,
				Checkpoint:     RootArgs.checkpoint,
				Optimizer:      RootArgs.optimizer,
				LR:             RootArgs.lr,
				BatchSize:      RootArgs.batchSize,
				GradAccumSteps: RootArgs.gradSteps,
				Epochs:         RootArgs.epochs,
				LRSchedule:     RootArgs.lrSchedule,
				Accelerator:    RootArgs.accelerator,
				FP16:           RootArgs.fp16,
				LoggingSteps:   RootArgs.loggingSteps,
				HistSteps:      RootArgs.histSteps,
				SaveSteps:      RootArgs.saveSteps,
				Sampling:       RootArgs.samplingConfig(),
			}, m, tok, trainDS, valDS, rc)
			if err != nil {
				return err
			}
			return t.Run()
		},
	}
	return cmd
}
