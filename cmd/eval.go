package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bkkaggle/lm-finetuning/pkg/train"
)

// NewEvalCommand returns a new eval command.
func NewEvalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a model on the validation split",
		Long: `
Run a forward-only pass over the validation corpus, report loss and
length-adjusted perplexity, and generate qualitative samples.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, tok, err := loadModelAndTokenizer(&RootArgs)
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

			_, err = train.Evaluate(m, tok, valDS, RootArgs.batchSize, " ", RootArgs.samplingConfig(), rc)
			return err
		},
	}
	return cmd
}
