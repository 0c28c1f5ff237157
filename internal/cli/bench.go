package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"maia/internal/app/bench"
	"maia/internal/app/bootstrap"
	"maia/internal/app/study"
)

type benchOptions struct {
	Input       string
	Output      string
	Concurrency int
	Criterion   string
	KeepMemory  bool
}

// NewBenchCmd 多会话基准
func NewBenchCmd(factory AppFactory) *cobra.Command {
	options := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench --input dialogues.jsonl [flags]",
		Short: "Run the multi-session benchmark on both arms",
		Long: `Runs every dialogue in a JSONL file through both study arms. Each line is
{"id": "...", "persona": ["fact", ...], "sessions": [["utterance", ...], ...]}.
Persona facts are seeded into memory first; conversations are closed and reloaded
from storage between sessions. Every turn is stored as an unjudged pairwise judgment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(options.Input)
			if err != nil {
				return err
			}
			dialogues, err := bench.ReadDialogues(f)
			f.Close()
			if err != nil {
				return err
			}

			cfg := getConfig(cmd.Context())
			app, err := factory(cmd.Context(), cfg, bootstrap.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			runner := bench.NewRunner(app.Pipeline, app.Repository, bench.Config{
				Concurrency: options.Concurrency,
				Criterion:   options.Criterion,
				KeepMemory:  options.KeepMemory,
			})
			report := runner.Run(cmd.Context(), dialogues)

			out := cmd.OutOrStdout()
			if options.Output != "" {
				file, err := os.Create(options.Output)
				if err != nil {
					return err
				}
				defer file.Close()
				out = file
			}
			if err := writeReport(out, report); err != nil {
				return err
			}

			judgments, err := app.Repository.ListPairwise(cmd.Context(), study.Filter{})
			if err != nil {
				return err
			}
			tally := study.Tally(judgments)
			fmt.Fprintf(cmd.ErrOrStderr(), "dialogues=%d turns=%d pending=%d failed=%v unjudged_total=%d\n",
				len(report.Dialogues), report.Turns, report.Pending, report.Failed, tally.Unjudged)
			return nil
		},
	}

	cmd.Flags().StringVarP(&options.Input, "input", "i", "", "JSONL dialogue file")
	cmd.Flags().StringVarP(&options.Output, "output", "o", "", "write the JSON report to a file instead of stdout")
	cmd.Flags().IntVarP(&options.Concurrency, "concurrency", "c", 1, "dialogues run in parallel")
	cmd.Flags().StringVar(&options.Criterion, "criterion", bench.DefaultCriterion, "criterion stored on pending judgments")
	cmd.Flags().BoolVar(&options.KeepMemory, "keep-memory", false, "do not clear stored sessions before each dialogue")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func writeReport(w io.Writer, report *bench.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
