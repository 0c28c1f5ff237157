package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"maia/internal/domain/prompt"
)

// NewTemplatesCmd 模板相关子命令
func NewTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect prompt templates",
	}
	cmd.AddCommand(newTemplatesCheckCmd())
	return cmd
}

func newTemplatesCheckCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "check [--dir prompts]",
		Short: "Load and validate every template in the prompts directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = getConfig(cmd.Context()).Prompter.PromptsDir
			}
			store, err := prompt.Load(dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range store.Names() {
				tmpl, _ := store.Get(name)
				examples := "no examples"
				if ex := store.Examples(name, 0); ex != "" {
					examples = "with examples"
				}
				vars := "-"
				if ph := tmpl.Placeholders(); len(ph) > 0 {
					vars = "{" + strings.Join(ph, "} {") + "}"
				}
				fmt.Fprintf(out, "%-14s %s (%s)\n", name, vars, examples)
			}
			fmt.Fprintf(out, "ok: %d templates in %s\n", len(store.Names()), dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "prompts directory (defaults to PROMPTS_DIR)")
	return cmd
}
