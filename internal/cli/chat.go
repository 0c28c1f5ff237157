package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"maia/internal/app/bootstrap"
	"maia/internal/domain/conversation"
)

type chatOptions struct {
	Participant string
	Arm         string
}

// NewChatCmd 交互式对话
func NewChatCmd(factory AppFactory) *cobra.Command {
	options := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [flags]",
		Short: "Chat with one study arm in the terminal",
		Example: `  # Talk to the memory-augmented arm
  maia chat --participant alice

  # Talk to the single-turn baseline
  maia chat --arm baseline`,
		RunE: func(cmd *cobra.Command, args []string) error {
			arm, err := conversation.ParseArm(options.Arm)
			if err != nil {
				return err
			}
			cfg := getConfig(cmd.Context())
			app, err := factory(cmd.Context(), cfg, bootstrap.Options{Arms: []conversation.Arm{arm}})
			if err != nil {
				return err
			}
			defer app.Close()

			r, err := app.Pipeline.Responder(cmd.Context(), options.Participant, arm)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "maia chat (%s, participant %s). Commands: :memory :reset :quit\n", arm, options.Participant)
			return runChat(cmd.Context(), r, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&options.Participant, "participant", "p", "local", "participant / conversation id")
	cmd.Flags().StringVar(&options.Arm, "arm", string(conversation.ArmAugmented), "study arm: baseline|augmented")
	return cmd
}

// runChat 逐行读取输入直到 EOF 或 :quit
func runChat(ctx context.Context, r conversation.Responder, in io.Reader, out io.Writer) error {
	aug, _ := r.(*conversation.AugmentedPrompter)

	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == ":quit" || line == ":q":
			return nil
		case line == ":memory":
			if aug == nil {
				fmt.Fprintln(out, "(baseline arm has no memory)")
				break
			}
			b, err := json.MarshalIndent(aug.Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
		case line == ":reset":
			if aug == nil {
				fmt.Fprintln(out, "(baseline arm has no memory)")
				break
			}
			if err := aug.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "(memory cleared)")
		default:
			reply := r.Respond(ctx, line)
			fmt.Fprintln(out, reply.Text)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, "> ")
	}
	return sc.Err()
}
