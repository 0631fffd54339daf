// Command coachctl is the operator CLI: question-bank inspection and
// validation without starting the gateway.
package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/speaklab/voicecoach/pkg/core/question"
	"github.com/speaklab/voicecoach/pkg/core/state"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coachctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coachctl",
		Short:         "Operator tooling for the voicecoach gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newQuestionsCmd())
	return root
}

func newQuestionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Inspect and validate question banks",
	}
	cmd.AddCommand(newQuestionsValidateCmd(), newQuestionsListCmd())
	return cmd
}

func newQuestionsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bank.yaml>",
		Short: "Validate a question bank file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file question.BankFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if err := question.ValidateBank(file); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			bank, err := question.NewBank(file, state.NewMemoryStore())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d questions)\n", args[0], bank.Len())
			return nil
		},
	}
}

func newQuestionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <bank.yaml>",
		Short: "List the questions of a bank in practice order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bank, err := question.LoadBank(args[0], state.NewMemoryStore())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bank: %s\n", bank.Name())
			for i, q := range bank.All() {
				fmt.Fprintf(out, "%3d. [%s] %s\n", i+1, q.Group, q.Text)
			}
			return nil
		},
	}
}
