package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/covenhq/coven/internal/session"
)

var (
	flagRunPrompt string
	flagRunResume string
)

var runCmd = &cobra.Command{
	Use:   "run [-- agent-args...]",
	Short: "Run a single ad hoc agent session against the current worktree",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, passthrough := splitPassthrough(cmd, args)
		repo, err := repoPath()
		if err != nil {
			return err
		}
		cfg := session.Config{
			AgentCommand: flagAgentCommand,
			ExtraArgs:    passthrough,
			Prompt:       flagRunPrompt,
			Resume:       flagRunResume,
			WorkingDir:   repo,
		}
		r, err := session.Spawn(cfg)
		if err != nil {
			return fmt.Errorf("spawning session: %w", err)
		}
		loop := session.NewEventLoop(r, session.Features{})
		outcome := loop.Run(cmd.Context())
		if outcome.Err != nil {
			return fmt.Errorf("session: %w", outcome.Err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), outcome.ResultText)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&flagRunPrompt, "prompt", "", "initial prompt to send")
	runCmd.Flags().StringVar(&flagRunResume, "resume", "", "resume an existing session id")
	rootCmd.AddCommand(runCmd)
}
