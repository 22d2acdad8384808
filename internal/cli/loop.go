package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/covenhq/coven/internal/worker"
)

var (
	flagLoopBranch        string
	flagLoopAgentsDir     string
	flagLoopBreakTag      string
	flagLoopMaxIterations int
	flagLoopFork          bool
	flagLoopReload        bool
)

var loopCmd = &cobra.Command{
	Use:   "loop [-- agent-args...]",
	Short: "Run the dispatch/agent/land iteration against the current worktree",
	Long: "loop drives the current directory's worktree through repeated\n" +
		"sync → dispatch → agent → land iterations (spec.md §4.8) until the\n" +
		"configured break tag appears in a final response, --max-iterations\n" +
		"is reached, or the process is interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, passthrough := splitPassthrough(cmd, args)
		repo, err := repoPath()
		if err != nil {
			return err
		}
		branch := flagLoopBranch
		if branch == "" {
			branch, err = currentBranch(repo)
			if err != nil {
				return err
			}
		}

		loop, err := worker.New(worker.Config{
			WorktreePath:  repo,
			Branch:        branch,
			AgentCommand:  flagAgentCommand,
			AgentsDir:     flagLoopAgentsDir,
			ExtraArgs:     passthrough,
			BreakTag:      flagLoopBreakTag,
			ForkEnabled:   flagLoopFork,
			ReloadEnabled: flagLoopReload,
			MaxIterations: flagLoopMaxIterations,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		brk, err := loop.Run(ctx)
		if err != nil {
			return fmt.Errorf("worker loop: %w", err)
		}
		if brk != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "stopped: %s\n", brk.Reason)
		}
		return nil
	},
}

func init() {
	loopCmd.Flags().StringVar(&flagLoopBranch, "branch", "", "branch this worker owns (defaults to the worktree's current branch)")
	loopCmd.Flags().StringVar(&flagLoopAgentsDir, "agents-dir", "", "agent catalog directory (defaults to <repo>/.coven/agents)")
	loopCmd.Flags().StringVar(&flagLoopBreakTag, "break-tag", "done", "tag name that ends the loop when seen in a final response")
	loopCmd.Flags().IntVar(&flagLoopMaxIterations, "max-iterations", 0, "stop after this many dispatch iterations (0 means unlimited)")
	loopCmd.Flags().BoolVar(&flagLoopFork, "fork", true, "allow agents to fork into parallel sub-sessions")
	loopCmd.Flags().BoolVar(&flagLoopReload, "reload", true, "allow agents to request a tool-definition reload")
	rootCmd.AddCommand(loopCmd)
}
