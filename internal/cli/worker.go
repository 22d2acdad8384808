package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/covenhq/coven/internal/worker"
	"github.com/covenhq/coven/internal/workerstate"
	"github.com/covenhq/coven/internal/worktree"
)

var (
	flagWorkerBranch        string
	flagWorkerBase          string
	flagWorkerAgentsDir     string
	flagWorkerBreakTag      string
	flagWorkerMaxIterations int
	flagWorkerFork          bool
	flagWorkerReload        bool
)

var workerCmd = &cobra.Command{
	Use:   "worker [-- agent-args...]",
	Short: "Spawn a new worktree and run the worker loop on it",
	Long: "worker creates a fresh git worktree and branch (spec.md §4.1\n" +
		"Spawn), registers it in the worker-state store, and drives it\n" +
		"through the dispatch/agent/land loop (spec.md §4.8) until a break\n" +
		"tag fires, --max-iterations is reached, or it is interrupted. The\n" +
		"worktree is left in place on exit for later inspection or\n" +
		"`coven gc`; its registration is removed on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, passthrough := splitPassthrough(cmd, args)
		repo, err := repoPath()
		if err != nil {
			return err
		}
		base := flagWorkerBase
		if base == "" {
			base = os.TempDir()
		}

		spawned, err := worktree.Spawn(worktree.SpawnOptions{
			RepoPath: repo,
			Branch:   flagWorkerBranch,
			BasePath: base,
		})
		if err != nil {
			return fmt.Errorf("spawning worktree: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "worktree %s on branch %s\n", spawned.WorktreePath, spawned.Branch)

		if err := workerstate.Register(spawned.WorktreePath, spawned.Branch, "", nil, ""); err != nil {
			return fmt.Errorf("registering worker: %w", err)
		}
		defer func() { _ = workerstate.Deregister(spawned.WorktreePath, spawned.Branch) }()

		loop, err := worker.New(worker.Config{
			WorktreePath:  spawned.WorktreePath,
			Branch:        spawned.Branch,
			AgentCommand:  flagAgentCommand,
			AgentsDir:     flagWorkerAgentsDir,
			ExtraArgs:     passthrough,
			BreakTag:      flagWorkerBreakTag,
			ForkEnabled:   flagWorkerFork,
			ReloadEnabled: flagWorkerReload,
			MaxIterations: flagWorkerMaxIterations,
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
	workerCmd.Flags().StringVar(&flagWorkerBranch, "branch", "", "branch name to create (random adjective-noun-number if empty)")
	workerCmd.Flags().StringVar(&flagWorkerBase, "base", "", "directory under which the worktree is created (defaults to the OS temp dir)")
	workerCmd.Flags().StringVar(&flagWorkerAgentsDir, "agents-dir", "", "agent catalog directory (defaults to <worktree>/.coven/agents)")
	workerCmd.Flags().StringVar(&flagWorkerBreakTag, "break-tag", "done", "tag name that ends the loop when seen in a final response")
	workerCmd.Flags().IntVar(&flagWorkerMaxIterations, "max-iterations", 0, "stop after this many dispatch iterations (0 means unlimited)")
	workerCmd.Flags().BoolVar(&flagWorkerFork, "fork", true, "allow agents to fork into parallel sub-sessions")
	workerCmd.Flags().BoolVar(&flagWorkerReload, "reload", true, "allow agents to request a tool-definition reload")
	rootCmd.AddCommand(workerCmd)
}
