package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/covenhq/coven/internal/workerstate"
	"github.com/covenhq/coven/internal/worktree"
)

var flagGCForce bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove worktrees with no registered worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoPath()
		if err != nil {
			return err
		}
		return runGC(cmd, repo)
	},
}

func init() {
	gcCmd.Flags().BoolVar(&flagGCForce, "force", false, "remove even worktrees with uncommitted changes")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, repo string) error {
	entries, err := worktree.List(repo)
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}
	states, err := workerstate.ReadAll(repo)
	if err != nil {
		return fmt.Errorf("reading worker state: %w", err)
	}
	live := make(map[string]bool, len(states))
	for _, s := range states {
		live[s.Branch] = true
	}

	var removed int
	for _, e := range entries {
		if e.IsMain || e.Detached || live[e.Branch] {
			continue
		}
		if err := worktree.Remove(repo, e.Path, flagGCForce); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "coven gc: skipping %s: %v\n", e.Path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", e.Path, e.Branch)
		removed++
	}
	if removed == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to remove")
	}
	return nil
}
