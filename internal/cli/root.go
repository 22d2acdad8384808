// Package cli implements the `coven` command-line tree: run, loop,
// worker, status, gc, init, schema, and version, rooted at a single
// cobra.Command.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/covenhq/coven/internal/git"
)

// version is set at build time via -ldflags; it defaults to "dev" for
// local builds.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "coven",
	Short:         "Orchestrate parallel Claude Code workers across git worktrees",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagRepo         string
	flagAgentCommand string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "repository path (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&flagAgentCommand, "agent-command", "claude", "agent CLI binary to spawn")
}

// Execute runs the command tree, printing any error to stderr and
// returning a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coven:", err)
		return 1
	}
	return 0
}

// repoPath resolves --repo, defaulting to the current working directory.
func repoPath() (string, error) {
	if flagRepo != "" {
		return flagRepo, nil
	}
	return os.Getwd()
}

// currentBranch resolves the branch checked out at repo, failing if HEAD
// is detached — a worker must own a named branch to land onto main.
func currentBranch(repo string) (string, error) {
	branch, err := git.CurrentBranch(repo)
	if err != nil {
		return "", err
	}
	if branch == "" {
		return "", fmt.Errorf("HEAD is detached; a worker requires a branch")
	}
	return branch, nil
}

// splitPassthrough separates a command's own args from the arguments
// following a "--" separator, which are passed through to the agent CLI
// verbatim (spec.md §6). Cobra/pflag strip the "--" token out of Args()
// itself before RunE runs, so the split point is found via
// cmd.ArgsLenAtDash() rather than by re-scanning Args() for a literal
// "--" (which pflag never leaves in there to find).
func splitPassthrough(cmd *cobra.Command, args []string) (own, passthrough []string) {
	if idx := cmd.ArgsLenAtDash(); idx >= 0 {
		return args[:idx], args[idx:]
	}
	return args, nil
}
