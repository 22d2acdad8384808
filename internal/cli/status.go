package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/covenhq/coven/internal/workerstate"
)

var (
	flagStatusFollow   bool
	flagStatusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List active workers across worktrees",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoPath()
		if err != nil {
			return err
		}
		if !flagStatusFollow {
			return printStatus(cmd, repo)
		}
		return followStatus(cmd, repo)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusFollow, "follow", false, "redraw the listing on an interval instead of printing once")
	statusCmd.Flags().DurationVar(&flagStatusInterval, "interval", 2*time.Second, "redraw interval when --follow is set")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(cmd *cobra.Command, repo string) error {
	states, err := workerstate.ReadAll(repo)
	if err != nil {
		return fmt.Errorf("reading worker state: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), workerstate.FormatStatus(states, "", workerstate.StyleCLI))
	return nil
}

// followStatus redraws the listing on flagStatusInterval, clearing the
// terminal between draws, until the command is interrupted.
func followStatus(cmd *cobra.Command, repo string) error {
	ctx := cmd.Context()
	ticker := time.NewTicker(flagStatusInterval)
	defer ticker.Stop()

	draw := func() error {
		fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
		return printStatus(cmd, repo)
	}
	if err := draw(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := draw(); err != nil {
				return err
			}
		}
	}
}
