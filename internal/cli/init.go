package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

// errInitNotImplemented is returned by `coven init`, which scaffolds a new
// project's .coven/ directory — out of scope for this build (spec.md §1
// Non-goals). The subcommand is kept so the CLI surface named in spec.md
// §6 is complete.
var errInitNotImplemented = errors.New("init: project scaffolding is not implemented in this build")

var initCmd = &cobra.Command{
	Use:    "init",
	Short:  "Scaffold a new coven project (not implemented)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return errInitNotImplemented
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
