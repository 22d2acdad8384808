// Command coven orchestrates parallel agent workers across git
// worktrees. See internal/cli for the subcommand tree.
package main

import (
	"os"

	"github.com/covenhq/coven/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
