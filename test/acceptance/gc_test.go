package acceptance_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// This mirrors spec.md §8 scenario 6: an orphaned worktree (no registered
// worker) is removed by `coven gc`, while the repository's main worktree
// and any still-registered branch are left alone.
var _ = Describe("coven gc", func() {
	It("removes an orphaned worktree but leaves the main worktree in place", func() {
		repo := tempRepo()

		orphanPath := filepath.Join(filepath.Dir(repo), "coven-gc-orphan")
		git(repo, "worktree", "add", "-b", "orphan-branch", orphanPath, "main")
		Expect(fileExists(filepath.Dir(orphanPath), "coven-gc-orphan")).To(BeTrue())

		out := covenOK(repo, "gc")
		Expect(out).To(ContainSubstring("removed"))
		Expect(out).To(ContainSubstring("orphan-branch"))

		Expect(fileExists(filepath.Dir(orphanPath), "coven-gc-orphan")).To(BeFalse())
		Expect(fileExists(repo, "README.md")).To(BeTrue())
	})

	It("reports nothing to remove when there are no orphaned worktrees", func() {
		repo := tempRepo()
		out := covenOK(repo, "gc")
		Expect(out).To(Equal("nothing to remove"))
	})
})
