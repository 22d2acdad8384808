package acceptance_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// writeBranchingAgent writes a single stub agent script that plays both
// roles a worker's iteration needs: on its first invocation (the dispatch
// agent, whose stdin carries no marker) it hands off to "build"; on its
// second invocation (the build agent, whose rendered prompt carries
// buildMarker) it commits a file and reports sleep. It tells the two
// roles apart by the initial stdin line, which carries the rendered prompt.
func writeBranchingAgent(repo, buildMarker string) string {
	path := filepath.Join(repo, "agent.sh")
	script := `#!/bin/sh
read -r line
case "$line" in
  *` + buildMarker + `*)
    echo "built" > output.txt
    git add output.txt
    git commit -q -m "add output.txt"
    printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-build"}'
    printf '%s\n' '{"type":"result","result":"<next>\nsleep: true\n</next>"}'
    ;;
  *)
    printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-dispatch"}'
    printf '%s\n' '{"type":"result","result":"<next>\nagent: build\n</next>"}'
    ;;
esac
`
	err := os.WriteFile(path, []byte(script), 0o755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return path
}

// This mirrors spec.md §8 scenario 1 ("clean land"): a worker dispatches
// once, the dispatch agent hands off to "build", the build agent commits a
// file, and the worker rebases/fast-forwards it onto main without
// conflict.
var _ = Describe("coven worker", func() {
	It("lands a clean build onto main", func() {
		repo := tempRepo()
		writeAgentFile(repo, "dispatch", "---\ndescription: picks work\n---\nDispatch.")
		writeAgentFile(repo, "build", "---\ndescription: builds things\n---\nBuild it. BUILD-MARKER")
		// The worker loads its catalog from its own new worktree, so the
		// agent files must be committed to main before it spawns.
		git(repo, "add", ".coven")
		git(repo, "commit", "-m", "add agents")

		agent := writeBranchingAgent(repo, "BUILD-MARKER")

		out := covenOK(repo, "worker", "--agent-command", agent, "--max-iterations", "1")
		Expect(out).To(ContainSubstring("worktree"))

		show := git(repo, "show", "main:output.txt")
		Expect(show).To(Equal("built"))

		log := git(repo, "log", "main", "--oneline")
		Expect(log).To(ContainSubstring("add output.txt"))

		// The worktree is left in place for inspection after the worker
		// exits, and its registration is removed on exit.
		status := covenOK(repo, "status")
		Expect(status).To(Equal("No other workers active."))
	})
})
