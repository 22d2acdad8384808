package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Mirrors spec.md §8's dispatch-visible worker status: while a worker is
// mid-iteration, `coven status` lists its branch, its current agent, and
// the agent's rendered title (the SUPPLEMENTED FEATURES title wiring).
// Once the worker exits it deregisters and the listing reverts to the
// empty sentinel.
var _ = Describe("coven status", func() {
	It("shows a running worker's agent and title, then clears on exit", func() {
		repo := tempRepo()
		writeAgentFile(repo, "dispatch", "---\ndescription: picks work\n---\nDispatch.")
		writeAgentFile(repo, "build",
			"---\ndescription: builds things\ntitle: \"Building {{target}}\"\n---\nBuild it. BUILD-MARKER")
		// The worker loads its catalog from its own new worktree, so the
		// agent files must be committed to main before it spawns.
		git(repo, "add", ".coven")
		git(repo, "commit", "-m", "add agents")

		agent := filepath.Join(repo, "agent.sh")
		script := `#!/bin/sh
read -r line
case "$line" in
  *BUILD-MARKER*)
    sleep 1
    echo "built" > output.txt
    git add output.txt
    git commit -q -m "add output.txt"
    printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-build"}'
    printf '%s\n' '{"type":"result","result":"<next>\nsleep: true\n</next>"}'
    ;;
  *)
    printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-dispatch"}'
    printf '%s\n' '{"type":"result","result":"<next>\nagent: build\ntarget: widgets\n</next>"}'
    ;;
esac
`
		Expect(os.WriteFile(agent, []byte(script), 0o755)).To(Succeed())

		cmd := exec.Command(binaryPath, "--repo", repo, "worker", "--agent-command", agent, "--max-iterations", "1")
		cmd.Dir = repo
		Expect(cmd.Start()).To(Succeed())
		DeferCleanup(func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_, _ = cmd.Process.Wait()
		})

		Eventually(func(g Gomega) {
			out, err := coven(repo, "status")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(out).To(ContainSubstring("build"))
			g.Expect(out).To(ContainSubstring(`"Building widgets"`))
		}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

		Expect(cmd.Wait()).To(Succeed())

		out, err := coven(repo, "status")
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(out)).To(Equal("No other workers active."))
	})
})
