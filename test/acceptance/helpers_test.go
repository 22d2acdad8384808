package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// tempRepo creates a fresh git repo with one commit on "main" in a temp
// directory, cleaned up after the spec.
func tempRepo() string {
	dir, err := os.MkdirTemp("", "coven-test-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(dir) })

	git(dir, "init", "-b", "main")
	git(dir, "config", "user.email", "test@test.com")
	git(dir, "config", "user.name", "Test")
	writeFile(dir, "README.md", "# test\n")
	git(dir, "add", ".")
	git(dir, "commit", "-m", "initial commit")

	return dir
}

// gitMay runs a git command that may fail and returns combined output.
func gitMay(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// git runs a git command in dir and expects it to succeed.
func git(dir string, args ...string) string {
	out, err := gitMay(dir, args...)
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %s failed: %s", strings.Join(args, " "), out)
	return out
}

// coven runs the built binary against repo and returns combined output.
func coven(repo string, args ...string) (string, error) {
	cmd := exec.Command(binaryPath, append([]string{"--repo", repo}, args...)...)
	cmd.Dir = repo
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// covenOK runs the built binary and expects success.
func covenOK(repo string, args ...string) string {
	out, err := coven(repo, args...)
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "coven %s failed: %s", strings.Join(args, " "), out)
	return out
}

// writeFile creates a file with the given content, creating parent dirs.
func writeFile(dir, name, content string) {
	p := filepath.Join(dir, name)
	err := os.MkdirAll(filepath.Dir(p), 0o755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(p, []byte(content), 0o644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

// writeAgentFile writes one `.coven/agents/<name>.md` catalog entry.
func writeAgentFile(repo, name, contents string) {
	writeFile(repo, filepath.Join(".coven", "agents", name+".md"), contents)
}

// fileExists reports whether name exists under dir.
func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
