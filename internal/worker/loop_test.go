package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/covenhq/coven/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %s: %v", args, out, err)
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "init")
}

func writeAgentFile(t *testing.T, agentsDir, name, contents string) {
	t.Helper()
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(agentsDir, name+".md"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeStubAgent writes a shell script emulating the agent CLI's
// stream-json protocol: a fixed sequence of newline-delimited JSON
// events regardless of stdin, mirroring internal/session's test stub.
func writeStubAgent(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name+".sh")
	script := "#!/bin/sh\n"
	for _, l := range lines {
		script += "printf '%s\\n' '" + l + "'\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIterateSleepTransition(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo)
	base := t.TempDir()
	res, err := worktree.Spawn(worktree.SpawnOptions{RepoPath: repo, Branch: "worker-1", BasePath: base})
	if err != nil {
		t.Fatalf("worktree.Spawn: %v", err)
	}

	agentsDir := filepath.Join(res.WorktreePath, ".coven", "agents")
	writeAgentFile(t, agentsDir, "dispatch", "---\ndescription: picks work\n---\nDispatch. {{agent_catalog}} {{worker_status}}")

	agent := writeStubAgent(t, res.WorktreePath, "stub",
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"result","result":"<next>\nsleep: true\n</next>"}`,
	)

	l, err := New(Config{
		WorktreePath: res.WorktreePath,
		Branch:       res.Branch,
		AgentCommand: agent,
		PollInterval: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	brk, err := l.iterate(ctx)
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("iterate: %v", err)
	}
	if brk != nil {
		t.Fatalf("expected no break, got %+v", brk)
	}
}

func TestIterateMissingDispatchAgent(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo)
	base := t.TempDir()
	res, err := worktree.Spawn(worktree.SpawnOptions{RepoPath: repo, Branch: "worker-2", BasePath: base})
	if err != nil {
		t.Fatalf("worktree.Spawn: %v", err)
	}

	l, err := New(Config{
		WorktreePath: res.WorktreePath,
		Branch:       res.Branch,
		AgentCommand: "/bin/true",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = l.iterate(context.Background())
	if err != ErrNoDispatchAgent {
		t.Fatalf("expected ErrNoDispatchAgent, got %v", err)
	}
}

func TestIterateRunsAgentWithoutCommitsSkipsLand(t *testing.T) {
	repo := t.TempDir()
	initRepo(t, repo)
	base := t.TempDir()
	res, err := worktree.Spawn(worktree.SpawnOptions{RepoPath: repo, Branch: "worker-3", BasePath: base})
	if err != nil {
		t.Fatalf("worktree.Spawn: %v", err)
	}

	agentsDir := filepath.Join(res.WorktreePath, ".coven", "agents")
	writeAgentFile(t, agentsDir, "dispatch", "---\ndescription: picks work\n---\nDispatch.")
	writeAgentFile(t, agentsDir, "build", "---\ndescription: builds things\n---\nBuild it.")

	dispatchScript := filepath.Join(res.WorktreePath, "agent.sh")
	script := `#!/bin/sh
read -r line
if echo "$line" | grep -q '"Build it' 2>/dev/null; then
  :
fi
printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-dispatch"}'
printf '%s\n' '{"type":"result","result":"<next>\nagent: build\n</next>"}'
`
	if err := os.WriteFile(dispatchScript, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	l, err := New(Config{
		WorktreePath: res.WorktreePath,
		Branch:       res.Branch,
		AgentCommand: dispatchScript,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The stub always proposes the "build" agent and never commits, so the
	// iteration should complete without landing anything and without error.
	_, err = l.iterate(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
}
