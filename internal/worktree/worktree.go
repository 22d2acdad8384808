// Package worktree implements the worktree lifecycle (C1): spawning a new
// worktree and branch, syncing to and landing onto main, and the recovery
// primitives the worker loop needs when a rebase or fast-forward fails.
//
// Every operation is stateless — git's own worktree list and ref graph are
// the source of truth; this package never maintains a parallel registry.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/covenhq/coven/internal/git"
)

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	RepoPath string
	Branch   string // optional; a random name is generated if empty
	BasePath string // worktrees are created under <BasePath>/<project>/<branch>/
}

// SpawnResult is returned by Spawn.
type SpawnResult struct {
	WorktreePath string
	Branch       string
}

// Spawn creates a new branch and worktree for it, then best-effort copies
// gitignored files from the main worktree (build caches, local env files)
// so the new worktree isn't missing developer-local state.
func Spawn(opts SpawnOptions) (*SpawnResult, error) {
	if !git.IsRepo(opts.RepoPath) {
		return nil, ErrNotGitRepo
	}

	branch := opts.Branch
	if branch == "" {
		name, err := randomBranchName()
		if err != nil {
			return nil, err
		}
		branch = name
	}
	if git.BranchExists(opts.RepoPath, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	main, err := git.MainWorktree(opts.RepoPath)
	if err != nil {
		return nil, err
	}

	project := filepath.Base(filepath.Clean(main.Path))
	worktreePath := filepath.Join(opts.BasePath, project, branch)
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree parent dir: %w", err)
	}

	startPoint := main.Branch
	if startPoint == "" {
		startPoint = "HEAD"
	}
	if err := git.AddWorktree(opts.RepoPath, worktreePath, branch, startPoint); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	// Best-effort: missing .gitignore or unreadable files must not fail spawn.
	_ = copyGitignoredFiles(main.Path, worktreePath)

	return &SpawnResult{WorktreePath: worktreePath, Branch: branch}, nil
}

// copyGitignoredFiles copies top-level gitignored files/dirs from the main
// worktree into the new worktree. Mirrors what a full rsync-of-ignored-paths
// would do, without shelling out to an external rsync binary.
func copyGitignoredFiles(mainPath, newPath string) error {
	giPath := filepath.Join(mainPath, ".gitignore")
	if _, err := os.Stat(giPath); err != nil {
		return nil
	}
	matcher, err := gitignore.CompileIgnoreFile(giPath)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(mainPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		rel := e.Name()
		if !matcher.MatchesPath(rel) {
			continue
		}
		src := filepath.Join(mainPath, rel)
		dst := filepath.Join(newPath, rel)
		_ = copyPath(src, dst)
	}
	return nil
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyPath(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

// List returns the repository's worktrees, main first.
func List(repoPathOrWorktree string) ([]git.WorktreeEntry, error) {
	return git.ListWorktrees(repoPathOrWorktree)
}

// requireNonMain returns an error if wt is the repository's main worktree.
func requireNonMain(wt string) error {
	main, err := git.MainWorktree(wt)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(wt)
	if err != nil {
		return err
	}
	mainAbs, err := filepath.Abs(main.Path)
	if err != nil {
		return err
	}
	if abs == mainAbs {
		return ErrIsMainWorktree
	}
	return nil
}

// SyncToMain rebases wt's branch onto the tip of main. A no-op if already
// current. A conflict here is unusual (a worker's own branch commits have
// already landed or been discarded) and surfaces as *RebaseConflictError.
func SyncToMain(wt string) error {
	main, err := git.MainWorktree(wt)
	if err != nil {
		return err
	}
	if main.Branch == "" {
		return nil
	}
	if err := git.Rebase(wt, main.Branch); err != nil {
		files, cErr := git.ConflictFiles(wt)
		if cErr == nil && len(files) > 0 {
			return &RebaseConflictError{Files: files}
		}
		return err
	}
	return nil
}

// LandResult is returned by a successful Land.
type LandResult struct {
	Branch     string
	MainBranch string
}

// Land rebases wt's branch onto main, then fast-forwards main to the new
// tip. Two workers racing the fast-forward step: the loser gets
// ErrFastForwardFailed and must retry Land from the top (re-rebasing
// against the new tip).
func Land(wt string) (*LandResult, error) {
	if err := requireNonMain(wt); err != nil {
		return nil, err
	}
	branch, err := git.CurrentBranch(wt)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		return nil, ErrDetachedHead
	}

	switch st, err := git.Status(wt); {
	case err != nil:
		return nil, err
	case st == git.UncommittedChanges:
		return nil, ErrDirtyWorkingTree
	case st == git.UntrackedFiles:
		return nil, ErrUntrackedFiles
	}

	main, err := git.MainWorktree(wt)
	if err != nil {
		return nil, err
	}

	if err := git.Rebase(wt, main.Branch); err != nil {
		files, cErr := git.ConflictFiles(wt)
		if cErr == nil && len(files) > 0 {
			return nil, &RebaseConflictError{Files: files}
		}
		return nil, err
	}

	if err := git.FastForwardMerge(main.Path, branch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFastForwardFailed, err)
	}

	return &LandResult{Branch: branch, MainBranch: main.Branch}, nil
}

// AbortRebase aborts an in-progress rebase. Idempotent.
func AbortRebase(wt string) error {
	inProgress, err := git.IsRebaseInProgress(wt)
	if err != nil {
		return err
	}
	if !inProgress {
		return nil
	}
	return git.RebaseAbort(wt)
}

// ResetToMain hard-resets wt's branch to main's tip. Idempotent recovery
// primitive used after an unrecoverable land failure.
func ResetToMain(wt string) error {
	main, err := git.MainWorktree(wt)
	if err != nil {
		return err
	}
	return git.ResetHard(wt, main.Branch)
}

// Clean removes untracked, non-ignored files — sweeps test artifacts the
// agent left behind so they can't block Land's dirty-tree precondition.
func Clean(wt string) error {
	return git.CleanUntracked(wt)
}

// HasUniqueCommits reports whether wt's branch tip differs from main's tip.
func HasUniqueCommits(wt string) (bool, error) {
	main, err := git.MainWorktree(wt)
	if err != nil {
		return false, err
	}
	branchSHA, err := git.RevParse(wt, "HEAD")
	if err != nil {
		return false, err
	}
	mainSHA, err := git.RevParse(main.Path, main.Branch)
	if err != nil {
		return false, err
	}
	return branchSHA != mainSHA, nil
}

// IsRebaseInProgress reports whether wt has a rebase in flight.
func IsRebaseInProgress(wt string) (bool, error) {
	return git.IsRebaseInProgress(wt)
}

// MainHeadSHA returns the current commit SHA of the repository's main
// branch, used to detect when main has moved while a worker is sleeping.
func MainHeadSHA(wt string) (string, error) {
	main, err := git.MainWorktree(wt)
	if err != nil {
		return "", err
	}
	return git.RevParse(main.Path, main.Branch)
}

// DirtyState reports the first-found category of dirt in wt.
func DirtyState(wt string) (git.DirtyState, error) {
	return git.Status(wt)
}

// Remove deletes wt's directory and its branch. If force is false, Remove
// refuses when the worktree has uncommitted or untracked changes.
func Remove(repoPath, wt string, force bool) error {
	if !force {
		st, err := git.Status(wt)
		if err != nil {
			return err
		}
		if st != git.Clean {
			return fmt.Errorf("refusing to remove dirty worktree %s (use force)", wt)
		}
	}
	branch, _ := git.CurrentBranch(wt)
	if err := git.RemoveWorktree(repoPath, wt); err != nil {
		return err
	}
	if branch != "" {
		_ = git.DeleteBranch(repoPath, branch)
	}
	return nil
}
