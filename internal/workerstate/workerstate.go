// Package workerstate implements the worker-state store (C2): a registry of
// which branch each live worker process owns and what it is currently
// doing, shared across worker processes via one JSON file per branch under
// the repository's common git directory.
package workerstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/covenhq/coven/internal/git"
)

// State is one worker's registered status.
type State struct {
	PID    int               `json:"pid"`
	Branch string            `json:"branch"`
	Agent  string            `json:"agent,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
	// Title is the agent's rendered title template (agents.Def.RenderTitle),
	// an informational string surfaced only via `coven status` — no
	// terminal renderer exists in this core to paint it onto a TTY.
	Title string `json:"title,omitempty"`
}

// CovenDir resolves the shared state root for the repository containing
// dir: <git-common-dir>/coven.
func CovenDir(dir string) (string, error) {
	common, err := git.CommonDir(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(common, "coven"), nil
}

func workersDir(repoDir string) (string, error) {
	coven, err := CovenDir(repoDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(coven, "workers"), nil
}

func statePath(repoDir, branch string) (string, error) {
	dir, err := workersDir(repoDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, branch+".json"), nil
}

// Register writes this process's state for branch, overwriting any prior
// registration for the same branch.
func Register(repoDir, branch string, agent string, args map[string]string, title string) error {
	dir, err := workersDir(repoDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workers dir: %w", err)
	}
	return writeState(repoDir, State{
		PID:    os.Getpid(),
		Branch: branch,
		Agent:  agent,
		Args:   args,
		Title:  title,
	})
}

// Update overwrites the current process's agent/args/title for branch,
// keeping its PID registration.
func Update(repoDir, branch string, agent string, args map[string]string, title string) error {
	return Register(repoDir, branch, agent, args, title)
}

// Deregister removes branch's state file. Called on worker shutdown; a
// missing file is not an error.
func Deregister(repoDir, branch string) error {
	p, err := statePath(repoDir, branch)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing worker state: %w", err)
	}
	return nil
}

func writeState(repoDir string, s State) error {
	p, err := statePath(repoDir, s.Branch)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling worker state: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing worker state: %w", err)
	}
	return os.Rename(tmp, p)
}

// ReadAll returns the state of every live worker, deregistering as a side
// effect any file whose PID is no longer running or whose content is
// unparseable. own is excluded from nothing here — callers filter by
// branch themselves when formatting (spec.md's "excludes own_branch" rule
// lives in FormatStatus, not here).
func ReadAll(repoDir string) ([]State, error) {
	dir, err := workersDir(repoDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workers dir: %w", err)
	}

	var states []State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var s State
		if err := json.Unmarshal(data, &s); err != nil {
			_ = os.Remove(p)
			continue
		}
		if !isPIDAlive(s.PID) {
			_ = os.Remove(p)
			continue
		}
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Branch < states[j].Branch })
	return states, nil
}

func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Style selects which of the two wire formats FormatStatus renders.
type Style int

const (
	// StyleCLI matches `coven status`'s human-facing listing.
	StyleCLI Style = iota
	// StyleDispatch matches the {{worker_status}} fragment interpolated
	// into the dispatch agent's own prompt.
	StyleDispatch
)

// FormatStatus renders every worker other than ownBranch, in the given
// style. Returns the sentinel "No other workers active." when there is
// nothing else to show.
func FormatStatus(states []State, ownBranch string, style Style) string {
	var lines []string
	for _, s := range states {
		if s.Branch == ownBranch {
			continue
		}
		lines = append(lines, formatWorkerLine(s, style))
	}
	if len(lines) == 0 {
		return "No other workers active."
	}
	return strings.Join(lines, "\n")
}

func formatWorkerLine(s State, style Style) string {
	activity := "idle"
	if s.Agent != "" {
		if args := formatArgs(s.Args); args != "" {
			activity = fmt.Sprintf("%s (%s)", s.Agent, args)
		} else {
			activity = s.Agent
		}
		if s.Title != "" {
			activity = fmt.Sprintf("%s %q", activity, s.Title)
		}
	}
	switch style {
	case StyleDispatch:
		if s.Agent == "" {
			return fmt.Sprintf("- %s (PID %d): idle", s.Branch, s.PID)
		}
		return fmt.Sprintf("- %s (PID %d): running %s", s.Branch, s.PID, activity)
	default:
		if s.Agent == "" {
			return fmt.Sprintf("  %s (PID %d) — idle", s.Branch, s.PID)
		}
		return fmt.Sprintf("  %s (PID %d) — %s", s.Branch, s.PID, activity)
	}
}

func formatArgs(args map[string]string) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, args[k]))
	}
	return strings.Join(parts, ",")
}
