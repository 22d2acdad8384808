// Package worker implements the worker loop (C8): the outer
// sync → dispatch → execute → ensure-commits → land iteration that
// composes every other component into one worker process's lifetime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/covenhq/coven/internal/agents"
	"github.com/covenhq/coven/internal/covenlock"
	"github.com/covenhq/coven/internal/fork"
	"github.com/covenhq/coven/internal/session"
	"github.com/covenhq/coven/internal/transition"
	"github.com/covenhq/coven/internal/workerstate"
	"github.com/covenhq/coven/internal/worktree"
)

// ErrNoDispatchAgent is a setup error: the agent catalog has no agent
// named "dispatch", so the worker has nothing to run on its first
// iteration.
var ErrNoDispatchAgent = errors.New("no dispatch agent defined")

// reloadResumeMessage is sent to a respawned child after a <reload> tag,
// preserving the session id across the process restart.
const reloadResumeMessage = "Claude reloaded with fresh tool definitions. Continue where you left off."

// commitNagPrompt is sent once, resuming the agent's own session, when an
// agent's turn produced no commits.
const commitNagPrompt = "You finished without committing anything. " +
	"If you have changes worth keeping, please commit them now. " +
	"If there's nothing to commit, just confirm that."

// Config configures one worker process's iteration loop against a single
// worktree.
type Config struct {
	// WorktreePath is the git worktree this worker drives.
	WorktreePath string
	// Branch is this worker's own branch — excluded from the worker
	// status snapshot shown to the dispatch agent.
	Branch string
	// AgentCommand is the agent CLI binary, e.g. "claude".
	AgentCommand string
	// AgentsDir is the agent catalog directory. Defaults to
	// "<WorktreePath>/.coven/agents" when empty.
	AgentsDir string
	// ExtraArgs are pass-through CLI flags applied to every session
	// (agent-specific claude_args are appended on top of these).
	ExtraArgs []string
	// BreakTag is the configurable tag name that ends the loop. Defaults
	// to "done".
	BreakTag string
	// ForkEnabled and ReloadEnabled gate the corresponding session tags.
	ForkEnabled   bool
	ReloadEnabled bool
	// PollInterval is how often Sleep polls main's tip for new commits.
	// Defaults to 10s.
	PollInterval time.Duration
	// LockPoll is the retry interval for the dispatch lock and
	// semaphores. Defaults to 200ms.
	LockPoll time.Duration
	// MaxIterations caps the number of dispatch iterations Run performs.
	// Zero means unlimited; `coven loop` and `coven worker` both set this
	// from --max-iterations.
	MaxIterations int
}

func (c *Config) setDefaults() {
	if c.BreakTag == "" {
		c.BreakTag = "done"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 200 * time.Millisecond
	}
	if c.AgentsDir == "" {
		c.AgentsDir = filepath.Join(c.WorktreePath, ".coven", "agents")
	}
}

// BreakResult is returned by Run when the configured break tag was seen
// in a final response.
type BreakResult struct {
	Reason string
}

// Loop drives Config's worktree through repeated dispatch → agent → land
// iterations.
type Loop struct {
	cfg      Config
	covenDir string
}

// New builds a Loop. covenDir (the shared `<git-common-dir>/coven` root)
// is resolved once up front since every iteration's lock, semaphore, and
// worker-state paths are rooted there.
func New(cfg Config) (*Loop, error) {
	cfg.setDefaults()
	covenDir, err := workerstate.CovenDir(cfg.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("resolving coven dir: %w", err)
	}
	return &Loop{cfg: cfg, covenDir: covenDir}, nil
}

// Run drives iterations until ctx is canceled, a break tag is seen,
// MaxIterations is reached, or a fatal error occurs.
func (l *Loop) Run(ctx context.Context) (*BreakResult, error) {
	for n := 0; l.cfg.MaxIterations == 0 || n < l.cfg.MaxIterations; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		brk, err := l.iterate(ctx)
		if err != nil {
			return nil, err
		}
		if brk != nil {
			return brk, nil
		}
	}
	return nil, nil
}

// iterate runs exactly one pass of the seven-step worker iteration
// (spec.md §4.8). A nil, nil return means "keep looping"; a non-nil
// BreakResult means the configured break tag ended the loop.
func (l *Loop) iterate(ctx context.Context) (*BreakResult, error) {
	if err := worktree.SyncToMain(l.cfg.WorktreePath); err != nil {
		return nil, fmt.Errorf("syncing to main: %w", err)
	}

	catalog, err := agents.LoadAll(l.cfg.AgentsDir)
	if err != nil {
		return nil, fmt.Errorf("loading agent catalog: %w", err)
	}
	dispatchDef := findAgent(catalog, "dispatch")
	if dispatchDef == nil {
		return nil, ErrNoDispatchAgent
	}
	sysPrompt := transition.FormatSystemPrompt(catalog)
	if l.cfg.ForkEnabled {
		sysPrompt += "\n\n" + fork.SystemPrompt
	}
	features := session.Features{
		ForkEnabled:   l.cfg.ForkEnabled,
		ReloadEnabled: l.cfg.ReloadEnabled,
		BreakTag:      l.cfg.BreakTag,
	}

	var brokeOut bool

	// --- Step 2: dispatch, under the dispatch lock ---
	unlock := covenlock.AcquireDispatchLock(l.covenDir, l.cfg.LockPoll)

	allStates, err := workerstate.ReadAll(l.cfg.WorktreePath)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("reading worker states: %w", err)
	}
	workerStatus := workerstate.FormatStatus(allStates, l.cfg.Branch, workerstate.StyleDispatch)
	dispatchPrompt, err := dispatchDef.Render(map[string]string{
		"agent_catalog": agents.FormatCatalog(catalog),
		"worker_status": workerStatus,
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("rendering dispatch prompt: %w", err)
	}

	dispatchCfg := session.Config{
		AgentCommand:       l.cfg.AgentCommand,
		ExtraArgs:          append(append([]string{}, l.cfg.ExtraArgs...), dispatchDef.Frontmatter.ClaudeArgs...),
		AppendSystemPrompt: sysPrompt,
		Prompt:             dispatchPrompt,
		WorkingDir:         l.cfg.WorktreePath,
	}

	outcome, broke, err := l.driveSession(ctx, dispatchCfg, features)
	brokeOut = brokeOut || broke
	if err != nil {
		unlock()
		return nil, fmt.Errorf("dispatch session: %w", err)
	}
	if outcome.Kind != session.Completed {
		unlock()
		return nil, fmt.Errorf("dispatch session ended without completing: %v", outcome.Kind)
	}

	tr, chosen, terr := resolveTransition(outcome.ResultText, catalog)
	if terr != nil {
		retryCfg := dispatchCfg.ResumeWith(transition.CorrectivePrompt, outcome.SessionID)
		retryOutcome, retryBroke, rerr := l.driveSession(ctx, retryCfg, features)
		brokeOut = brokeOut || retryBroke
		if rerr != nil {
			unlock()
			return nil, fmt.Errorf("dispatch retry session: %w", rerr)
		}
		if retryOutcome.Kind != session.Completed {
			unlock()
			return nil, fmt.Errorf("dispatch retry session ended without completing: %v", retryOutcome.Kind)
		}
		tr, chosen, terr = resolveTransition(retryOutcome.ResultText, catalog)
		if terr != nil {
			unlock()
			return nil, fmt.Errorf("dispatch decision malformed after retry: %w", terr)
		}
	}

	// --- Step 3: commit intent, before releasing the lock ---
	if tr.Sleep {
		_ = workerstate.Update(l.cfg.WorktreePath, l.cfg.Branch, "", nil, "")
	} else {
		title, terr := chosen.RenderTitle(tr.Args)
		if terr != nil {
			title = ""
		}
		_ = workerstate.Update(l.cfg.WorktreePath, l.cfg.Branch, chosen.Name, tr.Args, title)
	}
	unlock()

	// --- Step 4: execute ---
	if tr.Sleep {
		if err := l.waitForMainChange(ctx); err != nil {
			return nil, err
		}
		if brokeOut {
			return &BreakResult{Reason: "dispatch emitted break tag"}, nil
		}
		return nil, nil
	}

	var release covenlock.Unlock
	if chosen.Frontmatter.MaxConcurrency > 0 {
		sem := covenlock.NewSemaphore(l.covenDir, chosen.Name, chosen.Frontmatter.MaxConcurrency, l.cfg.LockPoll)
		release, err = sem.Acquire()
		if err != nil {
			return nil, fmt.Errorf("acquiring %s semaphore: %w", chosen.Name, err)
		}
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	agentPrompt, err := chosen.Render(tr.Args)
	if err != nil {
		return nil, fmt.Errorf("rendering agent %q prompt: %w", chosen.Name, err)
	}
	agentCfg := session.Config{
		AgentCommand:       l.cfg.AgentCommand,
		ExtraArgs:          append(append([]string{}, l.cfg.ExtraArgs...), chosen.Frontmatter.ClaudeArgs...),
		AppendSystemPrompt: sysPrompt,
		Prompt:             agentPrompt,
		WorkingDir:         l.cfg.WorktreePath,
	}

	agentOutcome, agentBroke, err := l.driveSession(ctx, agentCfg, features)
	brokeOut = brokeOut || agentBroke
	if err != nil {
		return nil, fmt.Errorf("agent session: %w", err)
	}
	if agentOutcome.Kind != session.Completed {
		return nil, fmt.Errorf("agent session ended without completing: %v", agentOutcome.Kind)
	}
	resumeSessionID := agentOutcome.SessionID

	// --- Step 5: ensure commits ---
	_ = worktree.Clean(l.cfg.WorktreePath)
	hasCommits, err := worktree.HasUniqueCommits(l.cfg.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("checking for unique commits: %w", err)
	}
	if !hasCommits {
		nagCfg := agentCfg.ResumeWith(commitNagPrompt, agentOutcome.SessionID)
		nagOutcome, nagBroke, err := l.driveSession(ctx, nagCfg, features)
		brokeOut = brokeOut || nagBroke
		if err == nil && nagOutcome.Kind == session.Completed {
			resumeSessionID = nagOutcome.SessionID
			_ = worktree.Clean(l.cfg.WorktreePath)
			hasCommits, err = worktree.HasUniqueCommits(l.cfg.WorktreePath)
			if err != nil {
				return nil, fmt.Errorf("checking for unique commits: %w", err)
			}
		}
	}

	// --- Step 7 (partial): clear intent regardless of what follows ---
	defer func() { _ = workerstate.Update(l.cfg.WorktreePath, l.cfg.Branch, "", nil, "") }()

	if !hasCommits {
		if brokeOut {
			return &BreakResult{Reason: "agent emitted break tag"}, nil
		}
		return nil, nil
	}

	// --- Step 6: land, re-entering the agent session on rebase conflict ---
	if err := l.land(ctx, resumeSessionID, agentCfg, features, &brokeOut); err != nil {
		return nil, err
	}

	if brokeOut {
		return &BreakResult{Reason: "agent emitted break tag"}, nil
	}
	return nil, nil
}

// land rebases the branch onto main and fast-forwards main, re-entering
// the agent session to resolve conflicts and retrying the whole land
// afterward (main may have moved while the resolver was working). A
// fast-forward that fails because main moved during the attempt (another
// worker landed first) also retries the whole land. Any other land failure
// resets to main and returns nil — the iteration continues rather than
// failing the worker.
func (l *Loop) land(ctx context.Context, resumeSessionID string, baseCfg session.Config, features session.Features, brokeOut *bool) error {
	for {
		mainBefore, _ := worktree.MainHeadSHA(l.cfg.WorktreePath)
		_, err := worktree.Land(l.cfg.WorktreePath)
		if err == nil {
			return nil
		}

		if errors.Is(err, worktree.ErrFastForwardFailed) {
			if mainNow, herr := worktree.MainHeadSHA(l.cfg.WorktreePath); herr == nil && mainNow != mainBefore {
				continue
			}
		}

		var conflictErr *worktree.RebaseConflictError
		if !errors.As(err, &conflictErr) {
			_ = worktree.ResetToMain(l.cfg.WorktreePath)
			_ = worktree.Clean(l.cfg.WorktreePath)
			return nil
		}

		if resumeSessionID == "" {
			_ = worktree.AbortRebase(l.cfg.WorktreePath)
			_ = worktree.ResetToMain(l.cfg.WorktreePath)
			_ = worktree.Clean(l.cfg.WorktreePath)
			return nil
		}

		prompt := fmt.Sprintf(
			"The rebase onto main hit conflicts in: %s\n\n"+
				"Resolve the conflicts in those files, stage them with `git add`, "+
				"and run `git rebase --continue`. If more conflicts appear after "+
				"continuing, resolve those too until the rebase completes.",
			strings.Join(conflictErr.Files, ", "))

		resolveCfg := baseCfg.ResumeWith(prompt, resumeSessionID)
		outcome, broke, err := l.driveSession(ctx, resolveCfg, features)
		*brokeOut = *brokeOut || broke
		if err != nil {
			_ = worktree.AbortRebase(l.cfg.WorktreePath)
			_ = worktree.ResetToMain(l.cfg.WorktreePath)
			_ = worktree.Clean(l.cfg.WorktreePath)
			return fmt.Errorf("conflict-resolution session: %w", err)
		}
		if outcome.Kind != session.Completed {
			_ = worktree.AbortRebase(l.cfg.WorktreePath)
			_ = worktree.ResetToMain(l.cfg.WorktreePath)
			_ = worktree.Clean(l.cfg.WorktreePath)
			return nil
		}

		resumeSessionID = outcome.SessionID
		_ = worktree.Clean(l.cfg.WorktreePath)

		inProgress, _ := worktree.IsRebaseInProgress(l.cfg.WorktreePath)
		stillHasCommits, _ := worktree.HasUniqueCommits(l.cfg.WorktreePath)
		if inProgress || !stillHasCommits {
			_ = worktree.AbortRebase(l.cfg.WorktreePath)
			_ = worktree.ResetToMain(l.cfg.WorktreePath)
			_ = worktree.Clean(l.cfg.WorktreePath)
			return nil
		}
		// Resolution complete; retry the full land from the top.
	}
}

// driveSession spawns one session and drives it to a terminal outcome,
// transparently handling <reload> (respawn resuming the same session id)
// and <fork> (run the fork controller, then resume the parent session
// with the reintegration message) without returning control to the
// caller — both are session-local continuations, not new dispatch
// decisions. It returns the session's final outcome and whether the
// configured break tag was seen on any leg of that continuation.
func (l *Loop) driveSession(ctx context.Context, cfg session.Config, features session.Features) (session.Outcome, bool, error) {
	brokeOut := false
	for {
		r, err := session.Spawn(cfg)
		if err != nil {
			return session.Outcome{}, brokeOut, fmt.Errorf("spawning session: %w", err)
		}
		loop := session.NewEventLoop(r, features)
		outcome := loop.Run(ctx)
		brokeOut = brokeOut || loop.BrokeOut()

		if outcome.Kind == session.Reload {
			cfg = cfg.ResumeWith(reloadResumeMessage, outcome.SessionID)
			continue
		}

		if fr := loop.PendingFork(); fr != nil {
			if labels, ferr := fork.ParseTag(fr.Body); ferr == nil && len(labels) > 0 {
				msg, frErr := fork.Run(ctx, fork.Config{
					AgentCommand:       l.cfg.AgentCommand,
					ExtraArgs:          l.cfg.ExtraArgs,
					WorkingDir:         l.cfg.WorktreePath,
					AppendSystemPrompt: cfg.AppendSystemPrompt,
				}, r, outcome.SessionID, labels)
				if frErr == nil {
					cfg = cfg.ResumeWith(msg, outcome.SessionID)
					features.SuppressNextSeparator = true
					continue
				}
			}
		}

		return outcome, brokeOut, nil
	}
}

// resolveTransition extracts and parses the <next> block from a
// session's final response and resolves it against the loaded catalog.
// tr.Sleep responses return a nil *agents.Def.
func resolveTransition(resultText string, catalog []*agents.Def) (*transition.Transition, *agents.Def, error) {
	body, found := transition.ExtractTagInner(resultText, "next")
	if !found {
		return nil, nil, fmt.Errorf("no <next> block found in response")
	}
	tr, err := transition.ParseTransition(body)
	if err != nil {
		return nil, nil, err
	}
	if tr.Sleep {
		return tr, nil, nil
	}
	def := findAgent(catalog, tr.Agent)
	if def == nil {
		return nil, nil, fmt.Errorf("dispatch chose unknown agent: %s", tr.Agent)
	}
	return tr, def, nil
}

func findAgent(catalog []*agents.Def, name string) *agents.Def {
	for _, d := range catalog {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// waitForMainChange polls main's tip every PollInterval until it moves or
// ctx is canceled — the Sleep transition's idle wait.
func (l *Loop) waitForMainChange(ctx context.Context) error {
	initial, err := worktree.MainHeadSHA(l.cfg.WorktreePath)
	if err != nil {
		return fmt.Errorf("reading main head: %w", err)
	}
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := worktree.MainHeadSHA(l.cfg.WorktreePath)
			if err != nil {
				return fmt.Errorf("reading main head: %w", err)
			}
			if current != initial {
				return nil
			}
		}
	}
}
