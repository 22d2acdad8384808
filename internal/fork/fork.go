// Package fork implements the fork controller (C9): splitting one session
// into N parallel children that resume the parent session, multiplexing
// their events, and reintegrating the results into the parent in original
// task order.
package fork

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/covenhq/coven/internal/session"
)

// Config carries the pieces of the parent session's configuration that
// every fork child inherits: the same extra CLI args and working
// directory, plus the agent command to spawn.
type Config struct {
	AgentCommand string
	ExtraArgs    []string
	WorkingDir   string
	// AppendSystemPrompt is reused so children can still emit their own
	// <next>/<fork> tags if they themselves need to hand off or split.
	AppendSystemPrompt string
}

// ParseTag parses a <fork> block body: a YAML list of short task labels.
// Blank labels are dropped; an empty (or absent) list yields no labels
// and no error.
func ParseTag(body string) ([]string, error) {
	var labels []string
	if err := yaml.Unmarshal([]byte(body), &labels); err != nil {
		return nil, fmt.Errorf("parsing fork tag: %w", err)
	}
	var out []string
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// taskResult is one child's outcome: its result text, or an error.
type taskResult struct {
	text string
	err  string
}

// Run spawns one child session per label, each resuming parentSessionID,
// one goroutine per child (the per-fork-child demux task of the
// concurrency model) writing into its own results slot by index rather
// than a shared tagged channel — there is no renderer in this headless
// core to interleave intermediate tool-call events for, so the
// demultiplexing need reduces to preserving each child's slot regardless
// of completion order, which the indexed slice already guarantees.
// Each child resumes parentSessionID with the "--fork-session" pass-through
// flag and an initial prompt
// naming its assigned task. It kills the parent session's own runner
// first (parentRunner may be nil if the parent process already exited)
// so the parent CLI cannot observe or race on the fork, multiplexes all
// child events, and returns the XML reintegration message once every
// child has reported a result or exited without one.
func Run(ctx context.Context, cfg Config, parentRunner *session.Runner, parentSessionID string, labels []string) (string, error) {
	if parentRunner != nil {
		_ = parentRunner.Kill(5 * time.Second)
	}

	results := make([]taskResult, len(labels))
	var wg sync.WaitGroup
	wg.Add(len(labels))

	for i, label := range labels {
		i, label := i, label
		go func() {
			defer wg.Done()
			results[i] = runChild(ctx, cfg, parentSessionID, label)
		}()
	}
	wg.Wait()

	return ComposeReintegrationMessage(labels, results), nil
}

func runChild(ctx context.Context, cfg Config, parentSessionID, label string) taskResult {
	extraArgs := append(append([]string{}, cfg.ExtraArgs...), "--fork-session")
	childCfg := session.Config{
		AgentCommand:       cfg.AgentCommand,
		ExtraArgs:          extraArgs,
		AppendSystemPrompt: cfg.AppendSystemPrompt,
		Prompt:             fmt.Sprintf("You were assigned '%s'", label),
		Resume:             parentSessionID,
		WorkingDir:         cfg.WorkingDir,
	}

	r, err := session.Spawn(childCfg)
	if err != nil {
		return taskResult{err: err.Error()}
	}
	loop := session.NewEventLoop(r, session.Features{})
	outcome := loop.Run(ctx)
	switch outcome.Kind {
	case session.Completed:
		return taskResult{text: outcome.ResultText}
	case session.ProcessExited:
		return taskResult{err: "child process exited unexpectedly"}
	default:
		return taskResult{err: "no result received"}
	}
}

// ComposeReintegrationMessage builds the `<fork-results>` message sent
// back to the parent: one `<task label="…">` per label, in the original
// task order regardless of completion order, body CDATA-wrapped, with
// `error="true"` when the corresponding result carries an error instead
// of text. & < > " in the label are XML-escaped.
func ComposeReintegrationMessage(labels []string, results []taskResult) string {
	var b strings.Builder
	b.WriteString("<fork-results>\n")
	for i, label := range labels {
		safe := escapeLabel(label)
		r := results[i]
		if r.err != "" {
			fmt.Fprintf(&b, "<task label=\"%s\" error=\"true\">\n<![CDATA[%s]]>\n</task>\n", safe, r.err)
			continue
		}
		fmt.Fprintf(&b, "<task label=\"%s\">\n<![CDATA[%s]]>\n</task>\n", safe, r.text)
	}
	b.WriteString("</fork-results>")
	return b.String()
}

func escapeLabel(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}

// SystemPrompt is the system-prompt fragment teaching a session how to
// emit a <fork> tag, appended alongside transition.FormatSystemPrompt
// when fork is enabled for this session.
const SystemPrompt = `To parallelize work, emit a <fork> tag containing a YAML list of short task labels:
<fork>
- Refactor auth module
- Add tests for user API
</fork>
Each fork inherits your full context and runs in parallel. You'll receive the results
in a <fork-results> message when all children complete.`
