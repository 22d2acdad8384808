package session

import (
	"context"
	"fmt"
	"time"

	"github.com/covenhq/coven/internal/transition"
)

// Status is the session's lifecycle position.
type Status int

const (
	Starting Status = iota
	Running
	WaitingForInput
	Ended
)

// OutcomeKind classifies how a session ended.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Interrupted
	ProcessExited
	Reload
)

// Outcome is what EventLoop.Run returns when the session ends.
type Outcome struct {
	Kind       OutcomeKind
	ResultText string
	SessionID  string
	Err        error
}

// ForkRequest is produced when a <fork> tag is found in the session's
// final response, for internal/fork to act on.
type ForkRequest struct {
	Body string
}

// State tracks the event loop's view of a running session.
type State struct {
	SessionID             string
	Status                Status
	TotalCostUSD          float64
	SuppressNextSeparator bool
}

// Features configures which optional tags the event loop watches for.
type Features struct {
	ForkEnabled   bool
	ReloadEnabled bool
	BreakTag      string // e.g. "done"; empty disables the break check
	WatchedTags   []string
	// SuppressNextSeparator seeds State.SuppressNextSeparator: set by a
	// caller that just sent a follow-up or fork-reintegration message
	// into a respawned session, so the cosmetic turn-separator the
	// terminal renderer draws between turns is skipped for the reply to
	// that message.
	SuppressNextSeparator bool
}

// Followup is a queued message to send once the child reaches
// WaitingForInput.
type Followup struct {
	Text string
}

// EventLoop drives one Runner through its lifecycle, watching for the
// transition, fork, reload, and break tags in the session's final
// response and queuing any follow-up messages sent while the child is
// still producing output.
type EventLoop struct {
	runner    *Runner
	features  Features
	followups []Followup
	state     State

	eventBuffer  []string
	resultText   string
	tagWarning   string
	brokeOut     bool
	forkRequest  *ForkRequest
	sawReloadTag bool
}

// NewEventLoop wraps runner with an event loop enforcing features.
func NewEventLoop(runner *Runner, features Features) *EventLoop {
	state := State{Status: Starting, SuppressNextSeparator: features.SuppressNextSeparator}
	return &EventLoop{runner: runner, features: features, state: state}
}

// Enqueue queues a follow-up message to send the next time the child
// reaches WaitingForInput.
func (l *EventLoop) Enqueue(text string) {
	l.followups = append(l.followups, Followup{Text: text})
}

// State returns the event loop's current view of the session.
func (l *EventLoop) State() State {
	return l.state
}

// Run consumes runner.Lines until the session ends, interrupted, or the
// context is canceled (treated as an interrupt: the child is killed).
func (l *EventLoop) Run(ctx context.Context) Outcome {
	for {
		select {
		case <-ctx.Done():
			_ = l.runner.Kill(5 * time.Second)
			return Outcome{Kind: Interrupted, SessionID: l.state.SessionID, Err: ctx.Err()}
		case line, ok := <-l.runner.Lines:
			if !ok {
				return Outcome{Kind: ProcessExited, SessionID: l.state.SessionID}
			}
			if outcome, done := l.handleLine(line); done {
				return outcome
			}
		}
	}
}

func (l *EventLoop) handleLine(line Line) (Outcome, bool) {
	if line.Exited {
		if line.ExitErr != nil {
			return Outcome{Kind: ProcessExited, SessionID: l.state.SessionID, Err: line.ExitErr}, true
		}
		return Outcome{Kind: ProcessExited, SessionID: l.state.SessionID}, true
	}
	if line.ParseError != nil {
		// A single malformed line is a protocol warning, not fatal.
		return Outcome{}, false
	}
	return l.handleEvent(line.Event)
}

func (l *EventLoop) handleEvent(ev *InboundEvent) (Outcome, bool) {
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			l.state.SessionID = ev.SessionID
			l.state.Status = Running
		}
	case "assistant":
		l.classifyAssistant(ev)
	case "user":
		// Tool results flow through here; nothing to track for the
		// state machine beyond staying Running.
	case "result":
		return l.handleResult(ev)
	}
	return Outcome{}, false
}

func (l *EventLoop) classifyAssistant(ev *InboundEvent) {
	if ev.ParentToolUseID != "" {
		// A subagent's own tool-call traffic; never the session's final
		// response and never subject to tag policing.
		return
	}
	text, hasToolUse := finalText(ev.Message)
	if text == "" {
		return
	}
	l.eventBuffer = append(l.eventBuffer, text)

	if !hasToolUse {
		return
	}
	// A watched tag appearing alongside a tool call is ignored by the
	// protocol and the agent is warned on its next turn.
	for _, tag := range l.watchedTags() {
		if _, found := transition.ExtractTagInner(text, tag); found {
			l.tagWarning = tagWarningText(l.watchedTags())
			break
		}
	}
}

func (l *EventLoop) watchedTags() []string {
	tags := append([]string{}, l.features.WatchedTags...)
	tags = append(tags, "next")
	if l.features.ForkEnabled {
		tags = append(tags, "fork")
	}
	if l.features.ReloadEnabled {
		tags = append(tags, "reload")
	}
	if l.features.BreakTag != "" {
		tags = append(tags, l.features.BreakTag)
	}
	return tags
}

func tagWarningText(tags []string) string {
	joined := ""
	for i, t := range tags {
		if i > 0 {
			joined += ", "
		}
		joined += "<" + t + ">"
	}
	return fmt.Sprintf("[system] Warning: %s found in a message that also contains tool calls. "+
		"Special tags are only processed in your final text response (without tool calls) and "+
		"will be ignored here. To use them, output them in a response with no tool calls.", joined)
}

func (l *EventLoop) handleResult(ev *InboundEvent) (Outcome, bool) {
	if ev.TotalCostUSD != nil {
		l.state.TotalCostUSD = *ev.TotalCostUSD
	}
	l.resultText = ev.Result
	l.state.Status = WaitingForInput
	// This reply has now consumed whatever suppression a prior follow-up
	// send armed; re-armed below only if another follow-up goes out.
	l.state.SuppressNextSeparator = false

	if l.features.ReloadEnabled {
		if body, found := transition.ExtractTagInner(l.resultText, "reload"); found {
			_ = body
			return Outcome{Kind: Reload, ResultText: l.resultText, SessionID: l.state.SessionID}, true
		}
	}
	if l.features.ForkEnabled {
		if body, found := transition.ExtractTagInner(l.resultText, "fork"); found {
			l.forkRequest = &ForkRequest{Body: body}
		}
	}
	if l.features.BreakTag != "" {
		if _, found := transition.ExtractTagInner(l.resultText, l.features.BreakTag); found {
			l.brokeOut = true
		}
	}

	if l.tagWarning != "" {
		warning := l.tagWarning
		l.tagWarning = ""
		if err := l.runner.SendMessage(warning); err == nil {
			l.state.Status = Running
			return Outcome{}, false
		}
	}

	if len(l.followups) > 0 {
		next := l.followups[0]
		l.followups = l.followups[1:]
		if err := l.runner.SendMessage(next.Text); err == nil {
			l.state.Status = Running
			l.state.SuppressNextSeparator = true
			return Outcome{}, false
		}
	}

	_ = l.runner.CloseInput()
	return Outcome{Kind: Completed, ResultText: l.resultText, SessionID: l.state.SessionID}, true
}

// PendingFork returns the fork request detected in the final response, if
// any. Whether the break tag was seen is reported by BrokeOut.
func (l *EventLoop) PendingFork() *ForkRequest {
	return l.forkRequest
}

// BrokeOut reports whether the configured break tag was seen in the final
// response, signaling the worker loop's iterative command should stop.
func (l *EventLoop) BrokeOut() bool {
	return l.brokeOut
}
